package mqtt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const instanceIDFile = "instance_id"

// LoadOrCreateInstanceID returns the identifier stamped on every
// generation notification. It lives in dataDir so it outlasts
// device_name changes; a missing or unparseable file is replaced with
// a fresh UUIDv7.
func LoadOrCreateInstanceID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, instanceIDFile)

	if raw, err := os.ReadFile(path); err == nil {
		if id, perr := uuid.Parse(strings.TrimSpace(string(raw))); perr == nil {
			return id.String(), nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("read %s: %w", path, err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("mint instance id: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", dataDir, err)
	}
	if err := os.WriteFile(path, []byte(id.String()+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return id.String(), nil
}
