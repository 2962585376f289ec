// Package analytics keeps an append-only log of generations as JSON
// lines and aggregates it for the analytics endpoints.
package analytics

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/nugget/ai-persona/internal/generate"
)

// Entry is one logged generation.
type Entry struct {
	Timestamp  time.Time `json:"timestamp"`
	RequestID  string    `json:"request_id,omitempty"`
	PersonaID  string    `json:"persona_id"`
	Provider   string    `json:"provider"`
	PromptLen  int       `json:"prompt_len"`
	UserInput  string    `json:"user_input"`
	OutputLen  int       `json:"output_len"`
	Streamed   bool      `json:"streamed,omitempty"`
	DurationMS int64     `json:"duration_ms"`
}

// Summary aggregates every entry in the log.
type Summary struct {
	TotalEvents    int            `json:"total_events"`
	UniquePersonas int            `json:"unique_personas"`
	Last24Hours    int            `json:"last_24_hours"`
	AvgPromptChars int            `json:"avg_prompt_chars"`
	Providers      map[string]int `json:"providers"`
	Personas       []PersonaCount `json:"personas"` // Most used first
}

// PersonaCount is one row of the per-persona breakdown. An empty
// PersonaID counts generations run without a persona.
type PersonaCount struct {
	PersonaID string `json:"persona_id"`
	Count     int    `json:"count"`
}

// Log appends entries to a JSONL file. It implements
// [generate.Observer]; writes are serialized so concurrent requests do
// not interleave lines.
type Log struct {
	path   string
	logger *slog.Logger
	now    func() time.Time

	mu sync.Mutex
}

// NewLog returns a Log writing to path. The parent directory is created
// on first write.
func NewLog(path string, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{path: path, logger: logger.With("component", "analytics"), now: time.Now}
}

// Path returns the log file path.
func (l *Log) Path() string {
	return l.path
}

// Observe implements generate.Observer. Failures are logged, never
// returned: analytics must not affect the response.
func (l *Log) Observe(ctx context.Context, c generate.Completion) {
	entry := Entry{
		Timestamp:  l.now().UTC(),
		RequestID:  c.RequestID,
		PersonaID:  c.Request.PersonaID,
		Provider:   c.Result.Provider,
		PromptLen:  len(c.CompiledPrompt),
		UserInput:  c.Request.UserInput,
		OutputLen:  len(c.Result.Output),
		Streamed:   c.Streamed,
		DurationMS: c.Duration.Milliseconds(),
	}
	if entry.Provider == "" {
		entry.Provider = "unknown"
	}
	if err := l.Append(entry); err != nil {
		l.logger.WarnContext(ctx, "analytics append failed", "path", l.path, "error", err)
	}
}

// Append writes one entry as a single line.
func (l *Log) Append(e Entry) error {
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create analytics dir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open analytics log: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("write analytics log: %w", err)
	}
	return f.Close()
}

// maxLineBytes bounds a single log line held in memory while reading.
// Longer lines are skipped like any other malformed line.
const maxLineBytes = 1 << 20

// Entries reads every well-formed entry, oldest first. A missing file
// is an empty log; malformed or oversized lines are skipped.
func (l *Log) Entries() ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return []Entry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open analytics log: %w", err)
	}
	defer f.Close()

	entries := []Entry{}
	r := bufio.NewReaderSize(f, 64*1024)
	var line []byte
	oversized := false
	for {
		chunk, isPrefix, err := r.ReadLine()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read analytics log: %w", err)
		}
		if !oversized {
			if len(line)+len(chunk) > maxLineBytes {
				oversized, line = true, line[:0]
			} else {
				line = append(line, chunk...)
			}
		}
		if isPrefix {
			continue
		}
		if oversized {
			l.logger.Debug("skipping oversized analytics line", "path", l.path)
		} else {
			var e Entry
			if json.Unmarshal(line, &e) == nil {
				entries = append(entries, e)
			}
		}
		line, oversized = line[:0], false
	}
	return entries, nil
}

// Recent returns up to limit entries, newest first.
func (l *Log) Recent(limit int) ([]Entry, error) {
	entries, err := l.Entries()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, min(limit, len(entries)))
	for i := len(entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, entries[i])
	}
	return out, nil
}

// Summary aggregates the whole log.
func (l *Log) Summary() (Summary, error) {
	entries, err := l.Entries()
	if err != nil {
		return Summary{}, err
	}
	return summarize(entries, l.now()), nil
}

func summarize(entries []Entry, now time.Time) Summary {
	sum := Summary{
		Providers: map[string]int{},
		Personas:  []PersonaCount{},
	}
	byPersona := map[string]int{}
	cutoff := now.Add(-24 * time.Hour)
	promptChars := 0

	for _, e := range entries {
		sum.TotalEvents++
		sum.Providers[e.Provider]++
		byPersona[e.PersonaID]++
		promptChars += e.PromptLen
		if e.Timestamp.After(cutoff) {
			sum.Last24Hours++
		}
	}

	for id, n := range byPersona {
		if id != "" {
			sum.UniquePersonas++
		}
		sum.Personas = append(sum.Personas, PersonaCount{PersonaID: id, Count: n})
	}
	sort.Slice(sum.Personas, func(i, j int) bool {
		if sum.Personas[i].Count != sum.Personas[j].Count {
			return sum.Personas[i].Count > sum.Personas[j].Count
		}
		return sum.Personas[i].PersonaID < sum.Personas[j].PersonaID
	})

	if sum.TotalEvents > 0 {
		sum.AvgPromptChars = promptChars / sum.TotalEvents
	}
	return sum
}
