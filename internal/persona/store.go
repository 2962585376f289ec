package persona

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store persists personas in SQLite. List-valued fields are stored as
// JSON text exactly as they were normalized; reads run every row back
// through [Normalize] so rows written by older versions (newline
// strings, index-keyed objects) still load as canonical records.
type Store struct {
	db *sql.DB
}

// NewStore creates a persona store, running migrations on first use.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate personas: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS personas (
			id          TEXT PRIMARY KEY,
			title       TEXT NOT NULL DEFAULT '',
			role        TEXT NOT NULL DEFAULT '',
			guidelines  TEXT NOT NULL DEFAULT '[]',
			constraints TEXT NOT NULL DEFAULT '[]',
			variables   TEXT NOT NULL DEFAULT '[]',
			examples    TEXT NOT NULL DEFAULT '[]',
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL
		)
	`)
	return err
}

// Get returns the persona with the given id, or [ErrNotFound].
func (s *Store) Get(ctx context.Context, id string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, role, guidelines, constraints, variables, examples
		FROM personas WHERE id = ?`, id)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get persona %s: %w", id, err)
	}
	return rec, nil
}

// List returns all personas in creation order.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, role, guidelines, constraints, variables, examples
		FROM personas ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list personas: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan persona: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Save normalizes r and inserts or replaces it. A record without an id
// is assigned a new UUIDv7. The stored record is returned.
func (s *Store) Save(ctx context.Context, r Record) (Record, error) {
	r = NormalizeRecord(r)
	if r.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return Record{}, fmt.Errorf("generate persona id: %w", err)
		}
		r.ID = id.String()
	}

	cols, err := encodeLists(r)
	if err != nil {
		return Record{}, err
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO personas (id, title, role, guidelines, constraints, variables, examples, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			role = excluded.role,
			guidelines = excluded.guidelines,
			constraints = excluded.constraints,
			variables = excluded.variables,
			examples = excluded.examples,
			updated_at = excluded.updated_at`,
		r.ID, r.Title, r.Role, cols[0], cols[1], cols[2], cols[3], now, now,
	)
	if err != nil {
		return Record{}, fmt.Errorf("save persona %s: %w", r.ID, err)
	}
	return r, nil
}

// Delete removes a persona. Deleting a missing id returns [ErrNotFound].
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM personas WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete persona %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (Record, error) {
	var id, title, role, guidelines, constraints, variables, examples string
	if err := sc.Scan(&id, &title, &role, &guidelines, &constraints, &variables, &examples); err != nil {
		return Record{}, err
	}
	return Normalize(map[string]any{
		"id":          id,
		"title":       title,
		"role":        role,
		"guidelines":  decodeColumn(guidelines),
		"constraints": decodeColumn(constraints),
		"variables":   decodeColumn(variables),
		"examples":    decodeColumn(examples),
	}), nil
}

// decodeColumn parses a JSON list column. Columns that are not valid
// JSON are legacy newline-delimited text and are returned as-is.
func decodeColumn(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}

func encodeLists(r Record) ([4]string, error) {
	var cols [4]string
	for i, v := range []any{r.Guidelines, r.Constraints, r.Variables, r.Examples} {
		b, err := json.Marshal(v)
		if err != nil {
			return cols, fmt.Errorf("encode persona fields: %w", err)
		}
		cols[i] = string(b)
	}
	return cols, nil
}
