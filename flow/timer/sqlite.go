package timer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists timers in a SQLite database, so scheduled waits
// survive restarts alongside the runs that own them. The store can
// share a file with the checkpoint store.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	schema := `CREATE TABLE IF NOT EXISTS timers (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		fire_at TIMESTAMP NOT NULL,
		fired INTEGER NOT NULL DEFAULT 0,
		payload TEXT NOT NULL
	)`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if _, err := db.ExecContext(ctx,
		"CREATE INDEX IF NOT EXISTS idx_timers_due ON timers(fired, fire_at)"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Schedule(ctx context.Context, e *Entry) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal timer: %w", err)
	}
	query := `
		INSERT INTO timers (id, run_id, fire_at, fired, payload)
		VALUES (?, ?, ?, 0, ?)
		ON CONFLICT(id) DO UPDATE SET
			fire_at = excluded.fire_at,
			payload = excluded.payload
	`
	_, err = s.db.ExecContext(ctx, query,
		e.ID, e.RunID, e.FireAt.UTC().Format(time.RFC3339Nano), string(payload))
	if err != nil {
		return fmt.Errorf("schedule timer: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Due(ctx context.Context, now time.Time) ([]*Entry, error) {
	query := `
		SELECT payload FROM timers
		WHERE fired = 0 AND fire_at <= ?
		ORDER BY fire_at ASC
	`
	return s.query(ctx, query, now.UTC().Format(time.RFC3339Nano))
}

func (s *SQLiteStore) MarkFired(ctx context.Context, id string, at time.Time) error {
	query := `
		UPDATE timers
		SET fired = 1,
			payload = json_set(payload, '$.fired', json('true'), '$.fired_at', ?)
		WHERE id = ? AND fired = 0
	`
	res, err := s.db.ExecContext(ctx, query, at.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("mark fired: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Cancel(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM timers WHERE id = ? AND fired = 0`, id)
	if err != nil {
		return fmt.Errorf("cancel timer: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Pending(ctx context.Context, runID string) ([]*Entry, error) {
	query := `
		SELECT payload FROM timers
		WHERE fired = 0 AND run_id = ?
		ORDER BY fire_at ASC
	`
	return s.query(ctx, query, runID)
}

func (s *SQLiteStore) query(ctx context.Context, query string, args ...any) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query timers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Entry
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan timer: %w", err)
		}
		var e Entry
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			return nil, fmt.Errorf("unmarshal timer: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
