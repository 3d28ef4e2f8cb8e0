package dlq

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteQueue persists dead letters in a SQLite database, so failed
// executions survive restarts and can be replayed by a later process.
// The queue can share a file with the checkpoint store.
type SQLiteQueue struct {
	db *sql.DB
}

// NewSQLiteQueue opens (or creates) the database at path.
func NewSQLiteQueue(path string) (*SQLiteQueue, error) {
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

	schema := `CREATE TABLE IF NOT EXISTS dead_letters (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		workflow_id TEXT NOT NULL,
		node TEXT NOT NULL,
		replayed INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		payload TEXT NOT NULL
	)`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if _, err := db.ExecContext(ctx,
		"CREATE INDEX IF NOT EXISTS idx_dead_letters_wf ON dead_letters(workflow_id, created_at)"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLiteQueue{db: db}, nil
}

// Close closes the database.
func (q *SQLiteQueue) Close() error { return q.db.Close() }

func (q *SQLiteQueue) Enqueue(ctx context.Context, e *Entry) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	query := `
		INSERT INTO dead_letters (id, run_id, workflow_id, node, replayed, created_at, payload)
		VALUES (?, ?, ?, ?, 0, ?, ?)
	`
	if _, err := q.db.ExecContext(ctx, query,
		e.ID, e.RunID, e.WorkflowID, e.Node,
		e.CreatedAt.UTC().Format(time.RFC3339Nano), string(payload)); err != nil {
		return fmt.Errorf("enqueue entry: %w", err)
	}
	return nil
}

func (q *SQLiteQueue) Get(ctx context.Context, id string) (*Entry, error) {
	var payload string
	err := q.db.QueryRowContext(ctx,
		`SELECT payload FROM dead_letters WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get entry: %w", err)
	}
	var e Entry
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		return nil, fmt.Errorf("unmarshal entry: %w", err)
	}
	return &e, nil
}

func (q *SQLiteQueue) List(ctx context.Context, f Filter) ([]*Entry, error) {
	query, args := filterClause(`SELECT payload FROM dead_letters WHERE 1=1`, f)
	query += ` ORDER BY created_at ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return q.query(ctx, query, args...)
}

func (q *SQLiteQueue) Count(ctx context.Context, f Filter) (int, error) {
	query, args := filterClause(`SELECT COUNT(*) FROM dead_letters WHERE 1=1`, f)
	var n int
	if err := q.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return n, nil
}

func (q *SQLiteQueue) Drain(ctx context.Context, f Filter) ([]*Entry, error) {
	f.Limit = 0
	out, err := q.List(ctx, f)
	if err != nil {
		return nil, err
	}
	for _, e := range out {
		if _, err := q.db.ExecContext(ctx,
			`DELETE FROM dead_letters WHERE id = ?`, e.ID); err != nil {
			return nil, fmt.Errorf("drain entry: %w", err)
		}
	}
	return out, nil
}

func (q *SQLiteQueue) MarkReplayed(ctx context.Context, id string, at time.Time) error {
	query := `
		UPDATE dead_letters
		SET replayed = 1,
			payload = json_set(payload, '$.replayed', json('true'), '$.replayed_at', ?)
		WHERE id = ?
	`
	res, err := q.db.ExecContext(ctx, query, at.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("mark replayed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *SQLiteQueue) Purge(ctx context.Context, f Filter) (int, error) {
	// Purge deletes replayed entries too; the flag only narrows List.
	f.IncludeReplayed = true
	query, args := filterClause(`DELETE FROM dead_letters WHERE 1=1`, f)
	res, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("purge entries: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (q *SQLiteQueue) query(ctx context.Context, query string, args ...any) ([]*Entry, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Entry
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		var e Entry
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			return nil, fmt.Errorf("unmarshal entry: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func filterClause(base string, f Filter) (string, []any) {
	var args []any
	if f.RunID != "" {
		base += ` AND run_id = ?`
		args = append(args, f.RunID)
	}
	if f.WorkflowID != "" {
		base += ` AND workflow_id = ?`
		args = append(args, f.WorkflowID)
	}
	if f.Node != "" {
		base += ` AND node = ?`
		args = append(args, f.Node)
	}
	if !f.Before.IsZero() {
		base += ` AND created_at < ?`
		args = append(args, f.Before.UTC().Format(time.RFC3339Nano))
	}
	if !f.IncludeReplayed {
		base += ` AND replayed = 0`
	}
	return base, args
}
