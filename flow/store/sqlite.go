package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements CheckpointStore on a single-file SQLite
// database; Runs() exposes the RunStore view over the same file.
// Designed for development and single-process deployments: zero setup,
// durable across restarts, WAL mode for concurrent readers.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and migrates
// the schema. Use ":memory:" for an ephemeral database in tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS checkpoints (
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			wave INTEGER NOT NULL,
			status TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			PRIMARY KEY (run_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_run ON checkpoints(run_id, seq)`,
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			workflow_name TEXT NOT NULL,
			status TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			depth INTEGER NOT NULL DEFAULT 0,
			parent_run_id TEXT NOT NULL DEFAULT '',
			payload TEXT NOT NULL,
			heartbeat_at TIMESTAMP NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_workflow ON runs(workflow_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status, heartbeat_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Ping verifies the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Runs returns the RunStore view over the same database.
func (s *SQLiteStore) Runs() *SQLiteRunStore { return &SQLiteRunStore{db: s.db} }

// SQLiteRunStore is the RunStore half of a SQLiteStore.
type SQLiteRunStore struct {
	db *sql.DB
}

func (s *SQLiteStore) Save(ctx context.Context, cp *Checkpoint) error {
	payload, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	query := `
		INSERT INTO checkpoints (run_id, seq, wave, status, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, seq) DO UPDATE SET
			wave = excluded.wave,
			status = excluded.status,
			payload = excluded.payload
	`
	_, err = s.db.ExecContext(ctx, query,
		cp.RunID, cp.Seq, cp.Wave, cp.Status, string(payload),
		cp.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Latest(ctx context.Context, runID string) (*Checkpoint, error) {
	query := `
		SELECT payload FROM checkpoints
		WHERE run_id = ?
		ORDER BY seq DESC
		LIMIT 1
	`
	return s.scanCheckpoint(s.db.QueryRowContext(ctx, query, runID))
}

func (s *SQLiteStore) Load(ctx context.Context, runID string, seq int) (*Checkpoint, error) {
	query := `SELECT payload FROM checkpoints WHERE run_id = ? AND seq = ?`
	return s.scanCheckpoint(s.db.QueryRowContext(ctx, query, runID, seq))
}

func (s *SQLiteStore) scanCheckpoint(row *sql.Row) (*Checkpoint, error) {
	var payload string
	err := row.Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal([]byte(payload), &cp); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}

func (s *SQLiteStore) List(ctx context.Context, runID string) ([]*Checkpoint, error) {
	query := `SELECT payload FROM checkpoints WHERE run_id = ? ORDER BY seq ASC`
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Checkpoint
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		var cp Checkpoint
		if err := json.Unmarshal([]byte(payload), &cp); err != nil {
			return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
		}
		out = append(out, &cp)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE run_id = ?`, runID)
	if err != nil {
		return fmt.Errorf("delete checkpoints: %w", err)
	}
	return nil
}

func (s *SQLiteRunStore) Create(ctx context.Context, r *RunRecord) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	query := `
		INSERT INTO runs (id, workflow_id, workflow_name, status, priority, depth, parent_run_id, payload, heartbeat_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		r.ID, r.WorkflowID, r.WorkflowName, r.Status, r.Priority, r.Depth,
		r.ParentRunID, string(payload), nullTime(r.HeartbeatAt),
		r.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

func (s *SQLiteRunStore) Update(ctx context.Context, r *RunRecord) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	query := `
		UPDATE runs SET status = ?, priority = ?, payload = ?, heartbeat_at = ?
		WHERE id = ?
	`
	res, err := s.db.ExecContext(ctx, query,
		r.Status, r.Priority, string(payload), nullTime(r.HeartbeatAt), r.ID)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteRunStore) Get(ctx context.Context, id string) (*RunRecord, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM runs WHERE id = ?`, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	var r RunRecord
	if err := json.Unmarshal([]byte(payload), &r); err != nil {
		return nil, fmt.Errorf("unmarshal run: %w", err)
	}
	return &r, nil
}

func (s *SQLiteRunStore) List(ctx context.Context, f RunFilter) ([]*RunRecord, error) {
	query := `SELECT payload FROM runs WHERE 1=1`
	var args []any
	if f.WorkflowID != "" {
		query += ` AND workflow_id = ?`
		args = append(args, f.WorkflowID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if !f.From.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, f.From.UTC().Format(time.RFC3339Nano))
	}
	if !f.To.IsZero() {
		query += ` AND created_at < ?`
		args = append(args, f.To.UTC().Format(time.RFC3339Nano))
	}
	query += ` ORDER BY created_at DESC`
	limit := f.Limit
	if limit <= 0 {
		limit = -1 // SQLite: no limit, but OFFSET still applies
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)
	return s.queryRuns(ctx, query, args...)
}

func (s *SQLiteRunStore) Stats(ctx context.Context, from, to time.Time) (*RunStats, error) {
	query := `
		SELECT status, COUNT(*),
			COALESCE(SUM(json_extract(payload, '$.tokens_in')), 0),
			COALESCE(SUM(json_extract(payload, '$.tokens_out')), 0),
			COALESCE(SUM(json_extract(payload, '$.cost_usd')), 0)
		FROM runs WHERE 1=1
	`
	var args []any
	if !from.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, from.UTC().Format(time.RFC3339Nano))
	}
	if !to.IsZero() {
		query += ` AND created_at < ?`
		args = append(args, to.UTC().Format(time.RFC3339Nano))
	}
	query += ` GROUP BY status`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("run stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	stats := &RunStats{ByStatus: make(map[string]int)}
	for rows.Next() {
		var status string
		var count, tokensIn, tokensOut int
		var cost float64
		if err := rows.Scan(&status, &count, &tokensIn, &tokensOut, &cost); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		stats.Total += count
		stats.ByStatus[status] = count
		stats.TokensIn += tokensIn
		stats.TokensOut += tokensOut
		stats.CostUSD += cost
	}
	return stats, rows.Err()
}

func (s *SQLiteRunStore) Heartbeat(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET heartbeat_at = ? WHERE id = ?`,
		at.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteRunStore) Orphans(ctx context.Context, cutoff time.Time) ([]*RunRecord, error) {
	query := `
		SELECT payload FROM runs
		WHERE status IN ('running', 'waiting')
		AND (heartbeat_at IS NULL OR heartbeat_at < ?)
		ORDER BY created_at ASC
	`
	return s.queryRuns(ctx, query, cutoff.UTC().Format(time.RFC3339Nano))
}

func (s *SQLiteRunStore) queryRuns(ctx context.Context, query string, args ...any) ([]*RunRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*RunRecord
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		var r RunRecord
		if err := json.Unmarshal([]byte(payload), &r); err != nil {
			return nil, fmt.Errorf("unmarshal run: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}
