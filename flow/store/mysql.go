package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore implements CheckpointStore on a MySQL database, for
// deployments where multiple processes share run history. Use Runs()
// for the RunStore view over the same connection pool.
//
// The DSN should include parseTime=true so TIMESTAMP columns scan into
// time.Time.
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore connects to the given DSN and migrates the schema.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *MySQLStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS checkpoints (
			run_id VARCHAR(64) NOT NULL,
			seq INT NOT NULL,
			wave INT NOT NULL,
			status VARCHAR(16) NOT NULL,
			payload MEDIUMTEXT NOT NULL,
			created_at TIMESTAMP(6) NOT NULL,
			PRIMARY KEY (run_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			id VARCHAR(64) PRIMARY KEY,
			workflow_id VARCHAR(255) NOT NULL,
			workflow_name VARCHAR(255) NOT NULL,
			status VARCHAR(16) NOT NULL,
			priority INT NOT NULL DEFAULT 0,
			depth INT NOT NULL DEFAULT 0,
			parent_run_id VARCHAR(64) NOT NULL DEFAULT '',
			payload MEDIUMTEXT NOT NULL,
			heartbeat_at TIMESTAMP(6) NULL,
			created_at TIMESTAMP(6) NOT NULL,
			INDEX idx_runs_workflow (workflow_id),
			INDEX idx_runs_status (status, heartbeat_at)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the connection pool.
func (s *MySQLStore) Close() error { return s.db.Close() }

// Ping verifies connectivity.
func (s *MySQLStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Runs returns the RunStore view over the same pool.
func (s *MySQLStore) Runs() *MySQLRunStore { return &MySQLRunStore{db: s.db} }

func (s *MySQLStore) Save(ctx context.Context, cp *Checkpoint) error {
	payload, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	query := `
		INSERT INTO checkpoints (run_id, seq, wave, status, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			wave = VALUES(wave),
			status = VALUES(status),
			payload = VALUES(payload)
	`
	_, err = s.db.ExecContext(ctx, query,
		cp.RunID, cp.Seq, cp.Wave, cp.Status, string(payload), cp.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (s *MySQLStore) Latest(ctx context.Context, runID string) (*Checkpoint, error) {
	query := `SELECT payload FROM checkpoints WHERE run_id = ? ORDER BY seq DESC LIMIT 1`
	return scanCheckpointRow(s.db.QueryRowContext(ctx, query, runID))
}

func (s *MySQLStore) Load(ctx context.Context, runID string, seq int) (*Checkpoint, error) {
	query := `SELECT payload FROM checkpoints WHERE run_id = ? AND seq = ?`
	return scanCheckpointRow(s.db.QueryRowContext(ctx, query, runID, seq))
}

func scanCheckpointRow(row *sql.Row) (*Checkpoint, error) {
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

func (s *MySQLStore) List(ctx context.Context, runID string) ([]*Checkpoint, error) {
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

func (s *MySQLStore) Delete(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE run_id = ?`, runID)
	if err != nil {
		return fmt.Errorf("delete checkpoints: %w", err)
	}
	return nil
}

// MySQLRunStore is the RunStore half of a MySQLStore.
type MySQLRunStore struct {
	db *sql.DB
}

func (s *MySQLRunStore) Create(ctx context.Context, r *RunRecord) error {
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
		r.ParentRunID, string(payload), mysqlNullTime(r.HeartbeatAt), r.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

func (s *MySQLRunStore) Update(ctx context.Context, r *RunRecord) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	query := `UPDATE runs SET status = ?, priority = ?, payload = ?, heartbeat_at = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, query,
		r.Status, r.Priority, string(payload), mysqlNullTime(r.HeartbeatAt), r.ID)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MySQLRunStore) Get(ctx context.Context, id string) (*RunRecord, error) {
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

func (s *MySQLRunStore) List(ctx context.Context, f RunFilter) ([]*RunRecord, error) {
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
		args = append(args, f.From.UTC())
	}
	if !f.To.IsZero() {
		query += ` AND created_at < ?`
		args = append(args, f.To.UTC())
	}
	query += ` ORDER BY created_at DESC`
	limit := f.Limit
	if limit <= 0 {
		// MySQL requires a LIMIT before OFFSET; cap high when unbounded.
		limit = 1<<31 - 1
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)
	return s.queryRuns(ctx, query, args...)
}

func (s *MySQLRunStore) Stats(ctx context.Context, from, to time.Time) (*RunStats, error) {
	query := `
		SELECT status, COUNT(*),
			COALESCE(SUM(JSON_EXTRACT(payload, '$.tokens_in')), 0),
			COALESCE(SUM(JSON_EXTRACT(payload, '$.tokens_out')), 0),
			COALESCE(SUM(JSON_EXTRACT(payload, '$.cost_usd')), 0)
		FROM runs WHERE 1=1
	`
	var args []any
	if !from.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, from.UTC())
	}
	if !to.IsZero() {
		query += ` AND created_at < ?`
		args = append(args, to.UTC())
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

func (s *MySQLRunStore) Heartbeat(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET heartbeat_at = ? WHERE id = ?`, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MySQLRunStore) Orphans(ctx context.Context, cutoff time.Time) ([]*RunRecord, error) {
	query := `
		SELECT payload FROM runs
		WHERE status IN ('running', 'waiting')
		AND (heartbeat_at IS NULL OR heartbeat_at < ?)
		ORDER BY created_at ASC
	`
	return s.queryRuns(ctx, query, cutoff.UTC())
}

func (s *MySQLRunStore) queryRuns(ctx context.Context, query string, args ...any) ([]*RunRecord, error) {
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

func mysqlNullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
