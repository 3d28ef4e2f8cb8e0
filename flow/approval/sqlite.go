package approval

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists approval requests, so pending approvals survive
// restarts with the runs that wait on them.
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

	schema := `CREATE TABLE IF NOT EXISTS approvals (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		status TEXT NOT NULL,
		deadline TIMESTAMP NULL,
		payload TEXT NOT NULL
	)`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if _, err := db.ExecContext(ctx,
		"CREATE INDEX IF NOT EXISTS idx_approvals_pending ON approvals(status, deadline)"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Create(ctx context.Context, r *Request) error {
	if r.Status == "" {
		r.Status = StatusPending
	}
	return s.write(ctx, r, true)
}

func (s *SQLiteStore) write(ctx context.Context, r *Request, insert bool) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal approval: %w", err)
	}
	var deadline any
	if !r.Deadline.IsZero() {
		deadline = r.Deadline.UTC().Format(time.RFC3339Nano)
	}
	if insert {
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO approvals (id, run_id, status, deadline, payload) VALUES (?, ?, ?, ?, ?)`,
			r.ID, r.RunID, string(r.Status), deadline, string(payload))
	} else {
		_, err = s.db.ExecContext(ctx,
			`UPDATE approvals SET status = ?, deadline = ?, payload = ? WHERE id = ?`,
			string(r.Status), deadline, string(payload), r.ID)
	}
	if err != nil {
		return fmt.Errorf("write approval: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Request, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM approvals WHERE id = ?`, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get approval: %w", err)
	}
	var r Request
	if err := json.Unmarshal([]byte(payload), &r); err != nil {
		return nil, fmt.Errorf("unmarshal approval: %w", err)
	}
	return &r, nil
}

// Respond applies one decision inside a transaction: read, mutate,
// conditional write keyed on the still-pending status. The losing side
// of a race observes ErrResolved.
func (s *SQLiteStore) Respond(ctx context.Context, id string, resp Response) (*Request, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var payload string
	err = tx.QueryRowContext(ctx,
		`SELECT payload FROM approvals WHERE id = ?`, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get approval: %w", err)
	}
	var r Request
	if err := json.Unmarshal([]byte(payload), &r); err != nil {
		return nil, fmt.Errorf("unmarshal approval: %w", err)
	}
	if r.Status != StatusPending {
		return nil, ErrResolved
	}
	if !r.HasApprover(resp.Approver) {
		return nil, ErrNotApprover
	}
	if err := r.validateResponse(resp); err != nil {
		return nil, err
	}
	if resp.DelegateTo != "" {
		r.delegate(resp)
	} else {
		r.apply(resp)
	}

	updated, err := json.Marshal(&r)
	if err != nil {
		return nil, fmt.Errorf("marshal approval: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE approvals SET status = ?, payload = ? WHERE id = ? AND status = 'pending'`,
		string(r.Status), string(updated), id)
	if err != nil {
		return nil, fmt.Errorf("update approval: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrResolved
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &r, nil
}

func (s *SQLiteStore) Resolve(ctx context.Context, id string, status Status, at time.Time) (*Request, error) {
	r, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Status.Terminal() {
		return nil, ErrResolved
	}
	r.Status = status
	if status.Terminal() {
		r.ResolvedAt = at
	}
	if err := s.write(ctx, r, false); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *SQLiteStore) PendingFor(ctx context.Context, approver string) ([]*Request, error) {
	all, err := s.query(ctx,
		`SELECT payload FROM approvals WHERE status = 'pending' ORDER BY rowid ASC`)
	if err != nil {
		return nil, err
	}
	var out []*Request
	for _, r := range all {
		if r.HasApprover(approver) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *SQLiteStore) Expired(ctx context.Context, now time.Time) ([]*Request, error) {
	return s.query(ctx,
		`SELECT payload FROM approvals
		 WHERE status = 'pending' AND deadline IS NOT NULL AND deadline < ?
		 ORDER BY deadline ASC`,
		now.UTC().Format(time.RFC3339Nano))
}

func (s *SQLiteStore) query(ctx context.Context, query string, args ...any) ([]*Request, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query approvals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Request
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		var r Request
		if err := json.Unmarshal([]byte(payload), &r); err != nil {
			return nil, fmt.Errorf("unmarshal approval: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}
