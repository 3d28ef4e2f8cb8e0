package idempotency

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists idempotency records in a SQLite database, so
// cached outcomes and in-flight claims survive restarts. The store can
// share a file with the checkpoint store.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
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

	schema := `CREATE TABLE IF NOT EXISTS idempotency (
		key TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		expires_at TIMESTAMP,
		payload TEXT NOT NULL
	)`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Check(ctx context.Context, key string) (*Record, bool, error) {
	rec, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if rec.Expired(s.now()) {
		return nil, false, nil
	}
	return rec, true, nil
}

func (s *SQLiteStore) Claim(ctx context.Context, rec *Record) (*Record, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin claim: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	prev, err := scanRecord(tx.QueryRowContext(ctx,
		`SELECT payload FROM idempotency WHERE key = ?`, rec.Key))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}
	if err == nil && !prev.Expired(s.now()) {
		return prev, false, nil
	}
	if err := writeRecord(ctx, tx, rec); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit claim: %w", err)
	}
	cp := *rec
	return &cp, true, nil
}

func (s *SQLiteStore) Store(ctx context.Context, rec *Record) (*Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin store: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	prev, err := scanRecord(tx.QueryRowContext(ctx,
		`SELECT payload FROM idempotency WHERE key = ?`, rec.Key))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if err == nil && prev.Status.Terminal() && !prev.Expired(s.now()) {
		return prev, nil
	}
	if err := writeRecord(ctx, tx, rec); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit store: %w", err)
	}
	cp := *rec
	return &cp, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (*Record, error) {
	return scanRecord(s.db.QueryRowContext(ctx,
		`SELECT payload FROM idempotency WHERE key = ?`, key))
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency WHERE expires_at IS NOT NULL AND expires_at < ?`,
		now.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("sweep records: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func writeRecord(ctx context.Context, tx *sql.Tx, rec *Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	var expires any
	if !rec.ExpiresAt.IsZero() {
		expires = rec.ExpiresAt.UTC().Format(time.RFC3339Nano)
	}
	query := `
		INSERT INTO idempotency (key, status, expires_at, payload)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			status = excluded.status,
			expires_at = excluded.expires_at,
			payload = excluded.payload
	`
	if _, err := tx.ExecContext(ctx, query,
		rec.Key, string(rec.Status), expires, string(payload)); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	return nil
}

func scanRecord(row *sql.Row) (*Record, error) {
	var payload string
	err := row.Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	var r Record
	if err := json.Unmarshal([]byte(payload), &r); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return &r, nil
}
