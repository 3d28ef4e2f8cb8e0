// Package idempotency deduplicates node executions. A record keyed by
// a stable hash of (workflow, node, canonicalized input) caches the
// first outcome; concurrent or repeated dispatches with the same key
// resolve to that record without re-invoking the node body.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by Get when no record exists for a key.
var ErrNotFound = errors.New("idempotency record not found")

// Status of a cached operation.
type Status string

const (
	// StatusPending marks an in-flight claim: the key's holder is still
	// executing and has not produced an outcome yet.
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status carries a finished outcome.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Record is one cached outcome.
type Record struct {
	Key       string    `json:"key"`
	Status    Status    `json:"status"`
	Result    any       `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the record's TTL has lapsed at now.
func (r *Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// Store persists idempotency records. Keyed writes are atomic: when
// two writers race on one key, the first wins and the loser observes
// the stored record. Execution holds the key through a pending claim
// written before the body runs, so concurrent dispatches cannot both
// execute.
type Store interface {
	// Check returns the live (non-expired) record for key, or ok=false.
	Check(ctx context.Context, key string) (rec *Record, ok bool, err error)

	// Claim atomically installs rec (a pending claim) if no live record
	// exists for its key. It returns the record now in the store and
	// whether the caller's claim won; on a lost claim the returned
	// record is the live one, pending or terminal.
	Claim(ctx context.Context, rec *Record) (*Record, bool, error)

	// Store writes rec if no live terminal record exists for its key; a
	// pending claim on the key is resolved by the write. It returns the
	// record now in the store: rec itself on a successful write, or the
	// previously stored terminal record when the write lost the race.
	Store(ctx context.Context, rec *Record) (*Record, error)

	// Get returns the record for key regardless of expiry, or
	// ErrNotFound.
	Get(ctx context.Context, key string) (*Record, error)

	// Delete removes the record for key. Deleting a missing key is not
	// an error.
	Delete(ctx context.Context, key string) error

	// Sweep removes records expired at now and reports how many were
	// removed. Run periodically by the run manager's maintenance loop.
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// Key computes the stable deduplication key for a node dispatch:
// sha256 over workflowID, nodeID, and the canonical JSON encoding of
// input (encoding/json sorts map keys, which makes the encoding
// canonical for state records).
func Key(workflowID, nodeID string, input any) (string, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("canonicalize input: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(workflowID))
	h.Write([]byte{0})
	h.Write([]byte(nodeID))
	h.Write([]byte{0})
	h.Write(data)
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}
