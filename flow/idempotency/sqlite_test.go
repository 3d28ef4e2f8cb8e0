package idempotency_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/dshills/duraflow/flow/idempotency"
)

func newSQLite(t *testing.T) *idempotency.SQLiteStore {
	t.Helper()
	st, err := idempotency.NewSQLiteStore(filepath.Join(t.TempDir(), "idem.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestSQLiteFirstWriteWins(t *testing.T) {
	ctx := context.Background()
	st := newSQLite(t)

	got, err := st.Store(ctx, &idempotency.Record{Key: "k", Status: idempotency.StatusCompleted, Result: "one"})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if got.Result != "one" {
		t.Fatalf("Result = %v, want one", got.Result)
	}

	got, err = st.Store(ctx, &idempotency.Record{Key: "k", Status: idempotency.StatusCompleted, Result: "two"})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if got.Result != "one" {
		t.Errorf("losing write observed %v, want stored record one", got.Result)
	}
}

func TestSQLiteClaimProtocol(t *testing.T) {
	ctx := context.Background()
	st := newSQLite(t)

	_, claimed, err := st.Claim(ctx, &idempotency.Record{Key: "k", Status: idempotency.StatusPending})
	if err != nil || !claimed {
		t.Fatalf("Claim = %v, %v, want won", claimed, err)
	}

	got, claimed, err := st.Claim(ctx, &idempotency.Record{Key: "k", Status: idempotency.StatusPending})
	if err != nil || claimed {
		t.Fatalf("second Claim = %v, %v, want lost", claimed, err)
	}
	if got.Status != idempotency.StatusPending {
		t.Fatalf("observed status = %s, want pending", got.Status)
	}

	if _, err := st.Store(ctx, &idempotency.Record{Key: "k", Status: idempotency.StatusCompleted, Result: "receipt"}); err != nil {
		t.Fatalf("Store: %v", err)
	}
	got, claimed, err = st.Claim(ctx, &idempotency.Record{Key: "k", Status: idempotency.StatusPending})
	if err != nil || claimed {
		t.Fatalf("Claim after resolution = %v, %v, want lost", claimed, err)
	}
	if got.Status != idempotency.StatusCompleted || got.Result != "receipt" {
		t.Errorf("record = %+v, want completed receipt", got)
	}
}

func TestSQLiteExpiredRecordReplaced(t *testing.T) {
	ctx := context.Background()
	st := newSQLite(t)

	stale := &idempotency.Record{
		Key:       "k",
		Status:    idempotency.StatusCompleted,
		Result:    "stale",
		ExpiresAt: time.Now().Add(-time.Minute),
	}
	if _, err := st.Store(ctx, stale); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if _, ok, _ := st.Check(ctx, "k"); ok {
		t.Fatal("Check on expired record = hit, want miss")
	}

	got, err := st.Store(ctx, &idempotency.Record{Key: "k", Status: idempotency.StatusCompleted, Result: "fresh"})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if got.Result != "fresh" {
		t.Errorf("Result = %v, want fresh (expired record replaced)", got.Result)
	}
}

func TestSQLiteSweep(t *testing.T) {
	ctx := context.Background()
	st := newSQLite(t)

	st.Store(ctx, &idempotency.Record{Key: "old", Status: idempotency.StatusCompleted, ExpiresAt: time.Now().Add(-time.Minute)})
	st.Store(ctx, &idempotency.Record{Key: "live", Status: idempotency.StatusCompleted, ExpiresAt: time.Now().Add(time.Hour)})
	st.Store(ctx, &idempotency.Record{Key: "forever", Status: idempotency.StatusCompleted})

	n, err := st.Sweep(ctx, time.Now())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Errorf("swept = %d, want 1", n)
	}
	if _, err := st.Get(ctx, "old"); !errors.Is(err, idempotency.ErrNotFound) {
		t.Error("expired record survived sweep")
	}
	if _, err := st.Get(ctx, "live"); err != nil {
		t.Errorf("live record swept: %v", err)
	}
	if _, err := st.Get(ctx, "forever"); err != nil {
		t.Errorf("no-TTL record swept: %v", err)
	}
}

func TestSQLiteDelete(t *testing.T) {
	ctx := context.Background()
	st := newSQLite(t)

	st.Store(ctx, &idempotency.Record{Key: "k", Status: idempotency.StatusCompleted, Result: "v"})
	if err := st.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := st.Get(ctx, "k"); !errors.Is(err, idempotency.ErrNotFound) {
		t.Errorf("Get after delete = %v, want ErrNotFound", err)
	}
	if err := st.Delete(ctx, "missing"); err != nil {
		t.Errorf("Delete missing key: %v", err)
	}
}
