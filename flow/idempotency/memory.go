package idempotency

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-memory Store for tests and single-process use.
type Memory struct {
	mu   sync.Mutex
	recs map[string]*Record
	now  func() time.Time
}

// NewMemory creates an empty in-memory store. now may be nil.
func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{recs: make(map[string]*Record), now: now}
}

func (m *Memory) Check(_ context.Context, key string) (*Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recs[key]
	if !ok || r.Expired(m.now()) {
		return nil, false, nil
	}
	cp := *r
	return &cp, true, nil
}

func (m *Memory) Claim(_ context.Context, rec *Record) (*Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.recs[rec.Key]; ok && !prev.Expired(m.now()) {
		cp := *prev
		return &cp, false, nil
	}
	cp := *rec
	m.recs[rec.Key] = &cp
	out := cp
	return &out, true, nil
}

func (m *Memory) Store(_ context.Context, rec *Record) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.recs[rec.Key]; ok && prev.Status.Terminal() && !prev.Expired(m.now()) {
		cp := *prev
		return &cp, nil
	}
	cp := *rec
	m.recs[rec.Key] = &cp
	out := cp
	return &out, nil
}

func (m *Memory) Get(_ context.Context, key string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recs[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.recs, key)
	return nil
}

func (m *Memory) Sweep(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for k, r := range m.recs {
		if r.Expired(now) {
			delete(m.recs, k)
			removed++
		}
	}
	return removed, nil
}
