package dlq

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-memory Queue for tests and single-process use.
type Memory struct {
	mu      sync.Mutex
	entries []*Entry
	byID    map[string]*Entry
}

// NewMemory creates an empty in-memory queue.
func NewMemory() *Memory {
	return &Memory{byID: make(map[string]*Entry)}
}

func (m *Memory) Enqueue(_ context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.entries = append(m.entries, &cp)
	m.byID[cp.ID] = &cp
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *Memory) List(_ context.Context, f Filter) ([]*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Entry
	for _, e := range m.entries {
		if !f.Match(e) {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) Count(_ context.Context, f Filter) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if f.Match(e) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) Drain(_ context.Context, f Filter) ([]*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.entries[:0]
	var drained []*Entry
	for _, e := range m.entries {
		if f.Match(e) {
			delete(m.byID, e.ID)
			cp := *e
			drained = append(drained, &cp)
			continue
		}
		kept = append(kept, e)
	}
	m.entries = kept
	return drained, nil
}

func (m *Memory) MarkReplayed(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byID[id]
	if !ok {
		return ErrNotFound
	}
	e.Replayed = true
	e.ReplayedAt = at
	return nil
}

func (m *Memory) Purge(_ context.Context, f Filter) (int, error) {
	// Purge deletes replayed entries too; the flag only narrows List.
	f.IncludeReplayed = true
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.entries[:0]
	removed := 0
	for _, e := range m.entries {
		if f.Match(e) {
			delete(m.byID, e.ID)
			removed++
			continue
		}
		kept = append(kept, e)
	}
	m.entries = kept
	return removed, nil
}
