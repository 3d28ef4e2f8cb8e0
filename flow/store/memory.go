package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// MemoryCheckpointStore is an in-memory CheckpointStore for tests and
// single-process runs. Snapshots are deep-copied through JSON so later
// state mutations cannot corrupt stored checkpoints.
type MemoryCheckpointStore struct {
	mu  sync.RWMutex
	cps map[string][]*Checkpoint // runID -> ascending Seq
}

// NewMemoryCheckpointStore creates an empty in-memory checkpoint store.
func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{cps: make(map[string][]*Checkpoint)}
}

func (m *MemoryCheckpointStore) Save(_ context.Context, cp *Checkpoint) error {
	cloned, err := cloneCheckpoint(cp)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.cps[cp.RunID]
	for i, existing := range list {
		if existing.Seq == cp.Seq {
			list[i] = cloned
			return nil
		}
	}
	list = append(list, cloned)
	sort.Slice(list, func(i, j int) bool { return list[i].Seq < list[j].Seq })
	m.cps[cp.RunID] = list
	return nil
}

func (m *MemoryCheckpointStore) Latest(_ context.Context, runID string) (*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.cps[runID]
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	return cloneCheckpoint(list[len(list)-1])
}

func (m *MemoryCheckpointStore) Load(_ context.Context, runID string, seq int) (*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, cp := range m.cps[runID] {
		if cp.Seq == seq {
			return cloneCheckpoint(cp)
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryCheckpointStore) List(_ context.Context, runID string) ([]*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.cps[runID]
	out := make([]*Checkpoint, 0, len(list))
	for _, cp := range list {
		cloned, err := cloneCheckpoint(cp)
		if err != nil {
			return nil, err
		}
		out = append(out, cloned)
	}
	return out, nil
}

func (m *MemoryCheckpointStore) Delete(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cps, runID)
	return nil
}

func cloneCheckpoint(cp *Checkpoint) (*Checkpoint, error) {
	data, err := json.Marshal(cp)
	if err != nil {
		return nil, err
	}
	var out Checkpoint
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MemoryRunStore is an in-memory RunStore.
type MemoryRunStore struct {
	mu   sync.RWMutex
	runs map[string]*RunRecord
	seq  []string // insertion order, for stable listing
}

// NewMemoryRunStore creates an empty in-memory run store.
func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{runs: make(map[string]*RunRecord)}
}

func (m *MemoryRunStore) Create(_ context.Context, r *RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	if _, exists := m.runs[r.ID]; !exists {
		m.seq = append(m.seq, r.ID)
	}
	m.runs[r.ID] = &cp
	return nil
}

func (m *MemoryRunStore) Update(_ context.Context, r *RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[r.ID]; !ok {
		return ErrNotFound
	}
	cp := *r
	m.runs[r.ID] = &cp
	return nil
}

func (m *MemoryRunStore) Get(_ context.Context, id string) (*RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryRunStore) List(_ context.Context, f RunFilter) ([]*RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*RunRecord
	skip := f.Offset
	// Newest first.
	for i := len(m.seq) - 1; i >= 0; i-- {
		r := m.runs[m.seq[i]]
		if f.WorkflowID != "" && r.WorkflowID != f.WorkflowID {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if !f.From.IsZero() && r.CreatedAt.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && !r.CreatedAt.Before(f.To) {
			continue
		}
		if skip > 0 {
			skip--
			continue
		}
		cp := *r
		out = append(out, &cp)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryRunStore) Stats(_ context.Context, from, to time.Time) (*RunStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := &RunStats{ByStatus: make(map[string]int)}
	for _, r := range m.runs {
		if !from.IsZero() && r.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && !r.CreatedAt.Before(to) {
			continue
		}
		stats.Total++
		stats.ByStatus[r.Status]++
		stats.TokensIn += r.TokensIn
		stats.TokensOut += r.TokensOut
		stats.CostUSD += r.CostUSD
	}
	return stats, nil
}

func (m *MemoryRunStore) Heartbeat(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return ErrNotFound
	}
	r.HeartbeatAt = at
	return nil
}

func (m *MemoryRunStore) Orphans(_ context.Context, cutoff time.Time) ([]*RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*RunRecord
	for _, id := range m.seq {
		r := m.runs[id]
		if r.Status != "running" && r.Status != "waiting" {
			continue
		}
		if r.HeartbeatAt.IsZero() || r.HeartbeatAt.Before(cutoff) {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}
