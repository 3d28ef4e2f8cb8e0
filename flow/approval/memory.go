package approval

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory approval Store.
type MemoryStore struct {
	mu   sync.Mutex
	reqs map[string]*Request
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{reqs: make(map[string]*Request)}
}

func (m *MemoryStore) Create(_ context.Context, r *Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, err := cloneRequest(r)
	if err != nil {
		return err
	}
	if cp.Status == "" {
		cp.Status = StatusPending
	}
	m.reqs[cp.ID] = cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reqs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRequest(r)
}

func (m *MemoryStore) Respond(_ context.Context, id string, resp Response) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reqs[id]
	if !ok {
		return nil, ErrNotFound
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
	return cloneRequest(r)
}

func (m *MemoryStore) Resolve(_ context.Context, id string, status Status, at time.Time) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reqs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status.Terminal() {
		return nil, ErrResolved
	}
	r.Status = status
	if status.Terminal() {
		r.ResolvedAt = at
	}
	return cloneRequest(r)
}

func (m *MemoryStore) PendingFor(_ context.Context, approver string) ([]*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Request
	for _, r := range m.reqs {
		if r.Status == StatusPending && r.HasApprover(approver) {
			cp, err := cloneRequest(r)
			if err != nil {
				return nil, err
			}
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) Expired(_ context.Context, now time.Time) ([]*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Request
	for _, r := range m.reqs {
		if r.Status == StatusPending && !r.Deadline.IsZero() && r.Deadline.Before(now) {
			cp, err := cloneRequest(r)
			if err != nil {
				return nil, err
			}
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Deadline.Before(out[j].Deadline) })
	return out, nil
}

func cloneRequest(r *Request) (*Request, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	var out Request
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
