package tool

import (
	"context"
	"sync"
)

// Mock is a scripted Tool for tests: it returns its configured
// responses in order (repeating the last), or the injected error, and
// records every call.
type Mock struct {
	// ToolName is returned by Name.
	ToolName string

	// Responses is the output sequence. After it is consumed the last
	// response repeats.
	Responses []map[string]any

	// Err, when set, is returned instead of a response.
	Err error

	// Calls records every input passed to Call.
	Calls []map[string]any

	mu   sync.Mutex
	next int
}

// Name implements Tool.
func (m *Mock) Name() string { return m.ToolName }

// Call implements Tool.
func (m *Mock) Call(ctx context.Context, input map[string]any) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, input)
	if m.Err != nil {
		return nil, m.Err
	}
	if len(m.Responses) == 0 {
		return map[string]any{}, nil
	}
	idx := m.next
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	} else {
		m.next++
	}
	return m.Responses[idx], nil
}

// CallCount returns how many times Call has been invoked.
func (m *Mock) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}
