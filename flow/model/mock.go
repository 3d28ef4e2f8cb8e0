package model

import (
	"context"
	"sync"
)

// Mock is a scripted ChatModel for tests: it returns its configured
// responses in order (repeating the last), or the injected error, and
// records every call.
type Mock struct {
	// Responses is the reply sequence. After it is consumed the last
	// response repeats.
	Responses []ChatOut

	// Err, when set, is returned instead of a response.
	Err error

	// Calls records every conversation passed to Chat.
	Calls [][]Message

	mu   sync.Mutex
	next int
}

// Chat implements ChatModel.
func (m *Mock) Chat(ctx context.Context, messages []Message) (ChatOut, error) {
	if err := ctx.Err(); err != nil {
		return ChatOut{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, messages)
	if m.Err != nil {
		return ChatOut{}, m.Err
	}
	if len(m.Responses) == 0 {
		return ChatOut{}, nil
	}
	idx := m.next
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	} else {
		m.next++
	}
	return m.Responses[idx], nil
}

// CallCount returns how many times Chat has been called.
func (m *Mock) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// Reset clears call history and the response cursor.
func (m *Mock) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
	m.next = 0
}
