package emit

import "sync"

// Buffered decouples emission from delivery through a bounded channel.
// A single goroutine drains the channel into the wrapped emitter. When
// the buffer is full, Emit drops the event rather than block the
// executor; dropped counts are observable via Dropped.
type Buffered struct {
	next Emitter
	ch   chan Event

	mu      sync.Mutex
	dropped int
	done    chan struct{}
	once    sync.Once
}

// NewBuffered starts a buffered emitter with the given capacity. Close
// it to flush and stop the drain goroutine.
func NewBuffered(next Emitter, capacity int) *Buffered {
	if capacity < 1 {
		capacity = 256
	}
	b := &Buffered{
		next: next,
		ch:   make(chan Event, capacity),
		done: make(chan struct{}),
	}
	go b.drain()
	return b
}

func (b *Buffered) drain() {
	for e := range b.ch {
		b.next.Emit(e)
	}
	close(b.done)
}

// Emit enqueues the event, dropping it if the buffer is full.
func (b *Buffered) Emit(e Event) {
	select {
	case b.ch <- e:
	default:
		b.mu.Lock()
		b.dropped++
		b.mu.Unlock()
	}
}

// Dropped returns the number of events dropped so far.
func (b *Buffered) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Close stops accepting events, flushes the buffer, and waits for the
// drain goroutine to finish.
func (b *Buffered) Close() {
	b.once.Do(func() {
		close(b.ch)
		<-b.done
	})
}

// Recorder collects events in memory, for tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns recorded events with the given type.
func (r *Recorder) OfType(t string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
