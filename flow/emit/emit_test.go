package emit_test

import (
	"sync"
	"testing"

	"github.com/dshills/duraflow/flow/emit"
)

func TestMulti(t *testing.T) {
	a := emit.NewRecorder()
	b := emit.NewRecorder()
	m := emit.Multi{a, b, emit.Null{}}

	m.Emit(emit.Event{Type: emit.RunStart, RunID: "r1"})
	m.Emit(emit.Event{Type: emit.NodeComplete, RunID: "r1", Node: "work"})

	for _, rec := range []*emit.Recorder{a, b} {
		if got := len(rec.Events()); got != 2 {
			t.Errorf("events = %d, want 2", got)
		}
	}
	if got := a.OfType(emit.NodeComplete); len(got) != 1 || got[0].Node != "work" {
		t.Errorf("OfType = %v", got)
	}
}

func TestBufferedDeliversInOrder(t *testing.T) {
	rec := emit.NewRecorder()
	buf := emit.NewBuffered(rec, 16)

	for i := 0; i < 5; i++ {
		buf.Emit(emit.Event{Type: emit.NodeStart, Wave: i})
	}
	buf.Close()

	events := rec.Events()
	if len(events) != 5 {
		t.Fatalf("events = %d, want 5", len(events))
	}
	for i, e := range events {
		if e.Wave != i {
			t.Errorf("event %d wave = %d", i, e.Wave)
		}
	}
	if buf.Dropped() != 0 {
		t.Errorf("dropped = %d", buf.Dropped())
	}
}

func TestBufferedDropsWhenFull(t *testing.T) {
	release := make(chan struct{})
	var once sync.Once
	blocked := emit.EmitterFunc(func(emit.Event) {
		once.Do(func() { <-release })
	})

	buf := emit.NewBuffered(blocked, 1)

	// The first event parks the drain goroutine; the buffer then holds
	// one more. Everything past that is dropped.
	buf.Emit(emit.Event{Type: emit.RunStart})
	for buf.Dropped() == 0 {
		buf.Emit(emit.Event{Type: emit.NodeStart})
	}

	close(release)
	buf.Close()
	if buf.Dropped() < 1 {
		t.Errorf("dropped = %d, want at least 1", buf.Dropped())
	}
}

func TestCloseIdempotent(t *testing.T) {
	buf := emit.NewBuffered(emit.Null{}, 4)
	buf.Close()
	buf.Close()
}
