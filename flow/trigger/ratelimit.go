package trigger

import (
	"math"
	"sync"
	"time"
)

// TokenBucket admits requests against a continuously refilling budget.
// The bucket starts full; each admission consumes one token, and
// tokens accrue at Rate per second up to Capacity. Admissions over any
// interval are bounded by capacity + rate*elapsed.
type TokenBucket struct {
	mu       sync.Mutex
	capacity float64
	rate     float64
	tokens   float64
	last     time.Time
}

// NewTokenBucket creates a full bucket. Capacity below 1 is raised to
// 1; a non-positive rate means the bucket never refills.
func NewTokenBucket(capacity int, ratePerSec float64, now time.Time) *TokenBucket {
	if capacity < 1 {
		capacity = 1
	}
	return &TokenBucket{
		capacity: float64(capacity),
		rate:     ratePerSec,
		tokens:   float64(capacity),
		last:     now,
	}
}

// Allow consumes one token if at least one whole token is available at
// now, reporting whether the request is admitted.
func (b *TokenBucket) Allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill(now)
	if math.Floor(b.tokens) < 1 {
		return false
	}
	b.tokens--
	return true
}

// Available returns the whole tokens available at now without
// consuming any.
func (b *TokenBucket) Available(now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill(now)
	return int(math.Floor(b.tokens))
}

func (b *TokenBucket) refill(now time.Time) {
	if b.rate > 0 && now.After(b.last) {
		elapsed := now.Sub(b.last).Seconds()
		b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.rate)
	}
	if now.After(b.last) {
		b.last = now
	}
}

// SlidingWindow admits at most Limit requests per window, evicting
// admission timestamps as they age past the window boundary.
type SlidingWindow struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	times  []time.Time
}

// NewSlidingWindow creates a limiter admitting limit requests per
// window.
func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	if limit < 1 {
		limit = 1
	}
	if window <= 0 {
		window = time.Second
	}
	return &SlidingWindow{limit: limit, window: window}
}

// Allow reports whether a request at now is admitted, recording it
// when so. Admissions at exactly the window boundary are evicted;
// inside it they count.
func (w *SlidingWindow) Allow(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.evict(now)
	if len(w.times) >= w.limit {
		return false
	}
	w.times = append(w.times, now)
	return true
}

// InWindow returns the admission count still inside the window at now.
func (w *SlidingWindow) InWindow(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.evict(now)
	return len(w.times)
}

func (w *SlidingWindow) evict(now time.Time) {
	cut := now.Add(-w.window)
	i := 0
	for i < len(w.times) && !w.times[i].After(cut) {
		i++
	}
	if i > 0 {
		w.times = append(w.times[:0], w.times[i:]...)
	}
}

// Limiter is the admission check shared by the webhook handler and the
// event bus. Both TokenBucket and SlidingWindow satisfy it.
type Limiter interface {
	Allow(now time.Time) bool
}
