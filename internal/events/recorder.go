package events

import (
	"context"
	"sync"
	"time"
)

// Recorder keeps the most recent events in memory for inspection.
type Recorder struct {
	mu    sync.Mutex
	buf   []Event
	next  int
	full  bool
	total uint64
	clock func() time.Time
}

func NewRecorder(capacity int) *Recorder {
	if capacity <= 0 {
		capacity = 256
	}
	return &Recorder{buf: make([]Event, capacity), clock: time.Now}
}

func (r *Recorder) HandleEvent(_ context.Context, e Event) error {
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = r.clock().UTC()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = e
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
	r.total++
	return nil
}

// Recent returns up to n events, oldest first. n <= 0 returns everything held.
func (r *Recorder) Recent(n int) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	size := r.next
	if r.full {
		size = len(r.buf)
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]Event, 0, n)
	start := (r.next - n + len(r.buf)) % len(r.buf)
	for i := 0; i < n; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}

func (r *Recorder) Total() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}
