package store

import (
	"context"
	"sync/atomic"

	"github.com/banshee-data/flashsync/internal/monitoring"
)

// CycleRecorder moves cycle inserts off the tick goroutine. Add never
// blocks; when the queue is full the cycle is dropped and counted.
type CycleRecorder struct {
	store   *Store
	session string
	queue   chan Cycle

	written atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

// NewCycleRecorder returns a recorder for session with a queue of size
// entries.
func (s *Store) NewCycleRecorder(session string, size int) *CycleRecorder {
	if size <= 0 {
		size = 256
	}
	return &CycleRecorder{store: s, session: session, queue: make(chan Cycle, size)}
}

// Add queues c for insertion.
func (r *CycleRecorder) Add(c Cycle) {
	c.SessionID = r.session
	select {
	case r.queue <- c:
	default:
		r.dropped.Add(1)
	}
}

// Run inserts queued cycles until ctx is cancelled, then flushes what is
// left in the queue.
func (r *CycleRecorder) Run(ctx context.Context) {
	for {
		select {
		case c := <-r.queue:
			r.write(context.Background(), c)
		case <-ctx.Done():
			for {
				select {
				case c := <-r.queue:
					r.write(context.Background(), c)
				default:
					return
				}
			}
		}
	}
}

func (r *CycleRecorder) write(ctx context.Context, c Cycle) {
	if err := r.store.RecordCycle(ctx, c); err != nil {
		if r.failed.Add(1) == 1 {
			monitoring.Logf("Cycle recording failed: %v", err)
		}
		return
	}
	r.written.Add(1)
}

// Counts returns the written, dropped and failed totals.
func (r *CycleRecorder) Counts() (written, dropped, failed uint64) {
	return r.written.Load(), r.dropped.Load(), r.failed.Load()
}
