// Package delay turns the measured one-way latency and the operator's safety
// margin into the wait used between commanding the light and capturing.
package delay

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	// MinWait and MaxWait bound every computed delay budget.
	MinWait = 10 * time.Millisecond
	MaxWait = 500 * time.Millisecond

	// MaxMargin bounds the safety margin accepted from live controls.
	MaxMargin = 200 * time.Millisecond

	DefaultBaseline = 20 * time.Millisecond
	DefaultMargin   = 40 * time.Millisecond
)

// Compute returns clamp(baseline+margin, MinWait, MaxWait).
func Compute(baseline, margin time.Duration) time.Duration {
	total := baseline + margin
	if total < MinWait {
		return MinWait
	}
	if total > MaxWait {
		return MaxWait
	}
	return total
}

// ClampMargin limits an operator-supplied margin to [0, MaxMargin].
func ClampMargin(m time.Duration) time.Duration {
	if m < 0 {
		return 0
	}
	if m > MaxMargin {
		return MaxMargin
	}
	return m
}

// Snapshot is a consistent (baseline, margin, total) tuple.
type Snapshot struct {
	Baseline time.Duration `json:"baseline"`
	Margin   time.Duration `json:"margin"`
	Total    time.Duration `json:"total"`
}

// Timing publishes Snapshots atomically. Writers are serialised; readers
// never block and always see the three fields from the same update.
type Timing struct {
	mu      sync.Mutex
	current atomic.Pointer[Snapshot]
}

// NewTiming returns a Timing seeded with baseline and margin.
func NewTiming(baseline, margin time.Duration) *Timing {
	t := &Timing{}
	t.current.Store(&Snapshot{Baseline: baseline, Margin: margin, Total: Compute(baseline, margin)})
	return t
}

// Load returns the current snapshot.
func (t *Timing) Load() Snapshot {
	return *t.current.Load()
}

// SetBaseline replaces the one-way baseline and recomputes the total.
func (t *Timing) SetBaseline(baseline time.Duration) Snapshot {
	return t.update(func(s *Snapshot) { s.Baseline = baseline })
}

// SetMargin replaces the safety margin and recomputes the total.
func (t *Timing) SetMargin(margin time.Duration) Snapshot {
	return t.update(func(s *Snapshot) { s.Margin = margin })
}

func (t *Timing) update(fn func(*Snapshot)) Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	next := *t.current.Load()
	fn(&next)
	next.Total = Compute(next.Baseline, next.Margin)
	t.current.Store(&next)
	return next
}
