package syncctl

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultExposureMargin    = 30 * time.Millisecond
	MaxExposureMargin        = 100 * time.Millisecond
	DefaultAckTimeout        = 250 * time.Millisecond
	MaxAckTimeout            = 5 * time.Second
	DefaultPhaseCompensation = 40 * time.Millisecond
	MaxPhaseCompensation     = 200 * time.Millisecond
	DefaultThreshold         = 0.05
	MaxThreshold             = 0.3
)

// Params are the live-tunable controller settings.
type Params struct {
	ExposureMargin    time.Duration `json:"exposure_margin"`
	AckTimeout        time.Duration `json:"ack_timeout"`
	PhaseCompensation time.Duration `json:"phase_compensation"`
	Threshold         float64       `json:"threshold"`
}

// DefaultParams returns the factory settings.
func DefaultParams() Params {
	return Params{
		ExposureMargin:    DefaultExposureMargin,
		AckTimeout:        DefaultAckTimeout,
		PhaseCompensation: DefaultPhaseCompensation,
		Threshold:         DefaultThreshold,
	}
}

// Clamp limits every field to its control range.
func (p Params) Clamp() Params {
	p.ExposureMargin = clampDuration(p.ExposureMargin, 0, MaxExposureMargin)
	p.AckTimeout = clampDuration(p.AckTimeout, 0, MaxAckTimeout)
	p.PhaseCompensation = clampDuration(p.PhaseCompensation, 0, MaxPhaseCompensation)
	if p.Threshold < 0 {
		p.Threshold = 0
	}
	if p.Threshold > MaxThreshold {
		p.Threshold = MaxThreshold
	}
	return p
}

func clampDuration(d, lo, hi time.Duration) time.Duration {
	return min(max(d, lo), hi)
}

// Tunables publishes Params atomically; the tick loop reads one consistent
// copy per tick.
type Tunables struct {
	mu      sync.Mutex
	current atomic.Pointer[Params]
}

// NewTunables returns Tunables holding p, clamped.
func NewTunables(p Params) *Tunables {
	t := &Tunables{}
	p = p.Clamp()
	t.current.Store(&p)
	return t
}

// Load returns the current parameters.
func (t *Tunables) Load() Params {
	return *t.current.Load()
}

// Update applies fn to a copy of the current parameters, clamps the result
// and publishes it.
func (t *Tunables) Update(fn func(*Params)) Params {
	t.mu.Lock()
	defer t.mu.Unlock()
	next := *t.current.Load()
	fn(&next)
	next = next.Clamp()
	t.current.Store(&next)
	return next
}
