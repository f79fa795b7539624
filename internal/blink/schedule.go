package blink

import (
	"time"

	"github.com/banshee-data/flashsync/internal/timeutil"
)

// Schedule derives the edges of firmware-side blinking from the time START
// was sent. The controller toggles on its own clock, so these are estimates
// that drift with the two clocks.
type Schedule struct {
	Clock      timeutil.Clock
	Start      time.Time
	HalfPeriod time.Duration
	StartOn    bool
}

// LastEdge returns the most recent scheduled transition at or before now.
func (s Schedule) LastEdge() (Edge, bool) {
	if s.HalfPeriod <= 0 {
		return Edge{}, false
	}
	now := s.Clock.Now()
	if now.Before(s.Start) {
		return Edge{}, false
	}
	n := uint64(now.Sub(s.Start) / s.HalfPeriod)
	return Edge{
		At:  s.Start.Add(time.Duration(n) * s.HalfPeriod),
		On:  s.StartOn == (n%2 == 0),
		Seq: n + 1,
	}, true
}

// Begin sends START and returns the schedule it implies.
func (r Remote) Begin(clock timeutil.Clock, halfPeriod time.Duration, startOn bool) (Schedule, error) {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if halfPeriod <= 0 {
		halfPeriod = DefaultHalfPeriod
	}
	start := clock.Now()
	if err := r.Start(halfPeriod, startOn); err != nil {
		return Schedule{}, err
	}
	return Schedule{Clock: clock, Start: start, HalfPeriod: halfPeriod, StartOn: startOn}, nil
}
