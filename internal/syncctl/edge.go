package syncctl

import (
	"time"

	"github.com/banshee-data/flashsync/internal/blink"
	"github.com/banshee-data/flashsync/internal/framepair"
)

// EdgeSource publishes the most recent light transition.
type EdgeSource interface {
	LastEdge() (blink.Edge, bool)
}

// EdgeState remembers the last edge seen and whether it has been captured.
type EdgeState struct {
	Seen     bool
	Edge     blink.Edge
	Captured bool
}

// EdgeInputs are the per-tick values the edge scheduler depends on.
type EdgeInputs struct {
	Now  time.Time
	Edge blink.Edge
	// HaveEdge is false until the blink driver has published an edge.
	HaveEdge bool
	// OneWay is the estimated one-way latency, zero when unknown.
	OneWay            time.Duration
	PhaseCompensation time.Duration
}

// CaptureAt returns the time at which the light is expected to have settled
// after edge.
func CaptureAt(edge blink.Edge, oneWay, phaseComp time.Duration) time.Time {
	return edge.At.Add(oneWay + phaseComp)
}

// StepEdge captures at most once per edge, on the first tick at or after
// CaptureAt. A new edge (different time, state or sequence) re-arms capture.
func StepEdge(s EdgeState, in EdgeInputs) (EdgeState, Effects) {
	if !in.HaveEdge {
		return s, Effects{}
	}
	if !s.Seen || !in.Edge.Same(s.Edge) {
		s = EdgeState{Seen: true, Edge: in.Edge}
	}
	if s.Captured {
		return s, Effects{}
	}
	if in.Now.Before(CaptureAt(s.Edge, in.OneWay, in.PhaseCompensation)) {
		return s, Effects{}
	}
	s.Captured = true
	return s, Effects{Capture: true, Slot: framepair.SlotFor(s.Edge.On)}
}
