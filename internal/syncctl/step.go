package syncctl

import (
	"time"

	"github.com/banshee-data/flashsync/internal/command"
	"github.com/banshee-data/flashsync/internal/framepair"
)

// State is the loop controllers' position in the cycle.
type State struct {
	Phase Phase
	// Elapsed is the time accumulated in Phase.
	Elapsed time.Duration
	// Fallback marks a cycle in which an ack wait timed out.
	Fallback bool
	// Wait is the open-loop budget latched when the wait began.
	Wait time.Duration
}

// Inputs are the per-tick values a step depends on.
type Inputs struct {
	// Elapsed is the time since the previous processed tick.
	Elapsed time.Duration
	// Acked reports an ACK for the awaited command.
	Acked bool

	TotalWait      time.Duration
	ExposureMargin time.Duration
	AckTimeout     time.Duration
}

// StepClosedLoop advances the ack-gated cycle
// SendOn → WaitAckOn → WaitExposureOn → CaptureOn →
// SendOff → WaitAckOff → WaitExposureOff → CaptureOff.
//
// An ack wait ends after max(AckTimeout, TotalWait). The controller then
// behaves as though the ack had arrived TotalWait after the send, so the
// exposure wait is shortened by the time already spent past that point.
func StepClosedLoop(s State, in Inputs) (State, Effects) {
	switch s.Phase {
	case PhaseSendOn:
		return State{Phase: PhaseWaitAckOn}, Effects{Send: command.LightOn}
	case PhaseSendOff:
		return State{Phase: PhaseWaitAckOff, Fallback: s.Fallback}, Effects{Send: command.LightOff}

	case PhaseWaitAckOn, PhaseWaitAckOff:
		next := PhaseWaitExposureOn
		if s.Phase == PhaseWaitAckOff {
			next = PhaseWaitExposureOff
		}
		elapsed := s.Elapsed + in.Elapsed
		if in.Acked {
			return State{Phase: next, Fallback: s.Fallback}, Effects{}
		}
		if elapsed >= max(in.AckTimeout, in.TotalWait) {
			return State{Phase: next, Elapsed: elapsed - in.TotalWait, Fallback: true}, Effects{AckTimedOut: true}
		}
		return State{Phase: s.Phase, Elapsed: elapsed, Fallback: s.Fallback}, Effects{}

	case PhaseWaitExposureOn, PhaseWaitExposureOff:
		next := PhaseCaptureOn
		if s.Phase == PhaseWaitExposureOff {
			next = PhaseCaptureOff
		}
		elapsed := s.Elapsed + in.Elapsed
		if elapsed >= in.ExposureMargin {
			return State{Phase: next, Fallback: s.Fallback}, Effects{}
		}
		return State{Phase: s.Phase, Elapsed: elapsed, Fallback: s.Fallback}, Effects{}

	case PhaseCaptureOn:
		return State{Phase: PhaseSendOff, Fallback: s.Fallback}, Effects{Capture: true, Slot: framepair.SlotOn}
	case PhaseCaptureOff:
		return State{Phase: PhaseSendOn}, Effects{Capture: true, Slot: framepair.SlotOff, CycleDone: true}
	}
	return State{Phase: PhaseSendOn}, Effects{}
}

// StepOpenLoop advances the estimated-delay cycle
// SendOn → WaitOn → CaptureOn → SendOff → WaitOff → CaptureOff.
// TotalWait is latched at each send, so a changed budget applies from the
// next wait and never stretches or cuts short the one in progress.
func StepOpenLoop(s State, in Inputs) (State, Effects) {
	switch s.Phase {
	case PhaseSendOn:
		return State{Phase: PhaseWaitOn, Wait: in.TotalWait}, Effects{Send: command.LightOn}
	case PhaseSendOff:
		return State{Phase: PhaseWaitOff, Wait: in.TotalWait}, Effects{Send: command.LightOff}

	case PhaseWaitOn, PhaseWaitOff:
		next := PhaseCaptureOn
		if s.Phase == PhaseWaitOff {
			next = PhaseCaptureOff
		}
		elapsed := s.Elapsed + in.Elapsed
		if elapsed >= s.Wait {
			return State{Phase: next}, Effects{}
		}
		return State{Phase: s.Phase, Elapsed: elapsed, Wait: s.Wait}, Effects{}

	case PhaseCaptureOn:
		return State{Phase: PhaseSendOff}, Effects{Capture: true, Slot: framepair.SlotOn}
	case PhaseCaptureOff:
		return State{Phase: PhaseSendOn}, Effects{Capture: true, Slot: framepair.SlotOff, CycleDone: true}
	}
	return State{Phase: PhaseSendOn}, Effects{}
}
