// Package syncctl decides when to switch the light and when to sample the
// camera so that one frame is taken with the light on and one with it off.
//
// Three controllers share one tick loop (Runner):
//
//   - open loop waits a fixed delay budget after each command;
//   - closed loop waits for the controller's ACK, then an exposure margin;
//   - edge triggered samples a fixed offset after each toggle published by an
//     independent blink driver.
//
// Each controller is a pure step function over (state, tick inputs); the
// Runner performs the effects it returns.
package syncctl

import (
	"fmt"
	"strings"

	"github.com/banshee-data/flashsync/internal/command"
	"github.com/banshee-data/flashsync/internal/framepair"
)

// Mode selects the controller.
type Mode int

const (
	ModeOpenLoop Mode = iota
	ModeClosedLoop
	ModeEdge
)

func (m Mode) String() string {
	switch m {
	case ModeOpenLoop:
		return "open"
	case ModeClosedLoop:
		return "closed"
	case ModeEdge:
		return "edge"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode accepts "open", "closed" or "edge".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "open", "open-loop":
		return ModeOpenLoop, nil
	case "closed", "closed-loop", "ack":
		return ModeClosedLoop, nil
	case "edge", "edge-triggered":
		return ModeEdge, nil
	}
	return 0, fmt.Errorf("unknown mode %q: expected open, closed or edge", s)
}

// Phase is a controller state.
type Phase int

const (
	PhaseSendOn Phase = iota
	PhaseWaitAckOn
	PhaseWaitExposureOn
	PhaseCaptureOn
	PhaseSendOff
	PhaseWaitAckOff
	PhaseWaitExposureOff
	PhaseCaptureOff
	PhaseWaitOn
	PhaseWaitOff
	PhaseTracking
)

var phaseNames = [...]string{
	PhaseSendOn:          "SendOn",
	PhaseWaitAckOn:       "WaitAckOn",
	PhaseWaitExposureOn:  "WaitExposureOn",
	PhaseCaptureOn:       "CaptureOn",
	PhaseSendOff:         "SendOff",
	PhaseWaitAckOff:      "WaitAckOff",
	PhaseWaitExposureOff: "WaitExposureOff",
	PhaseCaptureOff:      "CaptureOff",
	PhaseWaitOn:          "WaitOn",
	PhaseWaitOff:         "WaitOff",
	PhaseTracking:        "Tracking",
}

func (p Phase) String() string {
	if p >= 0 && int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// instant phases complete in the tick that enters them.
func (p Phase) instant() bool {
	return p == PhaseSendOn || p == PhaseSendOff
}

// awaitedAck names the command whose ACK the phase is waiting for.
func (p Phase) awaitedAck() (command.Kind, bool) {
	switch p {
	case PhaseWaitAckOn:
		return command.LightOn, true
	case PhaseWaitAckOff:
		return command.LightOff, true
	}
	return command.Unknown, false
}

// Effects are the actions a step asks the Runner to perform, in order:
// capture first, then send.
type Effects struct {
	Capture bool
	Slot    framepair.Slot

	// Send is the command to transmit; Unknown means none.
	Send command.Kind

	// AckTimedOut reports that the ack wait expired and the controller fell
	// back to the estimated delay.
	AckTimedOut bool

	// CycleDone reports that the off frame completed a cycle.
	CycleDone bool
}
