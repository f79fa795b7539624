// Package command encodes the ASCII control tokens sent to the light
// controller and classifies the replies it sends back.
//
// Every command is idempotent: the remote must treat a repeated ON or OFF as
// a single transition, which is what allows the sender to transmit each
// datagram more than once on a lossy link.
package command

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind identifies a command token.
type Kind int

const (
	Unknown Kind = iota
	LightOn
	LightOff
	Ping
	Stop
	StartBlink
)

func (k Kind) String() string {
	switch k {
	case LightOn:
		return "ON"
	case LightOff:
		return "OFF"
	case Ping:
		return "PING"
	case Stop:
		return "STOP"
	case StartBlink:
		return "START"
	default:
		return "UNKNOWN"
	}
}

var ErrMalformed = errors.New("malformed command")

// Command is one outbound control message.
type Command struct {
	Kind Kind

	// ID tags a Ping so the matching Pong can be told apart from stale ones.
	// Zero means untagged.
	ID uint32

	// HalfPeriod and StartOn parameterise StartBlink.
	HalfPeriod time.Duration
	StartOn    bool
}

// On returns the LightOn command.
func On() Command { return Command{Kind: LightOn} }

// Off returns the LightOff command.
func Off() Command { return Command{Kind: LightOff} }

// Light returns LightOn or LightOff for the requested state.
func Light(on bool) Command {
	if on {
		return On()
	}
	return Off()
}

// Probe returns a Ping, tagged with id when id is non-zero.
func Probe(id uint32) Command { return Command{Kind: Ping, ID: id} }

// Blink returns a StartBlink command for firmware-side toggling.
func Blink(halfPeriod time.Duration, startOn bool) Command {
	return Command{Kind: StartBlink, HalfPeriod: halfPeriod, StartOn: startOn}
}

// String renders the wire token without a trailing newline.
func (c Command) String() string {
	switch c.Kind {
	case Ping:
		if c.ID != 0 {
			return fmt.Sprintf("PING %d", c.ID)
		}
		return "PING"
	case StartBlink:
		on := 0
		if c.StartOn {
			on = 1
		}
		return fmt.Sprintf("START %d %d", c.HalfPeriod.Microseconds(), on)
	default:
		return c.Kind.String()
	}
}

// Encode returns the datagram payload for c.
func (c Command) Encode() []byte {
	return []byte(c.String())
}

// Parse decodes an inbound command token. It is used by the simulator and the
// capture analyser, which see the controller's side of the conversation.
func Parse(b []byte) (Command, error) {
	fields := strings.Fields(string(b))
	if len(fields) == 0 {
		return Command{}, ErrMalformed
	}
	switch strings.ToUpper(fields[0]) {
	case "ON":
		return On(), nil
	case "OFF":
		return Off(), nil
	case "STOP":
		return Command{Kind: Stop}, nil
	case "PING":
		if len(fields) == 1 {
			return Probe(0), nil
		}
		id, err := strconv.ParseUint(fields[1], 10, 32)
		if err != nil {
			return Command{}, fmt.Errorf("%w: ping id %q", ErrMalformed, fields[1])
		}
		return Probe(uint32(id)), nil
	case "START":
		if len(fields) != 3 {
			return Command{}, fmt.Errorf("%w: START wants 2 arguments, got %d", ErrMalformed, len(fields)-1)
		}
		us, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil || us <= 0 {
			return Command{}, fmt.Errorf("%w: half period %q", ErrMalformed, fields[1])
		}
		return Blink(time.Duration(us)*time.Microsecond, fields[2] == "1"), nil
	}
	return Command{}, fmt.Errorf("%w: %q", ErrMalformed, fields[0])
}
