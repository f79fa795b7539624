package command

import (
	"strconv"
	"strings"
	"time"
)

// ReplyKind classifies an inbound datagram.
type ReplyKind int

const (
	ReplyUnknown ReplyKind = iota
	ReplyAck
	ReplyPong
)

func (k ReplyKind) String() string {
	switch k {
	case ReplyAck:
		return "ack"
	case ReplyPong:
		return "pong"
	default:
		return "unknown"
	}
}

// Reply is a classified inbound datagram.
type Reply struct {
	Kind ReplyKind
	Raw  string

	// For acks, For names the command acknowledged when the remote says so
	// ("ACK ON"); a bare "ACK" leaves it Unknown.
	For Kind

	// ID is the probe id echoed in "PONG <id>", zero if untagged.
	ID uint32

	At time.Time
}

// Acknowledges reports whether r is an ack that can resolve a pending
// command of kind k. A bare ACK resolves any command.
func (r Reply) Acknowledges(k Kind) bool {
	return r.Kind == ReplyAck && (r.For == Unknown || r.For == k)
}

// ParseReply classifies a datagram. Accepted forms are "ACK", "ACK ON",
// "ACK OFF", "PONG", "PONG <id>" and an echoed "PING" or "PING <id>".
func ParseReply(b []byte, at time.Time) Reply {
	raw := strings.TrimSpace(string(b))
	r := Reply{Kind: ReplyUnknown, Raw: raw, At: at}
	fields := strings.Fields(raw)
	if len(fields) == 0 || len(fields) > 2 {
		return r
	}

	switch strings.ToUpper(fields[0]) {
	case "ACK":
		if len(fields) == 1 {
			r.Kind = ReplyAck
			return r
		}
		switch strings.ToUpper(fields[1]) {
		case "ON":
			r.Kind, r.For = ReplyAck, LightOn
		case "OFF":
			r.Kind, r.For = ReplyAck, LightOff
		}
	case "PONG", "PING":
		if len(fields) == 1 {
			r.Kind = ReplyPong
			return r
		}
		if id, err := strconv.ParseUint(fields[1], 10, 32); err == nil {
			r.Kind, r.ID = ReplyPong, uint32(id)
		}
	}
	return r
}
