package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/banshee-data/flashsync/internal/command"
	"github.com/banshee-data/flashsync/internal/monitoring"
	"github.com/banshee-data/flashsync/internal/timeutil"
)

var (
	// ErrTimeout is returned by ReceiveWithTimeout when no reply arrives.
	ErrTimeout = errors.New("timed out waiting for reply")
	// ErrNoTransport is returned by NewChannel without a transport.
	ErrNoTransport = errors.New("channel requires a transport")
)

const (
	defaultRedundancy   = 2
	defaultQueueSize    = 16
	defaultPollInterval = 100 * time.Millisecond
	maxPacketSize       = 1500
)

// ChannelConfig configures a Channel.
type ChannelConfig struct {
	Transport Transport

	// Redundancy is how many copies of each command Send transmits.
	Redundancy int

	// QueueSize bounds each reply queue. A full queue drops its oldest reply.
	QueueSize int

	// PollInterval bounds each blocking read so Run notices cancellation.
	PollInterval time.Duration

	// Clock stamps replies and drives ReceiveWithTimeout.
	Clock timeutil.Clock

	// OnReply, when set, observes every classified reply from the pump
	// goroutine. It must not block.
	OnReply func(command.Reply)
}

// Channel is the command link to the light controller. Sends are fire and
// forget; replies are read by a single pump goroutine (Run) and sorted into
// per-kind queues which callers poll without blocking (TryReceive) or with a
// bound (ReceiveWithTimeout).
type Channel struct {
	transport  Transport
	redundancy int
	poll       time.Duration
	clock      timeutil.Clock
	onReply    func(command.Reply)

	queueMu sync.Mutex
	queues  map[command.ReplyKind]chan command.Reply

	stats counters
}

// NewChannel creates a Channel over cfg.Transport.
func NewChannel(cfg ChannelConfig) (*Channel, error) {
	if cfg.Transport == nil {
		return nil, ErrNoTransport
	}
	redundancy := cfg.Redundancy
	if redundancy <= 0 {
		redundancy = defaultRedundancy
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Channel{
		transport:  cfg.Transport,
		redundancy: redundancy,
		poll:       poll,
		clock:      clock,
		onReply:    cfg.OnReply,
		queues: map[command.ReplyKind]chan command.Reply{
			command.ReplyAck:  make(chan command.Reply, size),
			command.ReplyPong: make(chan command.Reply, size),
		},
	}, nil
}

// Send transmits cmd Redundancy times.
func (c *Channel) Send(cmd command.Command) error {
	return c.SendN(cmd, c.redundancy)
}

// SendN transmits cmd n times. Individual write failures are counted; an
// error is returned only when every copy failed, in which case the command is
// dropped. No retry is attempted beyond the n copies.
func (c *Channel) SendN(cmd command.Command, n int) error {
	if n <= 0 {
		n = 1
	}
	payload := cmd.Encode()
	var lastErr error
	delivered := 0
	for i := 0; i < n; i++ {
		if err := c.transport.WritePacket(payload); err != nil {
			c.stats.sendErrors.Add(1)
			lastErr = err
			continue
		}
		c.stats.sent.Add(1)
		delivered++
	}
	if delivered == 0 {
		c.stats.dropped.Add(1)
		monitoring.Logf("Dropped %s to %s: %v", cmd, c.transport, lastErr)
		return fmt.Errorf("send %s: %w", cmd, lastErr)
	}
	return nil
}

// Run reads replies until ctx is cancelled or the transport is closed.
func (c *Channel) Run(ctx context.Context) error {
	buf := make([]byte, maxPacketSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		// The deadline is wall-clock: it bounds a real socket read.
		n, err := c.transport.ReadPacket(buf, time.Now().Add(c.poll))
		if err != nil {
			if IsTimeout(err) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
				return nil
			}
			c.stats.readErrors.Add(1)
			monitoring.Logf("Read from %s failed: %v", c.transport, err)
			continue
		}
		c.dispatch(buf[:n])
	}
}

// dispatch classifies one inbound message and queues it by kind. Any
// datagram that is not an ACK answers an untagged PING, so unrecognised
// replies go to the pong queue with a zero ID.
func (c *Channel) dispatch(p []byte) {
	r := command.ParseReply(p, c.clock.Now())
	c.stats.received.Add(1)
	if c.onReply != nil {
		c.onReply(r)
	}

	var q chan command.Reply
	switch r.Kind {
	case command.ReplyAck:
		c.stats.acks.Add(1)
		q = c.queues[command.ReplyAck]
	case command.ReplyPong:
		c.stats.pongs.Add(1)
		q = c.queues[command.ReplyPong]
	default:
		c.stats.unknown.Add(1)
		q = c.queues[command.ReplyPong]
	}

	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	select {
	case q <- r:
		return
	default:
	}
	select {
	case <-q:
		c.stats.overflow.Add(1)
	default:
	}
	select {
	case q <- r:
	default:
		c.stats.overflow.Add(1)
	}
}

// TryReceive returns the oldest queued reply of kind without blocking.
func (c *Channel) TryReceive(kind command.ReplyKind) (command.Reply, bool) {
	q, ok := c.queues[kind]
	if !ok {
		return command.Reply{}, false
	}
	select {
	case r := <-q:
		return r, true
	default:
		return command.Reply{}, false
	}
}

// ReceiveWithTimeout waits up to d for a reply of kind.
func (c *Channel) ReceiveWithTimeout(ctx context.Context, kind command.ReplyKind, d time.Duration) (command.Reply, error) {
	q, ok := c.queues[kind]
	if !ok {
		return command.Reply{}, fmt.Errorf("no queue for %s replies", kind)
	}
	select {
	case r := <-q:
		return r, nil
	default:
	}

	timer := c.clock.NewTimer(d)
	defer timer.Stop()
	select {
	case r := <-q:
		return r, nil
	case <-timer.C():
		return command.Reply{}, ErrTimeout
	case <-ctx.Done():
		return command.Reply{}, ctx.Err()
	}
}

// Drain discards every queued reply of kind and returns how many were
// discarded.
func (c *Channel) Drain(kind command.ReplyKind) int {
	n := 0
	for {
		if _, ok := c.TryReceive(kind); !ok {
			return n
		}
		n++
	}
}

// Endpoint names the remote side for logs and status.
func (c *Channel) Endpoint() string { return c.transport.String() }

// Close closes the transport, which ends Run.
func (c *Channel) Close() error { return c.transport.Close() }
