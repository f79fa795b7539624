// Package simulator provides stand-ins for the light controller and camera
// so the synchronization loop can run on a development machine.
package simulator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/banshee-data/flashsync/internal/command"
	"github.com/banshee-data/flashsync/internal/monitoring"
	"github.com/banshee-data/flashsync/internal/network"
)

// RemoteConfig configures the simulated light controller.
type RemoteConfig struct {
	// Listen is the UDP bind address, e.g. "127.0.0.1:4210".
	Listen string
	// Factory creates the socket; nil uses the real network.
	Factory network.UDPSocketFactory

	// Latency delays every reply; Jitter is the standard deviation of a
	// normally distributed addition, truncated at zero.
	Latency time.Duration
	Jitter  time.Duration
	// Loss is the probability that an incoming datagram is ignored.
	Loss float64
	// Actuation is the delay between receiving a light command and the
	// light changing.
	Actuation time.Duration

	// TaggedAcks answers "ACK ON"/"ACK OFF" instead of a bare "ACK".
	TaggedAcks bool
	// EchoPing answers a probe by echoing it instead of "PONG".
	EchoPing bool

	Seed uint64
}

type lightEvent struct {
	at time.Time
	on bool
}

type blinkState struct {
	start   time.Time
	half    time.Duration
	startOn bool
}

// RemoteStats counts simulator traffic.
type RemoteStats struct {
	Received uint64 `json:"received"`
	Lost     uint64 `json:"lost"`
	Replied  uint64 `json:"replied"`
	Invalid  uint64 `json:"invalid"`
}

// Remote answers the control protocol on a UDP socket.
type Remote struct {
	cfg  RemoteConfig
	sock network.UDPSocket

	rngMu  sync.Mutex
	jitter distuv.Normal
	loss   distuv.Bernoulli

	mu     sync.Mutex
	events []lightEvent
	blink  *blinkState

	received, lost, replied, invalid atomic.Uint64
	pending                          sync.WaitGroup
}

// NewRemote binds the simulator socket.
func NewRemote(cfg RemoteConfig) (*Remote, error) {
	laddr, err := net.ResolveUDPAddr("udp", cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve listen address %q: %w", cfg.Listen, err)
	}
	if cfg.Loss < 0 || cfg.Loss > 1 {
		return nil, fmt.Errorf("loss must be between 0 and 1, got %g", cfg.Loss)
	}
	factory := cfg.Factory
	if factory == nil {
		factory = network.RealUDPSocketFactory{}
	}
	sock, err := factory.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("failed to open UDP socket: %w", err)
	}
	src := rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)
	return &Remote{
		cfg:    cfg,
		sock:   sock,
		jitter: distuv.Normal{Mu: 0, Sigma: float64(cfg.Jitter), Src: src},
		loss:   distuv.Bernoulli{P: cfg.Loss, Src: src},
	}, nil
}

// Addr returns the bound address.
func (r *Remote) Addr() *net.UDPAddr {
	addr, _ := r.sock.LocalAddr().(*net.UDPAddr)
	return addr
}

// Run serves until ctx is cancelled.
func (r *Remote) Run(ctx context.Context) error {
	monitoring.Logf("Simulated light controller listening on %s", r.sock.LocalAddr())
	go func() {
		<-ctx.Done()
		r.sock.Close()
	}()
	defer r.pending.Wait()

	buf := make([]byte, 1500)
	for {
		n, from, err := r.sock.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
				return nil
			}
			if network.IsTimeout(err) {
				continue
			}
			return fmt.Errorf("simulator read: %w", err)
		}
		r.handle(time.Now(), buf[:n], from)
	}
}

func (r *Remote) drop() bool {
	if r.cfg.Loss <= 0 {
		return false
	}
	r.rngMu.Lock()
	defer r.rngMu.Unlock()
	return r.loss.Rand() == 1
}

func (r *Remote) replyDelay() time.Duration {
	d := r.cfg.Latency
	if r.cfg.Jitter > 0 {
		r.rngMu.Lock()
		d += time.Duration(r.jitter.Rand())
		r.rngMu.Unlock()
	}
	return max(d, 0)
}

func (r *Remote) handle(now time.Time, p []byte, from *net.UDPAddr) {
	r.received.Add(1)
	if r.drop() {
		r.lost.Add(1)
		return
	}
	cmd, err := command.Parse(p)
	if err != nil {
		r.invalid.Add(1)
		return
	}

	switch cmd.Kind {
	case command.LightOn, command.LightOff:
		r.setLight(now.Add(r.cfg.Actuation), cmd.Kind == command.LightOn)
		ack := "ACK"
		if r.cfg.TaggedAcks {
			ack = "ACK " + cmd.String()
		}
		r.reply(ack, from)
	case command.Ping:
		if r.cfg.EchoPing {
			r.reply(cmd.String(), from)
		} else if cmd.ID != 0 {
			r.reply(fmt.Sprintf("PONG %d", cmd.ID), from)
		} else {
			r.reply("PONG", from)
		}
	case command.StartBlink:
		r.mu.Lock()
		r.blink = &blinkState{start: now.Add(r.cfg.Actuation), half: cmd.HalfPeriod, startOn: cmd.StartOn}
		r.mu.Unlock()
	case command.Stop:
		r.setLight(now.Add(r.cfg.Actuation), false)
	}
}

// setLight ends any blinking and schedules the light to be on from at.
func (r *Remote) setLight(at time.Time, on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.blink != nil {
		r.events = append(r.events, lightEvent{at: at, on: r.blinkLevel(at)})
		r.blink = nil
	}
	r.events = append(r.events, lightEvent{at: at, on: on})
	if len(r.events) > 64 {
		r.events = r.events[len(r.events)-64:]
	}
}

func (r *Remote) reply(msg string, to *net.UDPAddr) {
	send := func() {
		if _, err := r.sock.WriteToUDP([]byte(msg), to); err == nil {
			r.replied.Add(1)
		}
	}
	d := r.replyDelay()
	if d == 0 {
		send()
		return
	}
	r.pending.Add(1)
	time.AfterFunc(d, func() {
		defer r.pending.Done()
		send()
	})
}

func (r *Remote) blinkLevel(t time.Time) bool {
	b := r.blink
	if t.Before(b.start) || b.half <= 0 {
		return b.startOn
	}
	phase := int64(t.Sub(b.start) / b.half)
	return b.startOn == (phase%2 == 0)
}

// LightAt reports whether the light is on at t.
func (r *Remote) LightAt(t time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.blink != nil && !t.Before(r.blink.start) {
		return r.blinkLevel(t)
	}
	on := false
	for _, e := range r.events {
		if e.at.After(t) {
			break
		}
		on = e.on
	}
	return on
}

// Blinking reports whether a START is in effect.
func (r *Remote) Blinking() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.blink != nil
}

// Stats returns the traffic counters.
func (r *Remote) Stats() RemoteStats {
	return RemoteStats{
		Received: r.received.Load(),
		Lost:     r.lost.Load(),
		Replied:  r.replied.Load(),
		Invalid:  r.invalid.Load(),
	}
}

// Close releases the socket.
func (r *Remote) Close() error { return r.sock.Close() }
