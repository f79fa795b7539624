// Package blink toggles the light on a fixed half period and publishes the
// time of each toggle so capture can be scheduled relative to it.
package blink

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/flashsync/internal/command"
	"github.com/banshee-data/flashsync/internal/monitoring"
	"github.com/banshee-data/flashsync/internal/timeutil"
)

const (
	// DefaultHalfPeriod blinks at 2 Hz. Each half period must outlast the
	// one-way latency plus the largest phase compensation or no edge is
	// ever captured.
	DefaultHalfPeriod = 250 * time.Millisecond

	startCopies = 3
	stopCopies  = 2
)

// Sender sends commands to the light controller.
type Sender interface {
	Send(cmd command.Command) error
	SendN(cmd command.Command, n int) error
}

// Edge records one commanded light transition. Seq increases with every
// edge so two toggles in the same clock instant remain distinct.
type Edge struct {
	At  time.Time `json:"at"`
	On  bool      `json:"on"`
	Seq uint64    `json:"seq"`
}

// Same reports whether e and o describe the same transition.
func (e Edge) Same(o Edge) bool {
	return e.Seq == o.Seq && e.On == o.On && e.At.Equal(o.At)
}

// DriverConfig configures a Driver.
type DriverConfig struct {
	Sender     Sender
	Clock      timeutil.Clock
	HalfPeriod time.Duration
	// StartOn is the state commanded by the first toggle.
	StartOn bool
}

// Driver toggles the light locally, sending ON/OFF on every half period.
type Driver struct {
	sender     Sender
	clock      timeutil.Clock
	halfPeriod time.Duration

	mu   sync.Mutex
	next bool
	seq  uint64

	last atomic.Pointer[Edge]
}

// NewDriver creates a Driver. The light state is unknown until the first
// toggle.
func NewDriver(cfg DriverConfig) *Driver {
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	hp := cfg.HalfPeriod
	if hp <= 0 {
		hp = DefaultHalfPeriod
	}
	return &Driver{sender: cfg.Sender, clock: clock, halfPeriod: hp, next: cfg.StartOn}
}

// Run toggles immediately and then every half period until ctx is
// cancelled. The light is switched off on exit.
func (d *Driver) Run(ctx context.Context) error {
	ticker := d.clock.NewTicker(d.halfPeriod)
	defer ticker.Stop()

	d.Toggle()
	for {
		select {
		case <-ctx.Done():
			if err := d.sender.Send(command.Off()); err != nil {
				monitoring.Logf("blink: final OFF failed: %v", err)
			}
			return ctx.Err()
		case <-ticker.C():
			d.Toggle()
		}
	}
}

// Toggle commands the next state and publishes the edge after the send. A
// failed send publishes nothing, so the scheduler never captures against a
// transition that was not transmitted.
func (d *Driver) Toggle() (Edge, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	on := d.next
	if err := d.sender.Send(command.Light(on)); err != nil {
		monitoring.Logf("blink: toggle to %v failed: %v", on, err)
		return Edge{}, false
	}
	d.next = !on
	d.seq++
	e := Edge{At: d.clock.Now(), On: on, Seq: d.seq}
	d.last.Store(&e)
	return e, true
}

// LastEdge returns the most recent published edge.
func (d *Driver) LastEdge() (Edge, bool) {
	e := d.last.Load()
	if e == nil {
		return Edge{}, false
	}
	return *e, true
}

// HalfPeriod returns the toggle interval.
func (d *Driver) HalfPeriod() time.Duration { return d.halfPeriod }

// Remote drives firmware-side blinking, where the controller toggles the
// light itself after a START command.
type Remote struct {
	Sender Sender
}

// Start asks the controller to blink with the given half period.
func (r Remote) Start(halfPeriod time.Duration, startOn bool) error {
	if halfPeriod <= 0 {
		halfPeriod = DefaultHalfPeriod
	}
	return r.Sender.SendN(command.Blink(halfPeriod, startOn), startCopies)
}

// Stop ends firmware-side blinking.
func (r Remote) Stop() error {
	return r.Sender.SendN(command.Command{Kind: command.Stop}, stopCopies)
}
