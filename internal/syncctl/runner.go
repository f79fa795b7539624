package syncctl

import (
	"context"
	"errors"
	"image"
	"sync"
	"time"

	"github.com/banshee-data/flashsync/internal/command"
	"github.com/banshee-data/flashsync/internal/delay"
	"github.com/banshee-data/flashsync/internal/framepair"
	"github.com/banshee-data/flashsync/internal/monitoring"
	"github.com/banshee-data/flashsync/internal/timeutil"
)

// DefaultTickInterval runs the loop at 90 Hz.
const DefaultTickInterval = time.Second / 90

// maxStepsPerTick bounds the instant transitions taken within one tick
// (capture, then send, then the first wait).
const maxStepsPerTick = 4

// Link is the part of the command channel used by the loop controllers.
type Link interface {
	Send(cmd command.Command) error
	TryReceive(kind command.ReplyKind) (command.Reply, bool)
}

// Cycle describes one completed on/off cycle.
type Cycle struct {
	Seq      uint64        `json:"seq"`
	Mode     string        `json:"mode"`
	Started  time.Time     `json:"started"`
	OnAt     time.Time     `json:"on_at"`
	OffAt    time.Time     `json:"off_at"`
	Duration time.Duration `json:"duration"`
	Fallback bool          `json:"fallback"`
	// TotalWait is the delay budget in force when the cycle completed.
	TotalWait time.Duration `json:"total_wait"`
}

// Config configures a Runner.
type Config struct {
	Mode Mode

	// Link carries commands and acks for the loop modes.
	Link Link
	// Edges supplies light transitions for edge mode.
	Edges EdgeSource
	// OneWay returns the latest one-way latency estimate for edge mode.
	OneWay func() (time.Duration, bool)

	Source      framepair.Source
	Buffer      *framepair.Buffer
	Differencer framepair.Differencer

	Timing *delay.Timing
	Params *Tunables

	Clock        timeutil.Clock
	TickInterval time.Duration
	MinFrameSize int

	// OnCycle observes completed cycles from the tick goroutine.
	OnCycle func(Cycle)
	// OnTransition observes every phase change from the tick goroutine.
	OnTransition func(from, to Phase)
}

// Status is a snapshot of the runner counters.
type Status struct {
	Mode         string `json:"mode"`
	Phase        string `json:"phase"`
	Running      bool   `json:"running"`
	Ticks        uint64 `json:"ticks"`
	SkippedTicks uint64 `json:"skipped_ticks"`
	Captures     uint64 `json:"captures"`
	Cycles       uint64 `json:"cycles"`
	Pairs        uint64 `json:"pairs"`
	AckTimeouts  uint64 `json:"ack_timeouts"`
	StaleAcks    uint64 `json:"stale_acks"`
	SendFailures uint64 `json:"send_failures"`
	// MissedEdges counts edges superseded before their capture time.
	MissedEdges uint64    `json:"missed_edges"`
	Resizes     uint64    `json:"resizes"`
	FrameWidth  int       `json:"frame_width"`
	FrameHeight int       `json:"frame_height"`
	LastTick    time.Time `json:"last_tick"`
}

// Runner drives one controller from a fixed-rate tick. Every step, buffer
// write and differencing hand-off happens on the goroutine calling Tick.
type Runner struct {
	mode    Mode
	link    Link
	edges   EdgeSource
	oneWay  func() (time.Duration, bool)
	source  framepair.Source
	buffer  *framepair.Buffer
	diff    framepair.Differencer
	timing  *delay.Timing
	params  *Tunables
	clock   timeutil.Clock
	tick    time.Duration
	minSize int
	onCycle func(Cycle)
	onTrans func(from, to Phase)

	// Tick goroutine state.
	state      State
	edge       EdgeState
	lastTick   time.Time
	cycleStart time.Time
	onAt       time.Time

	mu     sync.Mutex
	status Status
}

// NewRunner validates cfg and returns a Runner.
func NewRunner(cfg Config) (*Runner, error) {
	if cfg.Source == nil {
		return nil, errors.New("runner requires a frame source")
	}
	switch cfg.Mode {
	case ModeOpenLoop, ModeClosedLoop:
		if cfg.Link == nil {
			return nil, errors.New(cfg.Mode.String() + " loop requires a command link")
		}
	case ModeEdge:
		if cfg.Edges == nil {
			return nil, errors.New("edge mode requires an edge source")
		}
	default:
		return nil, errors.New("unknown mode " + cfg.Mode.String())
	}

	r := &Runner{
		mode:    cfg.Mode,
		link:    cfg.Link,
		edges:   cfg.Edges,
		oneWay:  cfg.OneWay,
		source:  cfg.Source,
		buffer:  cfg.Buffer,
		diff:    cfg.Differencer,
		timing:  cfg.Timing,
		params:  cfg.Params,
		clock:   cfg.Clock,
		tick:    cfg.TickInterval,
		minSize: cfg.MinFrameSize,
		onCycle: cfg.OnCycle,
		onTrans: cfg.OnTransition,
	}
	if r.buffer == nil {
		r.buffer = framepair.NewBuffer(0, 0)
	}
	if r.timing == nil {
		r.timing = delay.NewTiming(delay.DefaultBaseline, delay.DefaultMargin)
	}
	if r.params == nil {
		r.params = NewTunables(DefaultParams())
	}
	if r.clock == nil {
		r.clock = timeutil.RealClock{}
	}
	if r.tick <= 0 {
		r.tick = DefaultTickInterval
	}
	if r.minSize <= 0 {
		r.minSize = framepair.DefaultMinFrameSize
	}
	if r.oneWay == nil {
		r.oneWay = func() (time.Duration, bool) { return 0, false }
	}
	r.status.Mode = r.mode.String()
	r.status.Phase = r.currentPhase().String()
	return r, nil
}

// Run ticks until ctx is cancelled. The loop modes switch the light off on
// exit.
func (r *Runner) Run(ctx context.Context) error {
	ticker := r.clock.NewTicker(r.tick)
	defer ticker.Stop()

	r.setRunning(true)
	defer r.setRunning(false)
	monitoring.Logf("Sync controller running: mode=%s tick=%v", r.mode, r.tick)

	for {
		select {
		case <-ctx.Done():
			if r.mode != ModeEdge {
				if err := r.link.Send(command.Off()); err != nil {
					monitoring.Logf("Final OFF failed: %v", err)
				}
			}
			return ctx.Err()
		case now := <-ticker.C():
			r.Tick(ctx, now)
		}
	}
}

// Tick runs one iteration. Nothing advances when the source has no usable
// frame.
func (r *Runner) Tick(ctx context.Context, now time.Time) {
	img, ok := r.source.Current()
	if !ok || !framepair.Ready(img, r.minSize) {
		r.mu.Lock()
		r.status.SkippedTicks++
		r.mu.Unlock()
		return
	}

	if !r.buffer.Matches(img) {
		b := img.Bounds()
		r.buffer.Reallocate(b.Dx(), b.Dy())
		r.resetCycle()
		r.mu.Lock()
		r.status.Resizes++
		r.status.FrameWidth, r.status.FrameHeight = b.Dx(), b.Dy()
		r.mu.Unlock()
		monitoring.Logf("Frame size changed to %dx%d; buffers reallocated", b.Dx(), b.Dy())
	}

	var dt time.Duration
	if !r.lastTick.IsZero() {
		dt = now.Sub(r.lastTick)
	}
	r.lastTick = now

	params := r.params.Load()
	if r.mode == ModeEdge {
		r.tickEdge(now, img, params)
	} else {
		r.tickLoop(now, dt, img, params)
	}

	if pair, ok := r.buffer.Consume(); ok {
		r.mu.Lock()
		r.status.Pairs++
		r.mu.Unlock()
		if r.diff != nil {
			if err := r.diff.Difference(ctx, pair, params.Threshold); err != nil {
				monitoring.Logf("Differencing failed: %v", err)
			}
		}
	}

	r.mu.Lock()
	r.status.Ticks++
	r.status.LastTick = now
	r.status.Phase = r.currentPhase().String()
	r.mu.Unlock()
}

func (r *Runner) tickLoop(now time.Time, dt time.Duration, img image.Image, params Params) {
	step := StepOpenLoop
	if r.mode == ModeClosedLoop {
		step = StepClosedLoop
	}
	in := Inputs{
		Elapsed:        dt,
		TotalWait:      r.timing.Load().Total,
		ExposureMargin: params.ExposureMargin,
		AckTimeout:     params.AckTimeout,
	}

	for i := 0; i < maxStepsPerTick; i++ {
		if kind, ok := r.state.Phase.awaitedAck(); ok {
			in.Acked = r.pollAck(kind)
		}
		prev := r.state.Phase
		next, eff := step(r.state, in)
		r.apply(now, img, eff, in, next.Fallback || r.state.Fallback)
		r.state = next
		if prev != next.Phase && r.onTrans != nil {
			r.onTrans(prev, next.Phase)
		}
		if !next.Phase.instant() {
			return
		}
		in.Elapsed = 0
		in.Acked = false
	}
}

func (r *Runner) tickEdge(now time.Time, img image.Image, params Params) {
	edge, have := r.edges.LastEdge()
	oneWay, ok := r.oneWay()
	if !ok {
		oneWay = 0
	}
	prev := r.edge
	next, eff := StepEdge(r.edge, EdgeInputs{
		Now:               now,
		Edge:              edge,
		HaveEdge:          have,
		OneWay:            oneWay,
		PhaseCompensation: params.PhaseCompensation,
	})
	r.edge = next
	if prev.Seen && !prev.Captured && !next.Edge.Same(prev.Edge) {
		r.mu.Lock()
		r.status.MissedEdges++
		first := r.status.MissedEdges == 1
		r.mu.Unlock()
		if first {
			monitoring.Logf("Edge %d superseded before capture; half period shorter than one-way %v + compensation %v?",
				prev.Edge.Seq, oneWay, params.PhaseCompensation)
		}
	}
	if eff.Capture {
		r.capture(eff.Slot, img, now)
	}
}

// apply performs a step's effects: capture before send.
func (r *Runner) apply(now time.Time, img image.Image, eff Effects, in Inputs, fallback bool) {
	if eff.AckTimedOut {
		r.mu.Lock()
		r.status.AckTimeouts++
		r.mu.Unlock()
		monitoring.Logf("No ACK within %v; proceeding on estimated delay %v",
			max(in.AckTimeout, in.TotalWait), in.TotalWait)
	}
	if eff.Capture {
		r.capture(eff.Slot, img, now)
		if eff.Slot == framepair.SlotOn {
			r.onAt = now
		}
	}
	if eff.CycleDone {
		r.completeCycle(now, in.TotalWait, fallback)
	}
	if eff.Send != command.Unknown {
		if eff.Send == command.LightOn {
			r.cycleStart = now
		}
		if r.mode == ModeClosedLoop {
			r.discardAcks()
		}
		// The cycle continues after a failed send; the ack wait or delay
		// budget bounds the damage.
		if err := r.link.Send(command.Light(eff.Send == command.LightOn)); err != nil {
			r.mu.Lock()
			r.status.SendFailures++
			r.mu.Unlock()
		}
	}
}

func (r *Runner) capture(slot framepair.Slot, img image.Image, now time.Time) {
	if err := r.buffer.Write(slot, img, now); err != nil {
		monitoring.Logf("Capture %s failed: %v", slot, err)
		return
	}
	r.mu.Lock()
	r.status.Captures++
	r.mu.Unlock()
}

func (r *Runner) completeCycle(now time.Time, totalWait time.Duration, fallback bool) {
	r.mu.Lock()
	r.status.Cycles++
	seq := r.status.Cycles
	r.mu.Unlock()

	c := Cycle{
		Seq:       seq,
		Mode:      r.mode.String(),
		Started:   r.cycleStart,
		OnAt:      r.onAt,
		OffAt:     now,
		Fallback:  fallback,
		TotalWait: totalWait,
	}
	if !r.cycleStart.IsZero() {
		c.Duration = now.Sub(r.cycleStart)
	}
	if r.onCycle != nil {
		r.onCycle(c)
	}
}

// pollAck drains queued acks and reports whether one resolves kind. Acks
// for the other command are stale duplicates and are discarded.
func (r *Runner) pollAck(kind command.Kind) bool {
	for {
		reply, ok := r.link.TryReceive(command.ReplyAck)
		if !ok {
			return false
		}
		if reply.Acknowledges(kind) {
			return true
		}
		r.mu.Lock()
		r.status.StaleAcks++
		r.mu.Unlock()
	}
}

// discardAcks drops acks left over from the previous command (duplicate
// replies to a redundant send) so they cannot resolve the next wait.
func (r *Runner) discardAcks() {
	n := 0
	for {
		if _, ok := r.link.TryReceive(command.ReplyAck); !ok {
			break
		}
		n++
	}
	if n > 0 {
		r.mu.Lock()
		r.status.StaleAcks += uint64(n)
		r.mu.Unlock()
	}
}

// resetCycle restarts the loop cycle and re-arms edge capture.
func (r *Runner) resetCycle() {
	r.state = State{Phase: PhaseSendOn}
	r.edge = EdgeState{}
	r.cycleStart = time.Time{}
	r.onAt = time.Time{}
}

func (r *Runner) currentPhase() Phase {
	if r.mode == ModeEdge {
		return PhaseTracking
	}
	return r.state.Phase
}

func (r *Runner) setRunning(v bool) {
	r.mu.Lock()
	r.status.Running = v
	r.mu.Unlock()
}

// Status returns a snapshot of the counters.
func (r *Runner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Mode returns the controller mode.
func (r *Runner) Mode() Mode { return r.mode }

// Buffer returns the frame pair buffer.
func (r *Runner) Buffer() *framepair.Buffer { return r.buffer }
