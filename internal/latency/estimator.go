// Package latency measures the round trip to the light controller with PING
// probes and maintains the one-way baseline used by the delay policy.
package latency

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/flashsync/internal/command"
	"github.com/banshee-data/flashsync/internal/delay"
	"github.com/banshee-data/flashsync/internal/monitoring"
	"github.com/banshee-data/flashsync/internal/timeutil"
)

var (
	// ErrMeasureInProgress rejects a probe while a batch is running.
	ErrMeasureInProgress = errors.New("latency measurement already in progress")
	// ErrNoSamples reports a batch in which every probe timed out. The
	// baseline is left unchanged.
	ErrNoSamples = errors.New("no probe received a reply")
	// ErrTimeout reports a single probe that received no reply.
	ErrTimeout = errors.New("probe timed out")
)

const (
	DefaultBatchSize    = 5
	DefaultProbeTimeout = 200 * time.Millisecond
	historySize         = 32
)

// Link is the part of the command channel used for probing.
type Link interface {
	Send(cmd command.Command) error
	ReceiveWithTimeout(ctx context.Context, kind command.ReplyKind, d time.Duration) (command.Reply, error)
	Drain(kind command.ReplyKind) int
}

// Config configures an Estimator.
type Config struct {
	Link   Link
	Timing *delay.Timing
	Clock  timeutil.Clock

	// ProbeTimeout bounds the wait for each pong.
	ProbeTimeout time.Duration

	// ProbeIDs tags each probe "PING <n>" and accepts only the matching pong.
	// Without ids, stale pongs are drained before each probe.
	ProbeIDs bool

	// OnResult observes every completed batch, successful or not.
	OnResult func(Result)
}

// Result describes one probe batch.
type Result struct {
	At        time.Time       `json:"at"`
	Attempts  int             `json:"attempts"`
	Samples   []time.Duration `json:"samples"`
	MeanRTT   time.Duration   `json:"mean_rtt"`
	StdDevRTT time.Duration   `json:"stddev_rtt"`
	// Baseline is the new one-way estimate; zero when no probe succeeded.
	Baseline time.Duration  `json:"baseline"`
	Timing   delay.Snapshot `json:"timing"`
}

// Successes is the number of probes that received a reply.
func (r Result) Successes() int { return len(r.Samples) }

// Status is the display-facing state of the estimator.
type Status struct {
	LastRTT   time.Duration `json:"last_rtt"`
	TimedOut  bool          `json:"timed_out"`
	HasSample bool          `json:"has_sample"`
	Pings     uint64        `json:"pings"`
	Measuring bool          `json:"measuring"`
}

// Estimator runs latency probes over a Link.
type Estimator struct {
	link    Link
	timing  *delay.Timing
	clock   timeutil.Clock
	timeout time.Duration
	ids     bool
	notify  func(Result)

	// batchMu admits one batch at a time. probeMu is held for a whole batch
	// and for each display ping, so that probes never interleave on the
	// shared pong queue. A batch waits for an in-flight display ping.
	batchMu sync.Mutex
	probeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint32
	status  Status
	history []Result
}

// New creates an Estimator.
func New(cfg Config) *Estimator {
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	timeout := cfg.ProbeTimeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	timing := cfg.Timing
	if timing == nil {
		timing = delay.NewTiming(delay.DefaultBaseline, delay.DefaultMargin)
	}
	return &Estimator{
		link:    cfg.Link,
		timing:  timing,
		clock:   clock,
		timeout: timeout,
		ids:     cfg.ProbeIDs,
		notify:  cfg.OnResult,
	}
}

// Measure sends batchSize probes one after another and, if at least one is
// answered, sets the baseline to half the mean round trip. A batch already in
// progress causes ErrMeasureInProgress; a display ping in flight is waited
// for.
func (e *Estimator) Measure(ctx context.Context, batchSize int) (Result, error) {
	if !e.batchMu.TryLock() {
		return Result{}, ErrMeasureInProgress
	}
	defer e.batchMu.Unlock()
	e.setMeasuring(true)
	e.probeMu.Lock()
	defer e.probeMu.Unlock()
	return e.measure(ctx, batchSize)
}

// MeasureAsync starts a batch on its own goroutine and returns at once. It
// fails with ErrMeasureInProgress if a batch is already running.
func (e *Estimator) MeasureAsync(ctx context.Context, batchSize int) error {
	if !e.batchMu.TryLock() {
		return ErrMeasureInProgress
	}
	e.setMeasuring(true)
	go func() {
		defer e.batchMu.Unlock()
		e.probeMu.Lock()
		defer e.probeMu.Unlock()
		if _, err := e.measure(ctx, batchSize); err != nil && ctx.Err() == nil && !errors.Is(err, ErrNoSamples) {
			monitoring.Logf("Background latency measurement failed: %v", err)
		}
	}()
	return nil
}

// measure runs one batch. Callers hold probeMu.
func (e *Estimator) measure(ctx context.Context, batchSize int) (Result, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	e.setMeasuring(true)
	defer e.setMeasuring(false)

	res := Result{At: e.clock.Now(), Attempts: batchSize}
	for i := 1; i <= batchSize; i++ {
		rtt, err := e.probe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			monitoring.Logf("Ping %d: timeout", i)
			continue
		}
		monitoring.Logf("Ping %d: %.1fms", i, ms(rtt))
		res.Samples = append(res.Samples, rtt)
	}

	if len(res.Samples) == 0 {
		res.Timing = e.timing.Load()
		monitoring.Logf("Latency measurement failed: 0/%d probes answered, keeping baseline %.1fms",
			batchSize, ms(res.Timing.Baseline))
		e.record(res)
		return res, ErrNoSamples
	}

	xs := make([]float64, len(res.Samples))
	for i, s := range res.Samples {
		xs[i] = float64(s)
	}
	mean, std := stat.MeanStdDev(xs, nil)
	if len(xs) < 2 {
		std = 0
	}
	res.MeanRTT = time.Duration(mean)
	res.StdDevRTT = time.Duration(std)
	res.Baseline = time.Duration(mean / 2)
	res.Timing = e.timing.SetBaseline(res.Baseline)

	// Edge mode reads OneWay, which must agree with the new baseline.
	e.mu.Lock()
	e.status.LastRTT = res.MeanRTT
	e.status.TimedOut = false
	e.status.HasSample = true
	e.mu.Unlock()

	monitoring.Logf("Latency: %d/%d probes, mean RTT %.2fms, one-way %.2fms, total wait %.1fms",
		len(res.Samples), batchSize, ms(res.MeanRTT), ms(res.Baseline), ms(res.Timing.Total))
	e.record(res)
	return res, nil
}

// PingOnce sends a single display-only probe. It updates the last RTT and
// timed-out flag but never the baseline. It is skipped while a batch runs or
// waits to run.
func (e *Estimator) PingOnce(ctx context.Context) (time.Duration, error) {
	if !e.probeMu.TryLock() {
		return 0, ErrMeasureInProgress
	}
	defer e.probeMu.Unlock()
	if e.Status().Measuring {
		return 0, ErrMeasureInProgress
	}
	return e.probe(ctx)
}

// RunDisplayPings calls PingOnce at hz until ctx is cancelled.
func (e *Estimator) RunDisplayPings(ctx context.Context, hz float64) {
	if hz <= 0 {
		return
	}
	ticker := e.clock.NewTicker(time.Duration(float64(time.Second) / hz))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if _, err := e.PingOnce(ctx); err != nil && !errors.Is(err, ErrMeasureInProgress) && ctx.Err() == nil {
				monitoring.Logf("Display ping: %v", err)
			}
		}
	}
}

// probe sends one PING and waits for its PONG. Callers hold probeMu.
func (e *Estimator) probe(ctx context.Context) (time.Duration, error) {
	var id uint32
	if e.ids {
		e.mu.Lock()
		e.nextID++
		id = e.nextID
		e.mu.Unlock()
	} else if n := e.link.Drain(command.ReplyPong); n > 0 {
		monitoring.Logf("Discarded %d stale pong(s)", n)
	}

	start := e.clock.Now()
	if err := e.link.Send(command.Probe(id)); err != nil {
		e.observe(0, false)
		return 0, fmt.Errorf("send probe: %w", err)
	}

	for {
		remaining := e.timeout - e.clock.Since(start)
		if remaining <= 0 {
			e.observe(0, false)
			return 0, ErrTimeout
		}
		reply, err := e.link.ReceiveWithTimeout(ctx, command.ReplyPong, remaining)
		if err != nil {
			e.observe(0, false)
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			return 0, ErrTimeout
		}
		if e.ids && reply.ID != id {
			continue
		}
		rtt := e.clock.Since(start)
		e.observe(rtt, true)
		return rtt, nil
	}
}

func (e *Estimator) observe(rtt time.Duration, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status.Pings++
	e.status.TimedOut = !ok
	if ok {
		e.status.LastRTT = rtt
		e.status.HasSample = true
	}
}

func (e *Estimator) setMeasuring(v bool) {
	e.mu.Lock()
	e.status.Measuring = v
	e.mu.Unlock()
}

func (e *Estimator) record(res Result) {
	e.mu.Lock()
	e.history = append(e.history, res)
	if len(e.history) > historySize {
		e.history = e.history[len(e.history)-historySize:]
	}
	e.mu.Unlock()
	if e.notify != nil {
		e.notify(res)
	}
}

// OneWay returns half the last observed round trip and whether it is usable:
// at least one probe has succeeded and the most recent one did not time out.
func (e *Estimator) OneWay() (time.Duration, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.status.HasSample || e.status.TimedOut {
		return 0, false
	}
	return e.status.LastRTT / 2, true
}

// Status returns the display state.
func (e *Estimator) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// History returns the most recent batch results, oldest first.
func (e *Estimator) History() []Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Result(nil), e.history...)
}

// Timing returns the delay policy the estimator updates.
func (e *Estimator) Timing() *delay.Timing { return e.timing }

func ms(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }
