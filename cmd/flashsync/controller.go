package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/banshee-data/flashsync/internal/blink"
	"github.com/banshee-data/flashsync/internal/config"
	"github.com/banshee-data/flashsync/internal/delay"
	"github.com/banshee-data/flashsync/internal/framepair"
	"github.com/banshee-data/flashsync/internal/latency"
	"github.com/banshee-data/flashsync/internal/network"
	"github.com/banshee-data/flashsync/internal/serialmux"
	"github.com/banshee-data/flashsync/internal/simulator"
	"github.com/banshee-data/flashsync/internal/store"
	"github.com/banshee-data/flashsync/internal/syncctl"
	"github.com/banshee-data/flashsync/internal/version"
)

const statsInterval = time.Minute

type controllerOptions struct {
	cfg    *config.SyncConfig
	timing *delay.Timing
	params *syncctl.Tunables
	db     *store.Store

	dev           bool
	serialPort    string
	baudRate      int
	firmwareBlink bool
}

// controller owns the command channel and everything that shares it.
type controller struct {
	opts controllerOptions
	mode syncctl.Mode

	transport network.Transport
	channel   *network.Channel
	estimator *latency.Estimator
	runner    *syncctl.Runner
	recorder  *store.CycleRecorder

	// driver is set in edge mode with local blinking; schedule replaces it
	// when the controller blinks on its own.
	driver   *blink.Driver
	schedule *blink.Schedule

	remote *simulator.Remote
	ingest *framepair.Latest

	adminRoutes []func(*http.ServeMux)
}

func newController(ctx context.Context, opts controllerOptions) (*controller, error) {
	cfg := opts.cfg
	mode, err := syncctl.ParseMode(cfg.GetMode())
	if err != nil {
		return nil, err
	}
	c := &controller{opts: opts, mode: mode}

	endpoint := cfg.Endpoint()
	if opts.dev {
		c.remote, err = simulator.NewRemote(simulator.RemoteConfig{
			Listen:     "127.0.0.1:0",
			Latency:    8 * time.Millisecond,
			Jitter:     2 * time.Millisecond,
			Actuation:  5 * time.Millisecond,
			TaggedAcks: true,
			Seed:       uint64(time.Now().UnixNano()),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to start simulator: %w", err)
		}
		endpoint = c.remote.Addr().String()
	}

	transportName := "udp"
	if opts.serialPort != "" && !opts.dev {
		link, err := serialmux.OpenLink(opts.serialPort, serialmux.PortOptions{BaudRate: opts.baudRate})
		if err != nil {
			return nil, fmt.Errorf("failed to open serial port: %w", err)
		}
		c.transport = link
		c.adminRoutes = append(c.adminRoutes, link.AttachAdminRoutes)
		transportName = "serial"
	} else {
		udp, err := network.NewUDPTransport(network.UDPConfig{Remote: endpoint})
		if err != nil {
			c.closeRemote()
			return nil, err
		}
		c.transport = udp
	}

	c.channel, err = network.NewChannel(network.ChannelConfig{
		Transport:  c.transport,
		Redundancy: cfg.GetRedundancy(),
	})
	if err != nil {
		c.close()
		return nil, err
	}
	c.adminRoutes = append(c.adminRoutes, c.channel.AttachAdminRoutes)

	session, err := opts.db.StartSession(ctx, store.Session{
		Mode:      mode.String(),
		Endpoint:  c.channel.Endpoint(),
		Transport: transportName,
		Version:   version.Version,
	})
	if err != nil {
		c.close()
		return nil, fmt.Errorf("failed to start session: %w", err)
	}
	log.Printf("Session %s: mode=%s endpoint=%s", session.ID, mode, c.channel.Endpoint())
	c.recorder = opts.db.NewCycleRecorder(session.ID, 0)

	c.estimator = latency.New(latency.Config{
		Link:         c.channel,
		Timing:       opts.timing,
		ProbeTimeout: cfg.GetProbeTimeout(),
		ProbeIDs:     cfg.GetProbeIDs(),
		OnResult: func(res latency.Result) {
			err := opts.db.RecordCalibration(context.Background(), store.Calibration{
				SessionID:  session.ID,
				MeasuredAt: res.At,
				Attempts:   res.Attempts,
				Samples:    res.Samples,
				MeanRTT:    res.MeanRTT,
				StdDevRTT:  res.StdDevRTT,
				Baseline:   res.Baseline,
				TotalWait:  res.Timing.Total,
			})
			if err != nil {
				log.Printf("failed to record calibration: %v", err)
			}
		},
	})

	var source framepair.Source
	if opts.dev {
		source = simulator.NewCamera(simulator.CameraConfig{
			Width:   320,
			Height:  240,
			Light:   c.remote.LightAt,
			Latency: 15 * time.Millisecond,
			Noise:   2,
		})
	} else {
		c.ingest = &framepair.Latest{}
		source = c.ingest
	}

	var edges syncctl.EdgeSource
	if mode == syncctl.ModeEdge {
		if opts.firmwareBlink {
			sched, err := blink.Remote{Sender: c.channel}.Begin(nil, cfg.GetHalfPeriod(), cfg.GetBlinkStartOn())
			if err != nil {
				c.close()
				return nil, fmt.Errorf("failed to start firmware blinking: %w", err)
			}
			c.schedule = &sched
			edges = sched
		} else {
			c.driver = blink.NewDriver(blink.DriverConfig{
				Sender:     c.channel,
				HalfPeriod: cfg.GetHalfPeriod(),
				StartOn:    cfg.GetBlinkStartOn(),
			})
			edges = c.driver
		}
	}

	c.runner, err = syncctl.NewRunner(syncctl.Config{
		Mode:         mode,
		Link:         c.channel,
		Edges:        edges,
		OneWay:       c.estimator.OneWay,
		Source:       source,
		Differencer:  &simulator.LumaDifferencer{},
		Timing:       opts.timing,
		Params:       opts.params,
		TickInterval: cfg.GetTickInterval(),
		MinFrameSize: cfg.GetMinFrameSize(),
		OnCycle: func(cy syncctl.Cycle) {
			c.recorder.Add(store.Cycle{
				Seq:       cy.Seq,
				Mode:      cy.Mode,
				StartedAt: cy.Started,
				OnAt:      cy.OnAt,
				OffAt:     cy.OffAt,
				Duration:  cy.Duration,
				TotalWait: cy.TotalWait,
				Fallback:  cy.Fallback,
			})
		},
	})
	if err != nil {
		c.close()
		return nil, err
	}
	return c, nil
}

// start launches the controller goroutines. Startup calibration runs before
// the tick loop.
func (c *controller) start(ctx context.Context, wg *sync.WaitGroup) {
	cfg := c.opts.cfg

	if c.remote != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.remote.Run(ctx); err != nil {
				log.Printf("simulator stopped: %v", err)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := c.channel.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("command channel stopped: %v", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.channel.RunStatsLogging(ctx, statsInterval)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.recorder.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if cfg.GetAutoMeasureOnStart() {
			logCalibration(c.estimator.Measure(ctx, cfg.GetProbeBatchSize()))
		}
		if ctx.Err() != nil {
			return
		}

		var loops sync.WaitGroup
		loops.Add(1)
		go func() {
			defer loops.Done()
			c.estimator.RunDisplayPings(ctx, cfg.GetDisplayPingHz())
		}()
		if c.driver != nil {
			loops.Add(1)
			go func() {
				defer loops.Done()
				c.driver.Run(ctx)
			}()
		}
		if spec := cfg.GetRemeasureSchedule(); spec != "" {
			loops.Add(1)
			go func() {
				defer loops.Done()
				c.runSchedule(ctx, spec)
			}()
		}

		if err := c.runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("sync controller stopped: %v", err)
		}
		loops.Wait()
		if c.schedule != nil {
			if err := (blink.Remote{Sender: c.channel}).Stop(); err != nil {
				log.Printf("failed to stop firmware blinking: %v", err)
			}
		}
	}()
}

// runSchedule triggers background re-measurement on a cron schedule until
// ctx is cancelled. A tick that finds a batch running is skipped.
func (c *controller) runSchedule(ctx context.Context, spec string) {
	sched := cron.New()
	_, err := sched.AddFunc(spec, func() {
		err := c.estimator.MeasureAsync(ctx, c.opts.cfg.GetProbeBatchSize())
		if errors.Is(err, latency.ErrMeasureInProgress) {
			log.Printf("Scheduled re-measure skipped: %v", err)
		}
	})
	if err != nil {
		log.Printf("Invalid remeasure schedule %q: %v", spec, err)
		return
	}
	log.Printf("Re-measuring latency on schedule %q", spec)
	sched.Start()
	<-ctx.Done()
	<-sched.Stop().Done()
}

func (c *controller) closeRemote() {
	if c.remote != nil {
		c.remote.Close()
	}
}

// close releases the transport and simulator. It is safe on a partly built
// controller.
func (c *controller) close() {
	if c.channel != nil {
		c.channel.Close()
	} else if c.transport != nil {
		c.transport.Close()
	}
	c.closeRemote()
	if c.recorder != nil {
		written, dropped, failed := c.recorder.Counts()
		log.Printf("Cycles recorded: %d written, %d dropped, %d failed", written, dropped, failed)
	}
}
