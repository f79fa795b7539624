// Command esp-sim runs the simulated light controller on a UDP port so the
// controller can be exercised without hardware.
package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/banshee-data/flashsync/internal/simulator"
)

var (
	listen     = flag.String("listen", "127.0.0.1:4210", "UDP listen address")
	latency    = flag.Duration("latency", 10*time.Millisecond, "Reply delay")
	jitter     = flag.Duration("jitter", 2*time.Millisecond, "Reply delay standard deviation")
	loss       = flag.Float64("loss", 0, "Probability of ignoring a datagram")
	actuation  = flag.Duration("actuation", 5*time.Millisecond, "Delay between a light command and the light changing")
	taggedAcks = flag.Bool("tagged-acks", true, "Answer ACK ON/ACK OFF instead of a bare ACK")
	echoPing   = flag.Bool("echo-ping", false, "Echo PING instead of answering PONG")
	seed       = flag.Uint64("seed", 1, "Random seed for jitter and loss")
	statsEvery = flag.Duration("stats", 10*time.Second, "Traffic summary interval")
)

func main() {
	flag.Parse()

	remote, err := simulator.NewRemote(simulator.RemoteConfig{
		Listen:     *listen,
		Latency:    *latency,
		Jitter:     *jitter,
		Loss:       *loss,
		Actuation:  *actuation,
		TaggedAcks: *taggedAcks,
		EchoPing:   *echoPing,
		Seed:       *seed,
	})
	if err != nil {
		log.Fatalf("failed to start simulator: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		ticker := time.NewTicker(*statsEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				st := remote.Stats()
				log.Printf("received=%d replied=%d lost=%d invalid=%d light=%v blinking=%v",
					st.Received, st.Replied, st.Lost, st.Invalid, remote.LightAt(time.Now()), remote.Blinking())
			}
		}
	}()

	if err := remote.Run(ctx); err != nil {
		log.Fatalf("simulator failed: %v", err)
	}
	log.Printf("simulator stopped")
}
