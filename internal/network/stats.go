package network

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/banshee-data/flashsync/internal/monitoring"
)

// Stats is a point-in-time copy of the channel counters.
type Stats struct {
	Sent       uint64 `json:"sent"`
	SendErrors uint64 `json:"send_errors"`
	Dropped    uint64 `json:"dropped"`
	Received   uint64 `json:"received"`
	Acks       uint64 `json:"acks"`
	Pongs      uint64 `json:"pongs"`
	Unknown    uint64 `json:"unknown"`
	Overflow   uint64 `json:"overflow"`
	ReadErrors uint64 `json:"read_errors"`
}

type counters struct {
	sent, sendErrors, dropped      atomic.Uint64
	received, acks, pongs, unknown atomic.Uint64
	overflow, readErrors           atomic.Uint64
}

// Stats returns the current counters.
func (c *Channel) Stats() Stats {
	return Stats{
		Sent:       c.stats.sent.Load(),
		SendErrors: c.stats.sendErrors.Load(),
		Dropped:    c.stats.dropped.Load(),
		Received:   c.stats.received.Load(),
		Acks:       c.stats.acks.Load(),
		Pongs:      c.stats.pongs.Load(),
		Unknown:    c.stats.unknown.Load(),
		Overflow:   c.stats.overflow.Load(),
		ReadErrors: c.stats.readErrors.Load(),
	}
}

// LogStats writes one summary line.
func (c *Channel) LogStats() {
	s := c.Stats()
	monitoring.Logf("[channel] %s sent=%d send_errors=%d dropped=%d received=%d acks=%d pongs=%d unknown=%d overflow=%d",
		c.transport, s.Sent, s.SendErrors, s.Dropped, s.Received, s.Acks, s.Pongs, s.Unknown, s.Overflow)
}

// RunStatsLogging logs a summary every interval until ctx is cancelled.
func (c *Channel) RunStatsLogging(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.LogStats()
		}
	}
}
