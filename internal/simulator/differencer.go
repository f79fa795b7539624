package simulator

import (
	"context"
	"image"
	"sync"
	"time"

	"github.com/banshee-data/flashsync/internal/framepair"
)

// DiffResult summarises one on/off pair.
type DiffResult struct {
	At time.Time `json:"at"`
	// MeanDiff is the mean of (on - off) luma over all pixels, in [-1, 1].
	MeanDiff float64 `json:"mean_diff"`
	// Lit is the fraction of pixels whose luma rose by more than the
	// threshold.
	Lit float64 `json:"lit"`
	// Skew is the time between the on and off captures.
	Skew time.Duration `json:"skew"`
}

// LumaDifferencer is a minimal framepair.Differencer that measures how much
// brighter the on frame is than the off frame.
type LumaDifferencer struct {
	// OnResult observes each result from the tick goroutine.
	OnResult func(DiffResult)

	mu    sync.Mutex
	last  DiffResult
	count uint64
}

// Difference implements framepair.Differencer.
func (d *LumaDifferencer) Difference(_ context.Context, pair framepair.Pair, threshold float64) error {
	if !pair.On.Bounds().Eq(pair.Off.Bounds()) {
		return framepair.ErrSizeMismatch
	}
	res := DiffResult{At: pair.OffAt, Skew: pair.OffAt.Sub(pair.OnAt)}
	b := pair.On.Bounds()
	n := b.Dx() * b.Dy()
	if n == 0 {
		return nil
	}

	var sum float64
	var lit int
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			diff := luma(pair.On, x, y) - luma(pair.Off, x, y)
			sum += diff
			if diff > threshold {
				lit++
			}
		}
	}
	res.MeanDiff = sum / float64(n)
	res.Lit = float64(lit) / float64(n)

	d.mu.Lock()
	d.last = res
	d.count++
	d.mu.Unlock()
	if d.OnResult != nil {
		d.OnResult(res)
	}
	return nil
}

// Last returns the most recent result and how many pairs have been
// processed.
func (d *LumaDifferencer) Last() (DiffResult, uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last, d.count
}

// luma returns Rec. 601 luma in [0, 1].
func luma(img *image.RGBA, x, y int) float64 {
	i := img.PixOffset(x, y)
	p := img.Pix[i : i+3 : i+3]
	return (0.299*float64(p[0]) + 0.587*float64(p[1]) + 0.114*float64(p[2])) / 255
}
