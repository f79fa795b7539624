package simulator

import (
	"image"
	"math/rand/v2"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/banshee-data/flashsync/internal/timeutil"
)

// CameraConfig configures a synthetic camera.
type CameraConfig struct {
	Width, Height int
	// Light reports the scene illumination at a given time.
	Light func(time.Time) bool
	Clock timeutil.Clock
	// Latency is how old the scene in the newest frame is.
	Latency time.Duration

	// Ambient is the grey level of the unlit scene; Gain is added inside
	// the lit target while the light is on.
	Ambient uint8
	Gain    uint8
	// Noise is the standard deviation of a per-frame brightness flicker.
	Noise float64
	Seed  uint64
}

// Camera is a framepair.Source whose frames show a bright rectangle while
// the simulated light is on.
type Camera struct {
	cfg    CameraConfig
	target image.Rectangle

	mu      sync.Mutex
	flicker distuv.Normal
	width   int
	height  int
	frames  uint64
}

// NewCamera returns a camera producing cfg.Width x cfg.Height frames.
func NewCamera(cfg CameraConfig) *Camera {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.Light == nil {
		cfg.Light = func(time.Time) bool { return false }
	}
	if cfg.Ambient == 0 && cfg.Gain == 0 {
		cfg.Ambient, cfg.Gain = 40, 160
	}
	c := &Camera{
		cfg:     cfg,
		flicker: distuv.Normal{Mu: 0, Sigma: max(cfg.Noise, 0), Src: rand.NewPCG(cfg.Seed, cfg.Seed+1)},
	}
	c.resize(cfg.Width, cfg.Height)
	return c
}

func (c *Camera) resize(w, h int) {
	c.width, c.height = w, h
	c.target = image.Rect(w/4, h/4, 3*w/4, 3*h/4)
}

// Resize changes the frame size from the next frame on.
func (c *Camera) Resize(w, h int) {
	c.mu.Lock()
	c.resize(w, h)
	c.mu.Unlock()
}

// Current renders the scene as it was Latency ago. A zero-sized camera has
// no frame.
func (c *Camera) Current() (image.Image, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.width <= 0 || c.height <= 0 {
		return nil, false
	}
	lit := c.cfg.Light(c.cfg.Clock.Now().Add(-c.cfg.Latency))

	var offset float64
	if c.cfg.Noise > 0 {
		offset = c.flicker.Rand()
	}
	bg := clampByte(float64(c.cfg.Ambient) + offset)
	fg := bg
	if lit {
		fg = clampByte(float64(c.cfg.Ambient) + float64(c.cfg.Gain) + offset)
	}

	img := image.NewRGBA(image.Rect(0, 0, c.width, c.height))
	for y := 0; y < c.height; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+4*c.width]
		for x := 0; x < c.width; x++ {
			v := bg
			if image.Pt(x, y).In(c.target) {
				v = fg
			}
			row[4*x], row[4*x+1], row[4*x+2], row[4*x+3] = v, v, v, 0xff
		}
	}
	c.frames++
	return img, true
}

// Frames returns how many frames have been rendered.
func (c *Camera) Frames() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames
}

func clampByte(v float64) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 255:
		return 255
	}
	return uint8(v + 0.5)
}
