// Package framepair holds the on/off frame pair handed from the
// synchronisation controller to the differencing stage.
package framepair

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"sync"
	"time"
)

// DefaultMinFrameSize is the smallest frame edge accepted for capture.
const DefaultMinFrameSize = 32

var ErrSizeMismatch = errors.New("frame size does not match buffer")

// Slot selects the on or off frame.
type Slot int

const (
	SlotOn Slot = iota
	SlotOff
)

func (s Slot) String() string {
	if s == SlotOn {
		return "on"
	}
	return "off"
}

// SlotFor returns the slot captured while the light is in state on.
func SlotFor(on bool) Slot {
	if on {
		return SlotOn
	}
	return SlotOff
}

// Source yields the most recent camera frame. ok is false until the source
// has produced a frame.
type Source interface {
	Current() (img image.Image, ok bool)
}

// Differencer consumes a completed pair.
type Differencer interface {
	Difference(ctx context.Context, pair Pair, threshold float64) error
}

// Pair is a completed on/off capture.
type Pair struct {
	On, Off     *image.RGBA
	OnAt, OffAt time.Time
}

// Ready reports whether img is large enough to capture.
func Ready(img image.Image, minSize int) bool {
	if img == nil {
		return false
	}
	b := img.Bounds()
	return b.Dx() >= minSize && b.Dy() >= minSize
}

// Buffer owns the two capture slots. A slot is valid once written and stays
// valid until Reallocate or Reset; it is fresh from its write until the pair
// is consumed.
type Buffer struct {
	mu      sync.Mutex
	width   int
	height  int
	frames  [2]*image.RGBA
	at      [2]time.Time
	valid   [2]bool
	fresh   [2]bool
	written [2]uint64
}

// NewBuffer allocates both slots at w×h.
func NewBuffer(w, h int) *Buffer {
	b := &Buffer{}
	b.Reallocate(w, h)
	return b
}

// Size returns the slot dimensions.
func (b *Buffer) Size() (w, h int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.width, b.height
}

// Matches reports whether img has the slot dimensions.
func (b *Buffer) Matches(img image.Image) bool {
	w, h := b.Size()
	r := img.Bounds()
	return r.Dx() == w && r.Dy() == h
}

// Reallocate resizes both slots and invalidates them.
func (b *Buffer) Reallocate(w, h int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.width, b.height = w, h
	for i := range b.frames {
		b.frames[i] = image.NewRGBA(image.Rect(0, 0, w, h))
	}
	b.clear()
}

// Reset invalidates both slots without reallocating.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clear()
}

func (b *Buffer) clear() {
	b.valid = [2]bool{}
	b.fresh = [2]bool{}
	b.at = [2]time.Time{}
}

// Write copies img into slot. The image must match the slot dimensions.
func (b *Buffer) Write(slot Slot, img image.Image, at time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	r := img.Bounds()
	if r.Dx() != b.width || r.Dy() != b.height {
		return fmt.Errorf("%w: got %dx%d, want %dx%d", ErrSizeMismatch, r.Dx(), r.Dy(), b.width, b.height)
	}
	dst := b.frames[slot]
	draw.Draw(dst, dst.Bounds(), img, r.Min, draw.Src)
	b.at[slot] = at
	b.valid[slot] = true
	b.fresh[slot] = true
	b.written[slot]++
	return nil
}

// IsPairReady reports whether both slots were written since the last Consume.
func (b *Buffer) IsPairReady() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fresh[SlotOn] && b.fresh[SlotOff]
}

// Consume returns copies of a ready pair and clears the fresh flags. The
// slots stay valid for Latest.
func (b *Buffer) Consume() (Pair, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.fresh[SlotOn] || !b.fresh[SlotOff] {
		return Pair{}, false
	}
	b.fresh = [2]bool{}
	return Pair{
		On:    cloneRGBA(b.frames[SlotOn]),
		Off:   cloneRGBA(b.frames[SlotOff]),
		OnAt:  b.at[SlotOn],
		OffAt: b.at[SlotOff],
	}, true
}

// Latest returns a copy of slot if it holds a valid frame.
func (b *Buffer) Latest(slot Slot) (*image.RGBA, time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.valid[slot] {
		return nil, time.Time{}, false
	}
	return cloneRGBA(b.frames[slot]), b.at[slot], true
}

// Writes returns how many times each slot has been written.
func (b *Buffer) Writes() (on, off uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.written[SlotOn], b.written[SlotOff]
}

func cloneRGBA(src *image.RGBA) *image.RGBA {
	dst := image.NewRGBA(src.Rect)
	copy(dst.Pix, src.Pix)
	return dst
}
