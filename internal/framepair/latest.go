package framepair

import (
	"image"
	"sync"
	"time"
)

// Latest is a Source fed by an external camera process. Each Put replaces
// the previous frame.
type Latest struct {
	mu     sync.Mutex
	img    image.Image
	at     time.Time
	frames uint64
}

// Put publishes img as the current frame.
func (l *Latest) Put(img image.Image, at time.Time) {
	l.mu.Lock()
	l.img, l.at = img, at
	l.frames++
	l.mu.Unlock()
}

// Current implements Source.
func (l *Latest) Current() (image.Image, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.img, l.img != nil
}

// Received returns the number of frames put and the time of the last one.
func (l *Latest) Received() (uint64, time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.frames, l.at
}
