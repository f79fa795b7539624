// Package serialmux carries the light controller's control protocol over a
// serial line instead of UDP. Each control message is one newline-terminated
// line; a single scanner goroutine reads lines and fans them out to the
// transport reader and to any debugging subscribers.
package serialmux

import (
	"bufio"
	"bytes"
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/banshee-data/flashsync/internal/monitoring"
)

var ErrWriteFailed = errors.New("failed to write to serial port")

const lineQueue = 32

// Link is a network.Transport over a serial port.
type Link[T SerialPorter] struct {
	port T
	name string

	lines chan string
	done  chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once

	subscriberMu sync.Mutex
	subscribers  map[string]chan string
}

// NewLink wraps an open port and starts reading lines from it.
func NewLink[T SerialPorter](port T, name string) *Link[T] {
	l := &Link[T]{
		port:        port,
		name:        name,
		lines:       make(chan string, lineQueue),
		done:        make(chan struct{}),
		subscribers: make(map[string]chan string),
	}
	go l.scan()
	return l
}

// scan reads lines until the port fails or the link is closed.
func (l *Link[T]) scan() {
	defer close(l.lines)
	scan := bufio.NewScanner(l.port)
	for scan.Scan() {
		line := string(bytes.TrimSpace(scan.Bytes()))
		if line == "" {
			continue
		}
		l.publish(line)
		select {
		case l.lines <- line:
		case <-l.done:
			return
		default:
			monitoring.Logf("serial %s: reader behind, dropping %q", l.name, line)
		}
	}
	if err := scan.Err(); err != nil {
		select {
		case <-l.done:
		default:
			monitoring.Logf("serial %s: read failed: %v", l.name, err)
		}
	}
}

// WritePacket writes p as one line.
func (l *Link[T]) WritePacket(p []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	line := p
	if !bytes.HasSuffix(line, []byte("\n")) {
		line = append(append([]byte(nil), p...), '\n')
	}
	n, err := l.port.Write(line)
	if err != nil {
		return err
	}
	if n != len(line) {
		return ErrWriteFailed
	}
	return nil
}

// ReadPacket returns the next line. It returns os.ErrDeadlineExceeded when
// deadline passes and io.EOF once the port has been closed or failed.
func (l *Link[T]) ReadPacket(p []byte, deadline time.Time) (int, error) {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case line, ok := <-l.lines:
		if !ok {
			return 0, io.EOF
		}
		return copy(p, line), nil
	case <-l.done:
		return 0, io.EOF
	case <-timer.C:
		return 0, os.ErrDeadlineExceeded
	}
}

// Close closes the port and every subscriber.
func (l *Link[T]) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.port.Close()

		l.subscriberMu.Lock()
		for id, ch := range l.subscribers {
			close(ch)
			delete(l.subscribers, id)
		}
		l.subscriberMu.Unlock()
	})
	return err
}

func (l *Link[T]) String() string { return "serial://" + l.name }

// randomID generates a random subscriber ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe returns a channel receiving a copy of every line read. Slow
// subscribers miss lines rather than stall the reader.
func (l *Link[T]) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string, lineQueue)
	l.subscriberMu.Lock()
	defer l.subscriberMu.Unlock()
	l.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes and closes a subscriber.
func (l *Link[T]) Unsubscribe(id string) {
	l.subscriberMu.Lock()
	defer l.subscriberMu.Unlock()
	if ch, ok := l.subscribers[id]; ok {
		close(ch)
		delete(l.subscribers, id)
	}
}

func (l *Link[T]) publish(line string) {
	l.subscriberMu.Lock()
	defer l.subscriberMu.Unlock()
	for _, ch := range l.subscribers {
		select {
		case ch <- line:
		default:
		}
	}
}
