package serialmux

import (
	"bytes"
	"errors"
	"sync"
)

var errPortClosed = errors.New("serial port closed")

// TestableSerialPort implements SerialPorter for tests. Reads block until
// data is added with AddReadData or the port is closed.
type TestableSerialPort struct {
	mu       sync.Mutex
	readCond *sync.Cond

	readBuf  bytes.Buffer
	writeBuf bytes.Buffer
	closed   bool

	// WriteError is returned by the next Write call if set.
	WriteError error
	// ShortWrite makes Write report one byte fewer than requested.
	ShortWrite bool
}

// NewTestableSerialPort creates an open TestableSerialPort.
func NewTestableSerialPort() *TestableSerialPort {
	p := &TestableSerialPort{}
	p.readCond = sync.NewCond(&p.mu)
	return p
}

func (p *TestableSerialPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for !p.closed && p.readBuf.Len() == 0 {
		p.readCond.Wait()
	}
	if p.closed {
		return 0, errPortClosed
	}
	return p.readBuf.Read(b)
}

func (p *TestableSerialPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, errPortClosed
	}
	if p.WriteError != nil {
		err := p.WriteError
		p.WriteError = nil
		return 0, err
	}
	p.writeBuf.Write(b)
	if p.ShortWrite {
		return len(b) - 1, nil
	}
	return len(b), nil
}

// Close marks the port closed and wakes blocked readers.
func (p *TestableSerialPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.readCond.Broadcast()
	return nil
}

// AddReadData queues data for subsequent reads.
func (p *TestableSerialPort) AddReadData(data string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readBuf.WriteString(data)
	p.readCond.Broadcast()
}

// Written returns everything written so far.
func (p *TestableSerialPort) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writeBuf.String()
}
