package network

import (
	"net"
	"sync"
	"time"
)

// UDPSocket defines the socket operations used by UDPTransport.
// This abstraction enables unit testing without real network connections.
type UDPSocket interface {
	// ReadFromUDP reads a datagram from the socket.
	ReadFromUDP(b []byte) (n int, addr *net.UDPAddr, err error)

	// WriteToUDP sends a datagram to addr.
	WriteToUDP(b []byte, addr *net.UDPAddr) (int, error)

	// SetReadBuffer sets the size of the operating system's receive buffer.
	SetReadBuffer(bytes int) error

	// SetReadDeadline sets the deadline for future Read calls.
	SetReadDeadline(t time.Time) error

	// Close closes the socket.
	Close() error

	// LocalAddr returns the local network address.
	LocalAddr() net.Addr
}

// UDPSocketFactory creates UDP sockets.
type UDPSocketFactory interface {
	ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error)
}

// RealUDPSocketFactory implements UDPSocketFactory using net.ListenUDP.
// *net.UDPConn satisfies UDPSocket directly.
type RealUDPSocketFactory struct{}

// ListenUDP opens a UDP socket bound to laddr.
func (RealUDPSocketFactory) ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error) {
	conn, err := net.ListenUDP(network, laddr)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// MockUDPPacket is a datagram queued on a MockUDPSocket.
type MockUDPPacket struct {
	Data []byte
	Addr *net.UDPAddr
}

// MockUDPSocket implements UDPSocket for testing. Inbound datagrams are queued
// with Deliver; outbound datagrams are recorded and returned by Written.
type MockUDPSocket struct {
	mu           sync.Mutex
	inbox        chan MockUDPPacket
	written      []MockUDPPacket
	deadline     time.Time
	closed       chan struct{}
	closeOnce    sync.Once
	LocalAddress *net.UDPAddr

	// WriteError is returned by every WriteToUDP call while set.
	WriteError error
}

// NewMockUDPSocket creates a MockUDPSocket with room for 64 queued datagrams.
func NewMockUDPSocket() *MockUDPSocket {
	return &MockUDPSocket{
		inbox:  make(chan MockUDPPacket, 64),
		closed: make(chan struct{}),
		LocalAddress: &net.UDPAddr{
			IP:   net.ParseIP("127.0.0.1"),
			Port: 4211,
		},
	}
}

// Deliver queues a datagram to be returned by ReadFromUDP.
func (m *MockUDPSocket) Deliver(data string, from *net.UDPAddr) {
	m.inbox <- MockUDPPacket{Data: []byte(data), Addr: from}
}

// Written returns every datagram written so far.
func (m *MockUDPSocket) Written() []MockUDPPacket {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockUDPPacket(nil), m.written...)
}

// ReadFromUDP returns the next queued datagram, or a timeout error once the
// read deadline passes.
func (m *MockUDPSocket) ReadFromUDP(b []byte) (int, *net.UDPAddr, error) {
	m.mu.Lock()
	deadline := m.deadline
	m.mu.Unlock()

	var expired <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-m.closed:
		return 0, nil, net.ErrClosed
	case pkt := <-m.inbox:
		return copy(b, pkt.Data), pkt.Addr, nil
	case <-expired:
		return 0, nil, &net.OpError{Op: "read", Net: "udp", Err: &timeoutError{}}
	}
}

// WriteToUDP records the datagram.
func (m *MockUDPSocket) WriteToUDP(b []byte, addr *net.UDPAddr) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.WriteError != nil {
		return 0, m.WriteError
	}
	m.written = append(m.written, MockUDPPacket{Data: append([]byte(nil), b...), Addr: addr})
	return len(b), nil
}

func (m *MockUDPSocket) SetReadBuffer(int) error { return nil }

// SetReadDeadline records the deadline applied to the next read.
func (m *MockUDPSocket) SetReadDeadline(t time.Time) error {
	m.mu.Lock()
	m.deadline = t
	m.mu.Unlock()
	return nil
}

// Close unblocks pending reads.
func (m *MockUDPSocket) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

func (m *MockUDPSocket) LocalAddr() net.Addr { return m.LocalAddress }

// MockUDPSocketFactory returns a fixed socket and records the bind address.
type MockUDPSocketFactory struct {
	Socket    *MockUDPSocket
	Error     error
	BoundAddr *net.UDPAddr
}

// ListenUDP returns the configured mock socket.
func (f *MockUDPSocketFactory) ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error) {
	f.BoundAddr = laddr
	if f.Error != nil {
		return nil, f.Error
	}
	return f.Socket, nil
}

// timeoutError implements net.Error for timeout simulation.
type timeoutError struct{}

func (e *timeoutError) Error() string   { return "i/o timeout" }
func (e *timeoutError) Timeout() bool   { return true }
func (e *timeoutError) Temporary() bool { return true }
