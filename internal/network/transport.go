package network

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/banshee-data/flashsync/internal/monitoring"
)

// Transport moves whole control messages to and from the remote light
// controller. UDPTransport is the primary implementation; a serial line
// transport lives in the serialmux package.
type Transport interface {
	// WritePacket sends one message.
	WritePacket(p []byte) error

	// ReadPacket blocks until a message arrives or deadline passes. A
	// deadline expiry returns an error for which IsTimeout reports true.
	ReadPacket(p []byte, deadline time.Time) (int, error)

	Close() error

	// String names the remote endpoint for logs.
	String() string
}

// IsTimeout reports whether err is a read deadline expiry.
func IsTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// UDPConfig configures a UDPTransport.
type UDPConfig struct {
	// Remote is the controller endpoint, host:port. It is resolved once.
	Remote string
	// Local is the bind address; empty binds an ephemeral port.
	Local string
	// RcvBuf sets the socket receive buffer when non-zero.
	RcvBuf int
	// Factory creates the socket; nil uses RealUDPSocketFactory.
	Factory UDPSocketFactory
}

// UDPTransport sends datagrams to a fixed endpoint from one local socket and
// accepts replies only from the endpoint's host.
type UDPTransport struct {
	sock    UDPSocket
	remote  *net.UDPAddr
	foreign atomic.Uint64
}

// NewUDPTransport resolves the remote endpoint and binds the local socket.
func NewUDPTransport(cfg UDPConfig) (*UDPTransport, error) {
	remote, err := net.ResolveUDPAddr("udp", cfg.Remote)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve remote address %q: %w", cfg.Remote, err)
	}
	if remote.Port == 0 {
		return nil, fmt.Errorf("remote address %q has no port", cfg.Remote)
	}

	var local *net.UDPAddr
	if cfg.Local != "" {
		if local, err = net.ResolveUDPAddr("udp", cfg.Local); err != nil {
			return nil, fmt.Errorf("failed to resolve local address %q: %w", cfg.Local, err)
		}
	}

	factory := cfg.Factory
	if factory == nil {
		factory = RealUDPSocketFactory{}
	}
	sock, err := factory.ListenUDP("udp", local)
	if err != nil {
		return nil, fmt.Errorf("failed to open UDP socket: %w", err)
	}
	if cfg.RcvBuf > 0 {
		if err := sock.SetReadBuffer(cfg.RcvBuf); err != nil {
			monitoring.Logf("Warning: failed to set UDP receive buffer to %d: %v", cfg.RcvBuf, err)
		}
	}
	return &UDPTransport{sock: sock, remote: remote}, nil
}

// WritePacket sends p to the remote endpoint.
func (t *UDPTransport) WritePacket(p []byte) error {
	_, err := t.sock.WriteToUDP(p, t.remote)
	return err
}

// ReadPacket returns the next datagram from the remote host. Datagrams from
// other hosts are counted and skipped.
func (t *UDPTransport) ReadPacket(p []byte, deadline time.Time) (int, error) {
	if err := t.sock.SetReadDeadline(deadline); err != nil {
		return 0, err
	}
	for {
		n, addr, err := t.sock.ReadFromUDP(p)
		if err != nil {
			return 0, err
		}
		if addr != nil && !t.remote.IP.IsUnspecified() && !addr.IP.Equal(t.remote.IP) {
			t.foreign.Add(1)
			continue
		}
		return n, nil
	}
}

// Foreign returns how many datagrams arrived from hosts other than the remote.
func (t *UDPTransport) Foreign() uint64 { return t.foreign.Load() }

// LocalAddr returns the bound socket address.
func (t *UDPTransport) LocalAddr() net.Addr { return t.sock.LocalAddr() }

func (t *UDPTransport) Close() error { return t.sock.Close() }

func (t *UDPTransport) String() string { return "udp://" + t.remote.String() }
