package simulator

import (
	"context"
	"image"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/flashsync/internal/delay"
	"github.com/banshee-data/flashsync/internal/framepair"
	"github.com/banshee-data/flashsync/internal/latency"
	"github.com/banshee-data/flashsync/internal/monitoring"
	"github.com/banshee-data/flashsync/internal/network"
	"github.com/banshee-data/flashsync/internal/timeutil"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	os.Exit(m.Run())
}

func startRemote(t *testing.T, cfg RemoteConfig) *Remote {
	t.Helper()
	cfg.Listen = "127.0.0.1:0"
	r, err := NewRemote(cfg)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
	return r
}

type client struct {
	t      *testing.T
	conn   *net.UDPConn
	remote *net.UDPAddr
}

func dial(t *testing.T, r *Remote) *client {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &client{t: t, conn: conn, remote: r.Addr()}
}

func (c *client) send(msg string) {
	_, err := c.conn.WriteToUDP([]byte(msg), c.remote)
	require.NoError(c.t, err)
}

// recv returns the next reply, or "" if none arrives within d.
func (c *client) recv(d time.Duration) string {
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(d)))
	buf := make([]byte, 256)
	n, _, err := c.conn.ReadFromUDP(buf)
	if err != nil {
		return ""
	}
	return string(buf[:n])
}

func TestRemote_Replies(t *testing.T) {
	tests := []struct {
		name string
		cfg  RemoteConfig
		send string
		want string
	}{
		{"bare ack", RemoteConfig{}, "ON", "ACK"},
		{"tagged ack", RemoteConfig{TaggedAcks: true}, "OFF", "ACK OFF"},
		{"pong", RemoteConfig{}, "PING", "PONG"},
		{"pong with id", RemoteConfig{}, "PING 42", "PONG 42"},
		{"echo", RemoteConfig{EchoPing: true}, "PING 7", "PING 7"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := startRemote(t, tt.cfg)
			c := dial(t, r)
			c.send(tt.send)
			assert.Equal(t, tt.want, c.recv(time.Second))
		})
	}
}

func TestRemote_SilentCommands(t *testing.T) {
	r := startRemote(t, RemoteConfig{})
	c := dial(t, r)

	c.send("START 33333 1")
	c.send("STOP")
	c.send("HELLO")
	assert.Equal(t, "", c.recv(100*time.Millisecond))

	require.Eventually(t, func() bool { return r.Stats().Received == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1), r.Stats().Invalid)
	assert.Equal(t, uint64(0), r.Stats().Replied)
}

func TestRemote_Latency(t *testing.T) {
	r := startRemote(t, RemoteConfig{Latency: 30 * time.Millisecond})
	c := dial(t, r)

	start := time.Now()
	c.send("PING")
	require.Equal(t, "PONG", c.recv(time.Second))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestRemote_Loss(t *testing.T) {
	r := startRemote(t, RemoteConfig{Loss: 1})
	c := dial(t, r)
	c.send("PING")
	assert.Equal(t, "", c.recv(100*time.Millisecond))
	assert.Equal(t, uint64(1), r.Stats().Lost)

	_, err := NewRemote(RemoteConfig{Listen: "127.0.0.1:0", Loss: 1.5})
	assert.Error(t, err)
}

func mockRemote(t *testing.T, cfg RemoteConfig) (*Remote, *network.MockUDPSocket) {
	t.Helper()
	sock := network.NewMockUDPSocket()
	cfg.Listen = "127.0.0.1:4210"
	cfg.Factory = &network.MockUDPSocketFactory{Socket: sock}
	r, err := NewRemote(cfg)
	require.NoError(t, err)
	return r, sock
}

func TestRemote_LightState(t *testing.T) {
	r, sock := mockRemote(t, RemoteConfig{Actuation: 10 * time.Millisecond, TaggedAcks: true})
	t0 := time.Unix(100, 0)
	ms := time.Millisecond

	from := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5000}
	r.handle(t0, []byte("ON"), from)
	assert.False(t, r.LightAt(t0.Add(5*ms)))
	assert.True(t, r.LightAt(t0.Add(10*ms)))

	r.handle(t0.Add(50*ms), []byte("OFF"), from)
	assert.True(t, r.LightAt(t0.Add(55*ms)))
	assert.False(t, r.LightAt(t0.Add(60*ms)))

	written := sock.Written()
	require.Len(t, written, 2)
	assert.Equal(t, "ACK ON", string(written[0].Data))
	assert.Equal(t, "ACK OFF", string(written[1].Data))
	assert.Equal(t, from, written[1].Addr)
}

func TestRemote_Blink(t *testing.T) {
	r, sock := mockRemote(t, RemoteConfig{})
	t0 := time.Unix(100, 0)
	ms := time.Millisecond

	r.handle(t0, []byte("START 10000 1"), nil)
	require.True(t, r.Blinking())
	assert.True(t, r.LightAt(t0.Add(5*ms)))
	assert.False(t, r.LightAt(t0.Add(15*ms)))
	assert.True(t, r.LightAt(t0.Add(25*ms)))

	r.handle(t0.Add(40*ms), []byte("STOP"), nil)
	assert.False(t, r.Blinking())
	assert.False(t, r.LightAt(t0.Add(45*ms)))

	r.handle(t0.Add(50*ms), []byte("START 10000 0"), nil)
	assert.False(t, r.LightAt(t0.Add(55*ms)))
	assert.True(t, r.LightAt(t0.Add(65*ms)))
	assert.Empty(t, sock.Written(), "blink commands are not acknowledged")
}

func TestCamera(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(100, 0))
	lit := false
	cam := NewCamera(CameraConfig{
		Width: 64, Height: 48,
		Light: func(time.Time) bool { return lit },
		Clock: clock,
	})

	img, ok := cam.Current()
	require.True(t, ok)
	rgba := img.(*image.RGBA)
	assert.Equal(t, uint8(40), rgba.RGBAAt(32, 24).R)
	assert.Equal(t, uint8(40), rgba.RGBAAt(0, 0).R)

	lit = true
	img, _ = cam.Current()
	rgba = img.(*image.RGBA)
	assert.Equal(t, uint8(200), rgba.RGBAAt(32, 24).R, "target is lit")
	assert.Equal(t, uint8(40), rgba.RGBAAt(0, 0).R, "background is not")
	assert.Equal(t, uint64(2), cam.Frames())

	cam.Resize(0, 0)
	_, ok = cam.Current()
	assert.False(t, ok)
}

func TestCamera_Latency(t *testing.T) {
	t0 := time.Unix(100, 0)
	clock := timeutil.NewMockClock(t0)
	cam := NewCamera(CameraConfig{
		Width: 32, Height: 32,
		Light:   func(at time.Time) bool { return !at.Before(t0) },
		Clock:   clock,
		Latency: 20 * time.Millisecond,
	})

	img, _ := cam.Current()
	assert.Equal(t, uint8(40), img.(*image.RGBA).RGBAAt(16, 16).R)
	clock.Advance(20 * time.Millisecond)
	img, _ = cam.Current()
	assert.Equal(t, uint8(200), img.(*image.RGBA).RGBAAt(16, 16).R)
}

func TestLumaDifferencer(t *testing.T) {
	lit := true
	cam := NewCamera(CameraConfig{Width: 40, Height: 40, Light: func(time.Time) bool { return lit }})
	on, _ := cam.Current()
	lit = false
	off, _ := cam.Current()

	var seen []DiffResult
	d := &LumaDifferencer{OnResult: func(r DiffResult) { seen = append(seen, r) }}
	t0 := time.Unix(100, 0)
	err := d.Difference(context.Background(), framepair.Pair{
		On: on.(*image.RGBA), Off: off.(*image.RGBA),
		OnAt: t0, OffAt: t0.Add(100 * time.Millisecond),
	}, 0.05)
	require.NoError(t, err)

	res, n := d.Last()
	assert.Equal(t, uint64(1), n)
	assert.InDelta(t, 0.25, res.Lit, 1e-9)
	assert.InDelta(t, 0.25*160.0/255.0, res.MeanDiff, 1e-6)
	assert.Equal(t, 100*time.Millisecond, res.Skew)
	require.Len(t, seen, 1)

	small := image.NewRGBA(image.Rect(0, 0, 8, 8))
	err = d.Difference(context.Background(), framepair.Pair{On: on.(*image.RGBA), Off: small}, 0.05)
	assert.ErrorIs(t, err, framepair.ErrSizeMismatch)
}

// TestLoopback_Calibration runs a real probe batch against the simulator over
// loopback UDP.
func TestLoopback_Calibration(t *testing.T) {
	r := startRemote(t, RemoteConfig{Latency: 10 * time.Millisecond})

	tr, err := network.NewUDPTransport(network.UDPConfig{Remote: r.Addr().String(), Local: "127.0.0.1:0"})
	require.NoError(t, err)
	ch, err := network.NewChannel(network.ChannelConfig{Transport: tr, PollInterval: 20 * time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ch.Run(ctx) }()
	defer func() {
		cancel()
		<-done
		ch.Close()
	}()

	timing := delay.NewTiming(delay.DefaultBaseline, delay.DefaultMargin)
	est := latency.New(latency.Config{Link: ch, Timing: timing, ProbeIDs: true, ProbeTimeout: 500 * time.Millisecond})

	res, err := est.Measure(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Successes())
	assert.GreaterOrEqual(t, res.Baseline, 5*time.Millisecond)
	assert.Less(t, res.Baseline, 250*time.Millisecond)
	assert.Equal(t, res.Baseline, timing.Load().Baseline)

	// Redundant copies of each probe are answered too.
	require.Eventually(t, func() bool { return r.Stats().Replied >= 6 }, time.Second, 5*time.Millisecond)
}
