package health

import (
	"context"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/banshee-data/flashsync/internal/monitoring"
	"github.com/banshee-data/flashsync/internal/syncctl"
	"github.com/banshee-data/flashsync/internal/timeutil"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	os.Exit(m.Run())
}

type fakeProgress struct {
	mu sync.Mutex
	st syncctl.Status
}

func (f *fakeProgress) Status() syncctl.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.st
}

func (f *fakeProgress) tick(n uint64) {
	f.mu.Lock()
	f.st.Ticks += n
	f.mu.Unlock()
}

func TestEvaluate(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(100, 0))
	prog := &fakeProgress{st: syncctl.Status{Running: true}}
	s := New(Config{Controller: prog, Clock: clock})

	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, s.Check())

	prog.tick(90)
	clock.Advance(time.Second)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, s.Check())

	// No ticks for more than two seconds.
	clock.Advance(2100 * time.Millisecond)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, s.Check())

	prog.tick(1)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, s.Check())

	prog.mu.Lock()
	prog.st.Running = false
	prog.mu.Unlock()
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, s.Check())
}

func TestEvaluate_SkippedTicksAreProgress(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(100, 0))
	prog := &fakeProgress{st: syncctl.Status{Running: true}}
	s := New(Config{Controller: prog, Clock: clock})

	// The camera delivers nothing but the loop keeps ticking.
	for i := 0; i < 5; i++ {
		prog.mu.Lock()
		prog.st.SkippedTicks += 90
		prog.mu.Unlock()
		clock.Advance(time.Second)
		assert.Equal(t, healthpb.HealthCheckResponse_SERVING, s.Check(), "second %d", i)
	}

	clock.Advance(2100 * time.Millisecond)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, s.Check())
}

func TestEvaluate_Disabled(t *testing.T) {
	s := New(Config{})
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, s.Check())
}

func TestServe_OverBufconn(t *testing.T) {
	prog := &fakeProgress{st: syncctl.Status{Running: true}}
	s := New(Config{Controller: prog, CheckInterval: 10 * time.Millisecond})

	lis := bufconn.Listen(1 << 16)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	defer conn.Close()

	client := healthpb.NewHealthClient(conn)
	for _, service := range []string{"", ServiceName} {
		resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
		require.NoError(t, err)
		assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus(), service)
	}

	prog.mu.Lock()
	prog.st.Running = false
	prog.mu.Unlock()
	require.Eventually(t, func() bool {
		resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
		return err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_NOT_SERVING
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return")
	}
}
