package store

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/flashsync/internal/monitoring"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	os.Exit(m.Run())
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "flashsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_MigratesToLatest(t *testing.T) {
	s := openTestStore(t)

	version, dirty, err := s.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	assert.False(t, dirty)

	// Re-running is a no-op.
	require.NoError(t, s.MigrateUp())

	var journal string
	require.NoError(t, s.QueryRow("PRAGMA journal_mode").Scan(&journal))
	assert.Equal(t, "wal", journal)
}

func TestSessions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	t0 := time.UnixMicro(1_700_000_000_000_000)

	a, err := s.StartSession(ctx, Session{Mode: "open", Endpoint: "192.168.4.1:4210", StartedAt: t0})
	require.NoError(t, err)
	b, err := s.StartSession(ctx, Session{Mode: "closed", Endpoint: "serial:///dev/ttyUSB0", Transport: "serial", StartedAt: t0.Add(time.Minute)})
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Len(t, a.ID, 36)
	assert.Equal(t, "udp", a.Transport)

	got, err := s.Sessions(ctx, 10)
	require.NoError(t, err)
	if diff := cmp.Diff([]Session{b, a}, got); diff != "" {
		t.Errorf("Sessions mismatch (-want +got):\n%s", diff)
	}
}

func TestCalibrations(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sess, err := s.StartSession(ctx, Session{Mode: "open", Endpoint: "x:1"})
	require.NoError(t, err)

	t0 := time.UnixMicro(1_700_000_000_000_000)
	ms := time.Millisecond
	var want []Calibration
	for i := 0; i < 3; i++ {
		c := Calibration{
			SessionID:  sess.ID,
			MeasuredAt: t0.Add(time.Duration(i) * time.Minute),
			Attempts:   5,
			Samples:    []time.Duration{18 * ms, 22 * ms, 20 * ms, 19 * ms},
			MeanRTT:    19750 * time.Microsecond,
			StdDevRTT:  1708 * time.Microsecond,
			Baseline:   9875 * time.Microsecond,
			TotalWait:  49875 * time.Microsecond,
		}
		require.NoError(t, s.RecordCalibration(ctx, c))
		want = append(want, c)
	}

	got, err := s.RecentCalibrations(ctx, sess.ID, 2)
	require.NoError(t, err)
	if diff := cmp.Diff(want[1:], got); diff != "" {
		t.Errorf("RecentCalibrations mismatch (-want +got):\n%s", diff)
	}

	all, err := s.RecentCalibrations(ctx, "", 100)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	err = s.RecordCalibration(ctx, Calibration{SessionID: "missing", MeasuredAt: t0})
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestCycles(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sess, err := s.StartSession(ctx, Session{Mode: "closed", Endpoint: "x:1"})
	require.NoError(t, err)

	t0 := time.UnixMicro(1_700_000_000_000_000)
	for i, d := range []time.Duration{100, 120, 140} {
		require.NoError(t, s.RecordCycle(ctx, Cycle{
			SessionID: sess.ID,
			Seq:       uint64(i + 1),
			Mode:      "closed",
			StartedAt: t0,
			OnAt:      t0.Add(50 * time.Millisecond),
			OffAt:     t0.Add(d * time.Millisecond),
			Duration:  d * time.Millisecond,
			TotalWait: 60 * time.Millisecond,
			Fallback:  i == 2,
		}))
	}

	sum, err := s.SummariseCycles(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, CycleSummary{Cycles: 3, Fallbacks: 1, MeanDuration: 120 * time.Millisecond}, sum)

	empty, err := s.SummariseCycles(ctx, "none")
	require.NoError(t, err)
	assert.Equal(t, CycleSummary{}, empty)
}

func TestCycleRecorder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sess, err := s.StartSession(ctx, Session{Mode: "open", Endpoint: "x:1"})
	require.NoError(t, err)

	rec := s.NewCycleRecorder(sess.ID, 4)
	for i := 1; i <= 6; i++ {
		rec.Add(Cycle{Seq: uint64(i), Mode: "open", OffAt: time.Now(), Duration: 100 * time.Millisecond})
	}

	runCtx, cancel := context.WithCancel(ctx)
	cancel()
	rec.Run(runCtx) // flushes the queue and returns

	written, dropped, failed := rec.Counts()
	assert.Equal(t, uint64(4), written)
	assert.Equal(t, uint64(2), dropped)
	assert.Equal(t, uint64(0), failed)

	sum, err := s.SummariseCycles(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, sum.Cycles)
}

func TestAttachAdminRoutes(t *testing.T) {
	s := openTestStore(t)
	_, err := s.StartSession(context.Background(), Session{Mode: "edge", Endpoint: "x:1"})
	require.NoError(t, err)

	mux := http.NewServeMux()
	require.NoError(t, s.AttachAdminRoutes(mux))

	for _, path := range []string{"/debug/tailsql/", "/debug/sessions"} {
		t.Run(path, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, path, nil)
			req.RemoteAddr = "127.0.0.1:12345"
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, req)
			assert.NotEqual(t, http.StatusNotFound, w.Code)
		})
	}

	req := httptest.NewRequest(http.MethodGet, "/debug/sessions", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"mode":"edge"`)
}
