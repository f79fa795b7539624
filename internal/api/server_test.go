package api

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/flashsync/internal/delay"
	"github.com/banshee-data/flashsync/internal/framepair"
	"github.com/banshee-data/flashsync/internal/latency"
	"github.com/banshee-data/flashsync/internal/monitoring"
	"github.com/banshee-data/flashsync/internal/network"
	"github.com/banshee-data/flashsync/internal/syncctl"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	os.Exit(m.Run())
}

type fakeEstimator struct {
	mu      sync.Mutex
	status  latency.Status
	history []latency.Result
	busy    bool
	started []int
}

func (f *fakeEstimator) Status() latency.Status { return f.status }

func (f *fakeEstimator) History() []latency.Result { return f.history }

func (f *fakeEstimator) MeasureAsync(_ context.Context, n int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.busy {
		return latency.ErrMeasureInProgress
	}
	f.busy = true
	f.started = append(f.started, n)
	return nil
}

type fakeController struct{ st syncctl.Status }

func (f fakeController) Status() syncctl.Status { return f.st }

type fakeChannel struct{ st network.Stats }

func (f fakeChannel) Stats() network.Stats { return f.st }

func newTestServer(t *testing.T) (*Server, *fakeEstimator, *framepair.Buffer) {
	t.Helper()
	est := &fakeEstimator{status: latency.Status{LastRTT: 19 * time.Millisecond, HasSample: true, Pings: 5}}
	buf := framepair.NewBuffer(64, 48)
	s := NewServer(Config{
		Mode:       "closed",
		Endpoint:   "udp://192.168.4.1:4210",
		Timing:     delay.NewTiming(10*time.Millisecond, 40*time.Millisecond),
		Params:     syncctl.NewTunables(syncctl.DefaultParams()),
		Controller: fakeController{st: syncctl.Status{Mode: "closed", Phase: "WaitAckOn", Cycles: 7}},
		Estimator:  est,
		Channel:    fakeChannel{st: network.Stats{Sent: 12, Acks: 10}},
		Buffer:     buf,
		BatchSize:  5,
	})
	return s, est, buf
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	r.RemoteAddr = "127.0.0.1:40000"
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestStatus(t *testing.T) {
	s, _, _ := newTestServer(t)
	w := do(t, s.Handler(), http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, w.Code)

	var got StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.True(t, got.Enabled)
	assert.Equal(t, "closed", got.Mode)
	assert.Equal(t, TimingStatus{BaselineMs: 10, SafetyMarginMs: 40, TotalWaitMs: 50}, got.Timing)
	require.NotNil(t, got.Latency)
	assert.Equal(t, 19.0, got.Latency.LastRTTMs)
	require.NotNil(t, got.Channel)
	assert.Equal(t, uint64(12), got.Channel.Sent)
	require.NotNil(t, got.Controller)
	assert.Equal(t, "WaitAckOn", got.Controller.Phase)
	assert.Equal(t, "250ms", got.Tuning.AckTimeout)
	assert.Contains(t, got.Version, "flashsync")

	w = do(t, s.Handler(), http.MethodPost, "/api/status", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestStatus_Disabled(t *testing.T) {
	s := NewServer(Config{Mode: "open", DisabledReason: "resolve esp_address: no such host"})
	w := do(t, s.Handler(), http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, w.Code)

	var got StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.False(t, got.Enabled)
	assert.Equal(t, "resolve esp_address: no such host", got.DisabledReason)
	assert.Nil(t, got.Controller)
	assert.Equal(t, 60.0, got.Timing.TotalWaitMs)

	w = do(t, s.Handler(), http.MethodPost, "/api/remeasure", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	w = do(t, s.Handler(), http.MethodGet, "/api/frames/on.png", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTuning(t *testing.T) {
	s, _, _ := newTestServer(t)

	w := do(t, s.Handler(), http.MethodPost, "/api/tuning",
		`{"safety_margin_ms": 80, "exposure_margin_ms": 20, "threshold": 0.9, "ack_timeout": "400ms"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var got TuningStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, TuningStatus{
		SafetyMarginMs:      80,
		ExposureMarginMs:    20,
		PhaseCompensationMs: 40,
		Threshold:           syncctl.MaxThreshold,
		AckTimeout:          "400ms",
	}, got)

	assert.Equal(t, 90*time.Millisecond, s.cfg.Timing.Load().Total)
	assert.Equal(t, 20*time.Millisecond, s.cfg.Params.Load().ExposureMargin)

	// Margins beyond the control range are clamped.
	w = do(t, s.Handler(), http.MethodPost, "/api/tuning", `{"safety_margin_ms": 900}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, delay.MaxMargin, s.cfg.Timing.Load().Margin)

	w = do(t, s.Handler(), http.MethodGet, "/api/tuning", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"safety_margin_ms":200`)

	w = do(t, s.Handler(), http.MethodPost, "/api/tuning", `{"safety_margin_ms": -50}`)
	require.Equal(t, http.StatusOK, w.Code)
	snap := s.cfg.Timing.Load()
	assert.Equal(t, time.Duration(0), snap.Margin)
	assert.Equal(t, 10*time.Millisecond, snap.Total)
}

func TestTuning_BadRequests(t *testing.T) {
	s, _, _ := newTestServer(t)
	before := s.cfg.Params.Load()

	for name, body := range map[string]string{
		"malformed":     `{"safety_margin_ms":`,
		"unknown field": `{"esp_port": 1}`,
		"bad duration":  `{"ack_timeout": "later", "exposure_margin_ms": 5}`,
	} {
		t.Run(name, func(t *testing.T) {
			w := do(t, s.Handler(), http.MethodPost, "/api/tuning", body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
	assert.Equal(t, before, s.cfg.Params.Load())

	w := do(t, s.Handler(), http.MethodDelete, "/api/tuning", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestRemeasure(t *testing.T) {
	s, est, _ := newTestServer(t)

	w := do(t, s.Handler(), http.MethodPost, "/api/remeasure", "")
	assert.Equal(t, http.StatusAccepted, w.Code)

	w = do(t, s.Handler(), http.MethodPost, "/api/remeasure", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	est.busy = false
	w = do(t, s.Handler(), http.MethodPost, "/api/remeasure?n=9", "")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []int{5, 9}, est.started)

	w = do(t, s.Handler(), http.MethodPost, "/api/remeasure?n=0", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = do(t, s.Handler(), http.MethodGet, "/api/remeasure", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func solid(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func TestFrames(t *testing.T) {
	s, _, buf := newTestServer(t)

	w := do(t, s.Handler(), http.MethodGet, "/api/frames/on.png", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	white := color.RGBA{255, 255, 255, 255}
	require.NoError(t, buf.Write(framepair.SlotOn, solid(64, 48, white), time.Unix(10, 0)))

	w = do(t, s.Handler(), http.MethodGet, "/api/frames/on.png", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	img, err := png.Decode(bytes.NewReader(w.Body.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 64, 48), img.Bounds())
	r, g, b, _ := img.At(3, 3).RGBA()
	assert.Equal(t, []uint32{0xffff, 0xffff, 0xffff}, []uint32{r, g, b})

	w = do(t, s.Handler(), http.MethodGet, "/api/frames/off.png", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRTTChart(t *testing.T) {
	s, est, _ := newTestServer(t)
	ms := time.Millisecond
	est.history = []latency.Result{{
		Samples: []time.Duration{18 * ms, 22 * ms},
		Timing:  delay.Snapshot{Baseline: 10 * ms, Margin: 40 * ms, Total: 50 * ms},
	}}

	w := do(t, s.Handler(), http.MethodGet, "/debug/rtt", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, w.Body.String(), "Probe round trips")
}

func TestStartShutsDownOnCancel(t *testing.T) {
	s := NewServer(Config{Address: "127.0.0.1:0"})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestLoggingMiddleware(t *testing.T) {
	rec := &monitoring.Recorder{}
	monitoring.SetLogger(rec.Logf)
	defer monitoring.SetLogger(nil)

	s, _, _ := newTestServer(t)
	h := LoggingMiddleware(s.Handler())
	do(t, h, http.MethodGet, "/api/status", "")
	do(t, h, http.MethodGet, "/api/frames/on.png", "") // 404 is logged

	lines := rec.Lines()
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "/api/status")
	assert.Contains(t, lines[1], "404")
}

func TestCameraIngest(t *testing.T) {
	s, _, _ := newTestServer(t)
	w := do(t, s.Handler(), http.MethodPost, "/api/camera/frame", "x")
	assert.Equal(t, http.StatusNotFound, w.Code, "upload disabled without an ingest source")

	ingest := &framepair.Latest{}
	s = NewServer(Config{Ingest: ingest})

	var body bytes.Buffer
	require.NoError(t, png.Encode(&body, solid(20, 10, color.RGBA{0, 0, 0, 255})))
	w = do(t, s.Handler(), http.MethodPost, "/api/camera/frame", body.String())
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "png", resp["format"])
	assert.Equal(t, float64(20), resp["width"])

	img, ok := ingest.Current()
	require.True(t, ok)
	assert.Equal(t, image.Rect(0, 0, 20, 10), img.Bounds())

	w = do(t, s.Handler(), http.MethodPost, "/api/camera/frame", "not an image")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = do(t, s.Handler(), http.MethodGet, "/api/camera/frame", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
