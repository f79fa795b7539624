// Package api serves the controller's status and live tuning over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/flashsync/internal/delay"
	"github.com/banshee-data/flashsync/internal/framepair"
	"github.com/banshee-data/flashsync/internal/httputil"
	"github.com/banshee-data/flashsync/internal/latency"
	"github.com/banshee-data/flashsync/internal/monitoring"
	"github.com/banshee-data/flashsync/internal/network"
	"github.com/banshee-data/flashsync/internal/syncctl"
	"github.com/banshee-data/flashsync/internal/version"
)

// Controller reports the tick loop counters.
type Controller interface {
	Status() syncctl.Status
}

// Estimator is the latency estimator as seen by the API.
type Estimator interface {
	Status() latency.Status
	History() []latency.Result
	MeasureAsync(ctx context.Context, batchSize int) error
}

// ChannelStats reports command channel counters.
type ChannelStats interface {
	Stats() network.Stats
}

// Config wires the server to the running controller. Controller, Estimator,
// Channel and Buffer are nil when the controller is disabled.
type Config struct {
	Address  string
	Mode     string
	Endpoint string

	Timing     *delay.Timing
	Params     *syncctl.Tunables
	Controller Controller
	Estimator  Estimator
	Channel    ChannelStats
	Buffer     *framepair.Buffer
	// Ingest receives frames posted by an external camera process; nil
	// disables the upload route.
	Ingest *framepair.Latest

	// BatchSize is the number of probes per remeasure request.
	BatchSize int
	// DisabledReason explains why the controller is not running.
	DisabledReason string

	// AdminRoutes attach extra /debug/ handlers to the server mux.
	AdminRoutes []func(*http.ServeMux)
}

// Server is the HTTP interface.
type Server struct {
	cfg    Config
	server *http.Server
	mux    *http.ServeMux

	// ctx outlives individual requests; background batches started over
	// HTTP run under it.
	ctx context.Context
}

// NewServer builds the server and its routes.
func NewServer(cfg Config) *Server {
	if cfg.Timing == nil {
		cfg.Timing = delay.NewTiming(delay.DefaultBaseline, delay.DefaultMargin)
	}
	if cfg.Params == nil {
		cfg.Params = syncctl.NewTunables(syncctl.DefaultParams())
	}
	s := &Server{cfg: cfg, ctx: context.Background()}
	s.mux = s.setupRoutes()
	s.server = &http.Server{
		Addr:              cfg.Address,
		Handler:           LoggingMiddleware(s.mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the route mux without request logging.
func (s *Server) Handler() http.Handler { return s.mux }

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.ctx = ctx
	errCh := make(chan error, 1)
	go func() {
		monitoring.Logf("Starting HTTP server on %s", s.cfg.Address)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}
	monitoring.Logf("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		monitoring.Logf("HTTP server shutdown error: %v", err)
		if err := s.server.Close(); err != nil {
			monitoring.Logf("HTTP server force close error: %v", err)
		}
	}
	monitoring.Logf("HTTP server routine stopped")
	return nil
}

func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/tuning", s.handleTuning)
	mux.HandleFunc("/api/remeasure", s.handleRemeasure)
	mux.HandleFunc("/api/frames/on.png", s.handleFrame(framepair.SlotOn))
	mux.HandleFunc("/api/frames/off.png", s.handleFrame(framepair.SlotOff))
	mux.HandleFunc("/api/camera/frame", s.handleIngest)
	s.attachCharts(mux)
	for _, attach := range s.cfg.AdminRoutes {
		attach(mux)
	}
	return mux
}

func msf(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }

// TimingStatus is the delay policy in milliseconds.
type TimingStatus struct {
	BaselineMs     float64 `json:"baseline_ms"`
	SafetyMarginMs float64 `json:"safety_margin_ms"`
	TotalWaitMs    float64 `json:"total_wait_ms"`
}

// TuningStatus is the live-tunable parameter set.
type TuningStatus struct {
	SafetyMarginMs      float64 `json:"safety_margin_ms"`
	ExposureMarginMs    float64 `json:"exposure_margin_ms"`
	PhaseCompensationMs float64 `json:"phase_compensation_ms"`
	Threshold           float64 `json:"threshold"`
	AckTimeout          string  `json:"ack_timeout"`
}

// LatencyStatus is the estimator display state.
type LatencyStatus struct {
	LastRTTMs float64 `json:"last_rtt_ms"`
	HasSample bool    `json:"has_sample"`
	TimedOut  bool    `json:"timed_out"`
	Pings     uint64  `json:"pings"`
	Measuring bool    `json:"measuring"`
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Version        string          `json:"version"`
	Enabled        bool            `json:"enabled"`
	DisabledReason string          `json:"disabled_reason,omitempty"`
	Mode           string          `json:"mode"`
	Endpoint       string          `json:"endpoint,omitempty"`
	Timing         TimingStatus    `json:"timing"`
	Tuning         TuningStatus    `json:"tuning"`
	Latency        *LatencyStatus  `json:"latency,omitempty"`
	Channel        *network.Stats  `json:"channel,omitempty"`
	Controller     *syncctl.Status `json:"controller,omitempty"`
}

func (s *Server) tuning() TuningStatus {
	snap := s.cfg.Timing.Load()
	p := s.cfg.Params.Load()
	return TuningStatus{
		SafetyMarginMs:      msf(snap.Margin),
		ExposureMarginMs:    msf(p.ExposureMargin),
		PhaseCompensationMs: msf(p.PhaseCompensation),
		Threshold:           p.Threshold,
		AckTimeout:          p.AckTimeout.String(),
	}
}

func (s *Server) status() StatusResponse {
	snap := s.cfg.Timing.Load()
	resp := StatusResponse{
		Version:        version.String(),
		Enabled:        s.cfg.Controller != nil && s.cfg.DisabledReason == "",
		DisabledReason: s.cfg.DisabledReason,
		Mode:           s.cfg.Mode,
		Endpoint:       s.cfg.Endpoint,
		Timing: TimingStatus{
			BaselineMs:     msf(snap.Baseline),
			SafetyMarginMs: msf(snap.Margin),
			TotalWaitMs:    msf(snap.Total),
		},
		Tuning: s.tuning(),
	}
	if s.cfg.Estimator != nil {
		st := s.cfg.Estimator.Status()
		resp.Latency = &LatencyStatus{
			LastRTTMs: msf(st.LastRTT),
			HasSample: st.HasSample,
			TimedOut:  st.TimedOut,
			Pings:     st.Pings,
			Measuring: st.Measuring,
		}
	}
	if s.cfg.Channel != nil {
		st := s.cfg.Channel.Stats()
		resp.Channel = &st
	}
	if s.cfg.Controller != nil {
		st := s.cfg.Controller.Status()
		resp.Controller = &st
	}
	return resp
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, s.status())
}

// TuningRequest is the body of POST /api/tuning. Omitted fields are left
// unchanged; values outside their control range are clamped.
type TuningRequest struct {
	SafetyMarginMs      *float64 `json:"safety_margin_ms,omitempty"`
	ExposureMarginMs    *float64 `json:"exposure_margin_ms,omitempty"`
	PhaseCompensationMs *float64 `json:"phase_compensation_ms,omitempty"`
	Threshold           *float64 `json:"threshold,omitempty"`
	AckTimeout          *string  `json:"ack_timeout,omitempty"`
}

func ms(v float64) time.Duration { return time.Duration(v * float64(time.Millisecond)) }

func (s *Server) handleTuning(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		httputil.WriteJSON(w, http.StatusOK, s.tuning())
		return
	case http.MethodPost:
	default:
		httputil.MethodNotAllowed(w)
		return
	}

	var req TuningRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	var ackTimeout time.Duration
	if req.AckTimeout != nil {
		d, err := time.ParseDuration(*req.AckTimeout)
		if err != nil {
			httputil.BadRequest(w, fmt.Sprintf("invalid ack_timeout %q: %v", *req.AckTimeout, err))
			return
		}
		ackTimeout = d
	}

	if req.SafetyMarginMs != nil {
		s.cfg.Timing.SetMargin(delay.ClampMargin(ms(*req.SafetyMarginMs)))
	}
	s.cfg.Params.Update(func(p *syncctl.Params) {
		if req.ExposureMarginMs != nil {
			p.ExposureMargin = ms(*req.ExposureMarginMs)
		}
		if req.PhaseCompensationMs != nil {
			p.PhaseCompensation = ms(*req.PhaseCompensationMs)
		}
		if req.Threshold != nil {
			p.Threshold = *req.Threshold
		}
		if req.AckTimeout != nil {
			p.AckTimeout = ackTimeout
		}
	})

	t := s.tuning()
	monitoring.Logf("Tuning updated: safety=%.1fms exposure=%.1fms phase=%.1fms threshold=%.3f ack_timeout=%s",
		t.SafetyMarginMs, t.ExposureMarginMs, t.PhaseCompensationMs, t.Threshold, t.AckTimeout)
	httputil.WriteJSON(w, http.StatusOK, t)
}

func (s *Server) handleRemeasure(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.cfg.Estimator == nil {
		httputil.Unavailable(w, "controller disabled")
		return
	}
	n := s.cfg.BatchSize
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 || parsed > 100 {
			httputil.BadRequest(w, "n must be between 1 and 100")
			return
		}
		n = parsed
	}
	if err := s.cfg.Estimator.MeasureAsync(s.ctx, n); err != nil {
		if errors.Is(err, latency.ErrMeasureInProgress) {
			httputil.Conflict(w, err.Error())
			return
		}
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]interface{}{"started": true, "batch_size": n})
}

func (s *Server) handleFrame(slot framepair.Slot) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			httputil.MethodNotAllowed(w)
			return
		}
		if s.cfg.Buffer == nil {
			httputil.NotFound(w, "no frame buffer")
			return
		}
		img, at, ok := s.cfg.Buffer.Latest(slot)
		if !ok {
			httputil.NotFound(w, "no "+slot.String()+" frame captured yet")
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("X-Captured-At", at.Format(time.RFC3339Nano))
		if err := png.Encode(w, img); err != nil {
			monitoring.Logf("failed to encode %s frame: %v", slot, err)
		}
	}
}

const maxFrameUpload = 32 << 20

// handleIngest accepts one PNG or JPEG frame from the camera process.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.cfg.Ingest == nil {
		httputil.NotFound(w, "frame upload is not enabled")
		return
	}
	img, format, err := image.Decode(http.MaxBytesReader(w, r.Body, maxFrameUpload))
	if err != nil {
		httputil.BadRequest(w, fmt.Sprintf("invalid image: %v", err))
		return
	}
	s.cfg.Ingest.Put(img, time.Now())
	b := img.Bounds()
	httputil.WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"format": format,
		"width":  b.Dx(),
		"height": b.Dy(),
	})
}
