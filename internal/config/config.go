package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultConfigPath is the path to the canonical defaults file.
const DefaultConfigPath = "config/flashsync.defaults.json"

// SyncConfig is the startup configuration of the synchronization controller.
// The live-tunable subset shares its field names with POST /api/tuning.
type SyncConfig struct {
	// Remote light controller
	ESPAddress *string `json:"esp_address,omitempty"`
	ESPPort    *int    `json:"esp_port,omitempty"`
	Redundancy *int    `json:"redundancy,omitempty"`

	// Controller
	Mode             *string  `json:"mode,omitempty"` // open, closed or edge
	SafetyMarginMs   *float64 `json:"safety_margin_ms,omitempty"`
	ExposureMarginMs *float64 `json:"exposure_margin_ms,omitempty"`
	AckTimeout       *string  `json:"ack_timeout,omitempty"` // duration string like "250ms"
	TickRateHz       *float64 `json:"tick_rate_hz,omitempty"`
	MinFrameSize     *int     `json:"min_frame_size,omitempty"`
	Threshold        *float64 `json:"threshold,omitempty"`

	// Latency measurement
	ProbeBatchSize     *int     `json:"probe_batch_size,omitempty"`
	ProbeTimeout       *string  `json:"probe_timeout,omitempty"`
	ProbeIDs           *bool    `json:"probe_ids,omitempty"`
	AutoMeasureOnStart *bool    `json:"auto_measure_on_start,omitempty"`
	RemeasureSchedule  *string  `json:"remeasure_schedule,omitempty"` // cron spec, empty disables
	DisplayPingHz      *float64 `json:"display_ping_hz,omitempty"`

	// Edge mode
	PhaseCompensationMs *float64 `json:"phase_compensation_ms,omitempty"`
	HalfPeriod          *string  `json:"half_period,omitempty"`
	BlinkStartOn        *bool    `json:"blink_start_on,omitempty"`
}

// EmptySyncConfig returns a SyncConfig with all fields unset; the Get*
// methods then report defaults.
func EmptySyncConfig() *SyncConfig {
	return &SyncConfig{}
}

// LoadSyncConfig loads a SyncConfig from a JSON file.
// The file must have a .json extension and be under 1MB. Fields omitted from
// the file keep their defaults, so partial configs are safe.
func LoadSyncConfig(path string) (*SyncConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptySyncConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching upwards from the
// current directory. Panics if the file cannot be loaded; intended for test
// setup.
func MustLoadDefaultConfig() *SyncConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/config/
		"../../../" + DefaultConfigPath, // from cmd/tools/x/
	}
	for _, path := range candidates {
		if cfg, err := LoadSyncConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are usable.
func (c *SyncConfig) Validate() error {
	if c.ESPAddress != nil {
		host := strings.TrimSpace(*c.ESPAddress)
		if host == "" {
			return fmt.Errorf("esp_address must not be empty")
		}
		if strings.ContainsAny(host, " /") {
			return fmt.Errorf("esp_address %q is not a host name or IP address", host)
		}
	}
	if c.ESPPort != nil && (*c.ESPPort <= 0 || *c.ESPPort > 65535) {
		return fmt.Errorf("esp_port must be between 1 and 65535, got %d", *c.ESPPort)
	}
	if c.Mode != nil {
		switch strings.ToLower(*c.Mode) {
		case "open", "closed", "edge":
		default:
			return fmt.Errorf("mode must be open, closed or edge, got %q", *c.Mode)
		}
	}
	if c.Redundancy != nil && (*c.Redundancy < 1 || *c.Redundancy > 10) {
		return fmt.Errorf("redundancy must be between 1 and 10, got %d", *c.Redundancy)
	}
	if c.SafetyMarginMs != nil && (*c.SafetyMarginMs < 0 || *c.SafetyMarginMs > 200) {
		return fmt.Errorf("safety_margin_ms must be between 0 and 200, got %g", *c.SafetyMarginMs)
	}
	if c.ExposureMarginMs != nil && (*c.ExposureMarginMs < 0 || *c.ExposureMarginMs > 100) {
		return fmt.Errorf("exposure_margin_ms must be between 0 and 100, got %g", *c.ExposureMarginMs)
	}
	if c.PhaseCompensationMs != nil && (*c.PhaseCompensationMs < 0 || *c.PhaseCompensationMs > 200) {
		return fmt.Errorf("phase_compensation_ms must be between 0 and 200, got %g", *c.PhaseCompensationMs)
	}
	if c.Threshold != nil && (*c.Threshold < 0 || *c.Threshold > 0.3) {
		return fmt.Errorf("threshold must be between 0 and 0.3, got %g", *c.Threshold)
	}
	if c.ProbeBatchSize != nil && (*c.ProbeBatchSize < 1 || *c.ProbeBatchSize > 100) {
		return fmt.Errorf("probe_batch_size must be between 1 and 100, got %d", *c.ProbeBatchSize)
	}
	if c.TickRateHz != nil && (*c.TickRateHz <= 0 || *c.TickRateHz > 1000) {
		return fmt.Errorf("tick_rate_hz must be in (0, 1000], got %g", *c.TickRateHz)
	}
	if c.DisplayPingHz != nil && (*c.DisplayPingHz < 0 || *c.DisplayPingHz > 50) {
		return fmt.Errorf("display_ping_hz must be between 0 and 50, got %g", *c.DisplayPingHz)
	}
	if c.MinFrameSize != nil && *c.MinFrameSize < 1 {
		return fmt.Errorf("min_frame_size must be positive, got %d", *c.MinFrameSize)
	}

	for name, v := range map[string]*string{
		"ack_timeout":   c.AckTimeout,
		"probe_timeout": c.ProbeTimeout,
		"half_period":   c.HalfPeriod,
	} {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %v", name, d)
		}
	}

	if hp, pc := c.GetHalfPeriod(), c.GetPhaseCompensation(); hp <= pc {
		return fmt.Errorf("half_period %v must exceed phase_compensation_ms %v", hp, pc)
	}

	if c.RemeasureSchedule != nil && *c.RemeasureSchedule != "" {
		if _, err := cron.ParseStandard(*c.RemeasureSchedule); err != nil {
			return fmt.Errorf("invalid remeasure_schedule '%s': %w", *c.RemeasureSchedule, err)
		}
	}
	return nil
}

func ms(v float64) time.Duration {
	return time.Duration(v * float64(time.Millisecond))
}

func parseDurationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

// GetESPAddress returns the remote host or the default.
func (c *SyncConfig) GetESPAddress() string {
	if c.ESPAddress == nil {
		return "192.168.4.1"
	}
	return strings.TrimSpace(*c.ESPAddress)
}

// GetESPPort returns the remote UDP port or the default.
func (c *SyncConfig) GetESPPort() int {
	if c.ESPPort == nil {
		return 4210
	}
	return *c.ESPPort
}

// Endpoint returns the remote "host:port".
func (c *SyncConfig) Endpoint() string {
	return net.JoinHostPort(c.GetESPAddress(), fmt.Sprint(c.GetESPPort()))
}

// GetMode returns the controller mode name or the default.
func (c *SyncConfig) GetMode() string {
	if c.Mode == nil || *c.Mode == "" {
		return "open"
	}
	return strings.ToLower(*c.Mode)
}

// GetRedundancy returns the number of copies sent per command.
func (c *SyncConfig) GetRedundancy() int {
	if c.Redundancy == nil {
		return 2
	}
	return *c.Redundancy
}

// GetSafetyMargin returns the margin added to the latency baseline.
func (c *SyncConfig) GetSafetyMargin() time.Duration {
	if c.SafetyMarginMs == nil {
		return 40 * time.Millisecond
	}
	return ms(*c.SafetyMarginMs)
}

// GetExposureMargin returns the closed-loop post-ack wait.
func (c *SyncConfig) GetExposureMargin() time.Duration {
	if c.ExposureMarginMs == nil {
		return 30 * time.Millisecond
	}
	return ms(*c.ExposureMarginMs)
}

// GetAckTimeout returns the closed-loop ack wait bound.
func (c *SyncConfig) GetAckTimeout() time.Duration {
	return parseDurationOr(c.AckTimeout, 250*time.Millisecond)
}

// GetTickInterval converts tick_rate_hz to a period.
func (c *SyncConfig) GetTickInterval() time.Duration {
	hz := 90.0
	if c.TickRateHz != nil && *c.TickRateHz > 0 {
		hz = *c.TickRateHz
	}
	return time.Duration(float64(time.Second) / hz)
}

// GetMinFrameSize returns the smallest usable frame edge in pixels.
func (c *SyncConfig) GetMinFrameSize() int {
	if c.MinFrameSize == nil {
		return 32
	}
	return *c.MinFrameSize
}

// GetThreshold returns the differencing threshold.
func (c *SyncConfig) GetThreshold() float64 {
	if c.Threshold == nil {
		return 0.05
	}
	return *c.Threshold
}

// GetProbeBatchSize returns the number of probes per measurement.
func (c *SyncConfig) GetProbeBatchSize() int {
	if c.ProbeBatchSize == nil {
		return 5
	}
	return *c.ProbeBatchSize
}

// GetProbeTimeout returns how long a probe waits for its pong.
func (c *SyncConfig) GetProbeTimeout() time.Duration {
	return parseDurationOr(c.ProbeTimeout, 200*time.Millisecond)
}

// GetProbeIDs reports whether probes carry request ids.
func (c *SyncConfig) GetProbeIDs() bool {
	if c.ProbeIDs == nil {
		return false
	}
	return *c.ProbeIDs
}

// GetAutoMeasureOnStart reports whether a batch runs before the tick loop.
func (c *SyncConfig) GetAutoMeasureOnStart() bool {
	if c.AutoMeasureOnStart == nil {
		return true
	}
	return *c.AutoMeasureOnStart
}

// GetRemeasureSchedule returns the cron spec, empty when disabled.
func (c *SyncConfig) GetRemeasureSchedule() string {
	if c.RemeasureSchedule == nil {
		return ""
	}
	return *c.RemeasureSchedule
}

// GetDisplayPingHz returns the display ping rate; 0 disables them.
func (c *SyncConfig) GetDisplayPingHz() float64 {
	if c.DisplayPingHz == nil {
		return 0
	}
	return *c.DisplayPingHz
}

// GetPhaseCompensation returns the edge-mode settle offset.
func (c *SyncConfig) GetPhaseCompensation() time.Duration {
	if c.PhaseCompensationMs == nil {
		return 40 * time.Millisecond
	}
	return ms(*c.PhaseCompensationMs)
}

// GetHalfPeriod returns the blink half period.
func (c *SyncConfig) GetHalfPeriod() time.Duration {
	return parseDurationOr(c.HalfPeriod, 250*time.Millisecond)
}

// GetBlinkStartOn returns the light state of the first blink edge.
func (c *SyncConfig) GetBlinkStartOn() bool {
	if c.BlinkStartOn == nil {
		return true
	}
	return *c.BlinkStartOn
}
