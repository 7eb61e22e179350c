package config

import (
	"fmt"
	"math"
	"net/url"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateDevice(cfg, ve)
	validateBackend(cfg, ve)
	validateSession(cfg, ve)
	validateDisplay(cfg, ve)
	validateCamera(cfg, ve)
	validateClassifier(cfg, ve)
	validateHousekeeping(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateDevice(cfg *Config, ve *ValidationError) {
	if strings.TrimSpace(cfg.Device.ID) == "" {
		ve.Add("device.id must not be empty")
	}
	if cfg.Device.Secret == "" {
		ve.Add("device.secret must not be empty")
	}
}

func validateBackend(cfg *Config, ve *ValidationError) {
	u, err := url.Parse(cfg.Backend.URL)
	switch {
	case cfg.Backend.URL == "":
		ve.Add("backend.url must not be empty")
	case err != nil:
		ve.Add("backend.url is invalid: %v", err)
	case u.Scheme != "http" && u.Scheme != "https":
		ve.Add("backend.url scheme must be http or https, got %q", u.Scheme)
	case u.Host == "":
		ve.Add("backend.url must include a host")
	}
	positive(ve, "backend.poll_timeout", cfg.Backend.PollTimeout)
	positive(ve, "backend.report_timeout", cfg.Backend.ReportTimeout)
	if cfg.Backend.Breaker.MaxFailures == 0 {
		ve.Add("backend.breaker.max_failures must be > 0")
	}
	positive(ve, "backend.breaker.timeout", cfg.Backend.Breaker.Timeout)
}

func validateSession(cfg *Config, ve *ValidationError) {
	positive(ve, "session.poll_interval", cfg.Session.PollInterval)
	positive(ve, "session.capture_interval", cfg.Session.CaptureInterval)
}

func validateDisplay(cfg *Config, ve *ValidationError) {
	if !cfg.Display.Enabled {
		return
	}
	if err := cfg.Display.Pins.Validate(); err != nil {
		ve.Add("display.pins: %v", err)
	}
	if cfg.Display.Columns <= 0 || cfg.Display.Columns > 40 {
		ve.Add("display.columns must be in [1, 40], got %d", cfg.Display.Columns)
	}
	if cfg.Display.Rows <= 0 || cfg.Display.Rows > 4 {
		ve.Add("display.rows must be in [1, 4], got %d", cfg.Display.Rows)
	}
	if cfg.Display.PWMFrequencyHz <= 0 {
		ve.Add("display.pwm_frequency_hz must be > 0")
	}
	if cfg.Display.Settle < 0 || cfg.Display.CommandDelay < 0 || cfg.Display.Splash < 0 {
		ve.Add("display timings must not be negative")
	}
	if cfg.Display.EvictGrace < 0 {
		ve.Add("display.evict_grace must not be negative")
	}
}

func validateCamera(cfg *Config, ve *ValidationError) {
	if cfg.Camera.Binary == "" {
		ve.Add("camera.binary must not be empty")
	}
	if cfg.Camera.Dir == "" {
		ve.Add("camera.dir must not be empty")
	}
	if cfg.Camera.Width <= 0 || cfg.Camera.Height <= 0 {
		ve.Add("camera.width and camera.height must be > 0")
	}
	positive(ve, "camera.timeout", cfg.Camera.Timeout)
	if cfg.Camera.Warmup < 0 {
		ve.Add("camera.warmup must not be negative")
	}
}

func validateClassifier(cfg *Config, ve *ValidationError) {
	if cfg.Classifier.Command == "" {
		ve.Add("classifier.command must not be empty")
	}
	if t := cfg.Classifier.Threshold; math.IsNaN(t) || t < 0 || t > 1 {
		ve.Add("classifier.threshold must be in [0, 1], got %v", t)
	}
	positive(ve, "classifier.startup_timeout", cfg.Classifier.StartupTimeout)
	positive(ve, "classifier.request_timeout", cfg.Classifier.RequestTimeout)
}

func validateHousekeeping(cfg *Config, ve *ValidationError) {
	if !cfg.Housekeeping.Enabled {
		return
	}
	if !validSchedule(cfg.Housekeeping.Schedule) {
		ve.Add("housekeeping.schedule %q is not a cron expression or positive duration", cfg.Housekeeping.Schedule)
	}
	positive(ve, "housekeeping.retention", cfg.Housekeeping.Retention)
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLogLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level must be one of debug, info, warn, error; got %q", cfg.Logger.Level)
	}
	if f := cfg.Logger.Format; f != "text" && f != "json" {
		ve.Add("logger.format must be text or json, got %q", f)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	if e := cfg.Tracer.Exporter; e != "noop" && e != "stdout" {
		ve.Add("tracer.exporter must be noop or stdout, got %q", e)
	}
	if r := cfg.Tracer.SampleRatio; r < 0 || r > 1 {
		ve.Add("tracer.sample_ratio must be in [0, 1], got %v", r)
	}
}

func positive(ve *ValidationError, field string, d time.Duration) {
	if d <= 0 {
		ve.Add("%s must be > 0", field)
	}
}

func validSchedule(s string) bool {
	if _, err := cron.ParseStandard(s); err == nil {
		return true
	}
	d, err := time.ParseDuration(s)
	return err == nil && d > 0
}
