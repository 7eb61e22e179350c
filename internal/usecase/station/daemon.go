// Package station is the session daemon: it polls the backend for an active
// session and, while one is active, runs capture, classify and report cycles.
package station

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"trashtrack-station/internal/adapter/backend"
	"trashtrack-station/internal/domain"
	"trashtrack-station/internal/infra/logger"
	"trashtrack-station/internal/infra/tracer"
	"trashtrack-station/internal/usecase/pipeline"
)

// Backend is the session API.
type Backend interface {
	ActiveSession(ctx context.Context) (*domain.Session, error)
	PostDetections(ctx context.Context, sessionID string, reports []domain.DetectionReport) (*domain.ReportAck, error)
}

// CycleRunner runs one capture cycle.
type CycleRunner interface {
	RunCycle(ctx context.Context) (pipeline.Cycle, error)
	WriteDebugCopy(sessionID string, reports []domain.DetectionReport) error
}

// Config holds the daemon intervals.
type Config struct {
	PollInterval    time.Duration // idle wait between polls
	CaptureInterval time.Duration // wait between cycles while tracking
}

// Daemon is the session state machine. It is driven by a single goroutine.
type Daemon struct {
	cfg     Config
	backend Backend
	cycles  CycleRunner
	panel   *Panel
	logger  *slog.Logger

	state domain.DaemonState
	ended string // last session the backend refused; never re-entered

	pollThrottle *logger.Throttle
	sleep        func(ctx context.Context, d time.Duration) error
}

// New creates a Daemon in the Idle state. panel may be nil.
func New(cfg Config, be Backend, cycles CycleRunner, panel *Panel, log *slog.Logger) *Daemon {
	if panel == nil {
		panel = NewPanel(nil, log)
	}
	return &Daemon{
		cfg:          cfg,
		backend:      be,
		cycles:       cycles,
		panel:        panel,
		logger:       log,
		state:        domain.Idle(),
		pollThrottle: logger.NewThrottle(time.Minute),
		sleep:        sleepCtx,
	}
}

// State returns the current state.
func (d *Daemon) State() domain.DaemonState { return d.state }

// Run steps the state machine until ctx is cancelled or a fatal error occurs.
// Cancellation is observed only between steps and during waits.
func (d *Daemon) Run(ctx context.Context) error {
	d.logger.Info("station daemon started",
		"poll_interval", d.cfg.PollInterval, "capture_interval", d.cfg.CaptureInterval,
		"display", d.panel.Enabled())
	d.panel.ShowCategory("")

	for {
		wait, err := d.Step(ctx)
		if err != nil {
			return err
		}
		if err := d.sleep(ctx, wait); err != nil {
			d.logger.Info("station daemon stopping", "state", d.state.String())
			if d.state.IsTracking() {
				d.panel.Clear()
			}
			return nil
		}
	}
}

// Step performs one poll and, while tracking, one cycle. It returns how long
// to wait before the next step. Only fatal errors are returned.
func (d *Daemon) Step(ctx context.Context) (time.Duration, error) {
	// External calls are bounded by their own timeouts and never aborted
	// mid-flight by a shutdown signal.
	callCtx := context.WithoutCancel(ctx)

	sess, err := d.backend.ActiveSession(callCtx)
	if err != nil {
		d.pollThrottle.Log(ctx, d.logger, slog.LevelWarn, "session poll failed",
			"error", err, "code", domain.ErrorCodeOf(err))
	}

	if !d.state.IsTracking() {
		if sess == nil || sess.ID == d.ended {
			return d.cfg.PollInterval, nil
		}
		d.state = domain.Tracking(sess.ID)
		d.logger.Info("session active, tracking", "session_id", sess.ID, "device_id", sess.DeviceID)
		return 0, nil
	}

	current := d.state.SessionID
	if sess == nil || sess.ID != current {
		d.logger.Info("session ended, stopping capture", "session_id", current)
		d.toIdle()
		return d.cfg.PollInterval, nil
	}

	if ctx.Err() != nil {
		return 0, nil
	}
	return d.cycle(ctx, callCtx, current)
}

func (d *Daemon) cycle(ctx, callCtx context.Context, sessionID string) (time.Duration, error) {
	spanCtx, span := tracer.StartSpan(callCtx, "station.cycle")
	defer span.End()
	span.SetAttributes(tracer.StringAttr("session.id", sessionID))

	cycle, err := d.cycles.RunCycle(spanCtx)
	if err != nil {
		tracer.RecordError(span, err)
		if domain.IsFatal(err) {
			d.logger.Error("classifier unavailable", "error", err, "code", domain.ErrorCodeOf(err))
			return 0, err
		}
		d.logger.Warn("capture failed, retrying next interval", "error", err, "code", domain.ErrorCodeOf(err))
		return d.cfg.CaptureInterval, nil
	}

	d.logger.Debug("cycle classified", "image", cycle.Image.ID, "detections", len(cycle.Detections))
	if len(cycle.Food) == 0 {
		d.logger.Info("no food detected, skipping upload", "session_id", sessionID)
		d.panel.ShowCategory("")
		tracer.SetOK(span)
		return d.cfg.CaptureInterval, nil
	}
	span.SetAttributes(tracer.StringAttr("category", cycle.Food[0].Category))

	if err := d.cycles.WriteDebugCopy(sessionID, cycle.Food); err != nil {
		d.logger.Warn("debug payload not written", "error", err)
	}

	ack, err := d.report(spanCtx, sessionID, cycle.Food)
	switch {
	case errors.Is(err, domain.ErrSessionEnded):
		tracer.RecordError(span, err)
		d.logger.Info("session stopped by backend, returning to polling", "session_id", sessionID, "error", err)
		d.ended = sessionID
		d.toIdle()
		return d.cfg.PollInterval, nil
	case err != nil:
		tracer.RecordError(span, err)
		d.logger.Warn("upload failed", "session_id", sessionID, "error", err, "code", domain.ErrorCodeOf(err))
		return d.cfg.CaptureInterval, nil
	}

	d.logger.Info("detections sent",
		"session_id", sessionID,
		"categories", len(cycle.Food),
		"grams", totalGrams(cycle.Food),
		"total_detections", ack.TotalDetections)
	d.panel.ShowCategory(cycle.Food[0].Category)
	tracer.SetOK(span)
	return d.cfg.CaptureInterval, nil
}

func (d *Daemon) report(ctx context.Context, sessionID string, reports []domain.DetectionReport) (*domain.ReportAck, error) {
	ctx, span := tracer.StartSpan(ctx, "station.report")
	defer span.End()

	ack, err := d.backend.PostDetections(ctx, sessionID, reports)
	var se *backend.StatusError
	if errors.As(err, &se) {
		span.SetAttributes(tracer.IntAttr("http.status", se.StatusCode))
	}
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	tracer.SetOK(span)
	return ack, nil
}

func (d *Daemon) toIdle() {
	d.state = domain.Idle()
	d.panel.Clear()
}

func totalGrams(reports []domain.DetectionReport) int {
	var kg float64
	for _, r := range reports {
		if r.TotalWeightKg != nil {
			kg += *r.TotalWeightKg
		}
	}
	return int(kg*1000 + 0.5)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
