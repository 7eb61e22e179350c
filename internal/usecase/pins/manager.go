// Package pins owns the display's GPIO pins for the life of the daemon. It
// evicts any earlier instance still holding them, forces the pins into a
// known state, opens the display, and releases everything on every exit path.
package pins

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"syscall"
	"time"

	"trashtrack-station/internal/adapter/gpio"
	"trashtrack-station/internal/adapter/lcd"
	"trashtrack-station/internal/adapter/osproc"
	"trashtrack-station/internal/domain"
)

// ProcessTable finds and signals other processes.
type ProcessTable interface {
	FindByName(pattern string) ([]osproc.Process, error)
	Signal(pid int, sig syscall.Signal) error
	Alive(pid int) bool
}

// Forcer drives pins below any handle-level abstraction.
type Forcer interface {
	ForceOutputLow(ctx context.Context, pin int) error
	ForceInput(ctx context.Context, pin int) error
}

// Config tunes acquisition.
type Config struct {
	Pins        domain.PinAssignment
	Columns     int
	Rows        int
	ProcessName string        // executable name of a competing instance; empty disables eviction
	EvictGrace  time.Duration // SIGTERM to SIGKILL window (default 500ms)
	LCDOptions  []lcd.Option
}

// Manager acquires and releases the display pins.
type Manager struct {
	cfg     Config
	backend gpio.Backend
	procs   ProcessTable
	forcer  Forcer
	logger  *slog.Logger
	sleep   func(time.Duration)
}

// NewManager creates a Manager. procs and forcer may be nil, which skips
// eviction and forcing respectively.
func NewManager(cfg Config, backend gpio.Backend, procs ProcessTable, forcer Forcer, logger *slog.Logger) *Manager {
	if cfg.EvictGrace <= 0 {
		cfg.EvictGrace = 500 * time.Millisecond
	}
	if cfg.Pins == (domain.PinAssignment{}) {
		cfg.Pins = domain.DefaultPinAssignment()
	}
	return &Manager{
		cfg:     cfg,
		backend: backend,
		procs:   procs,
		forcer:  forcer,
		logger:  logger,
		sleep:   time.Sleep,
	}
}

// Acquire evicts competing processes, forces the pins low, resets the
// backend and opens the display. Only the final open is fatal to the call;
// it fails with ErrHardwareInit.
func (m *Manager) Acquire(ctx context.Context) (*lcd.Display, error) {
	if err := m.evict(ctx); err != nil {
		m.logger.Warn("pins: eviction incomplete", "error", err, "code", domain.ErrorCodeOf(err))
	}

	all := m.cfg.Pins.All()
	if m.forcer != nil {
		for _, pin := range all {
			if err := m.forcer.ForceOutputLow(ctx, pin); err != nil {
				m.logger.Warn("pins: force output-low failed", "pin", pin, "error", err)
			}
		}
	}

	if err := m.backend.Reset(all); err != nil {
		m.logger.Warn("pins: backend reset failed", "backend", m.backend.Name(), "error", err)
	}

	d, err := lcd.Open(m.backend, m.cfg.Pins, m.cfg.Columns, m.cfg.Rows, m.cfg.LCDOptions...)
	if err != nil {
		return nil, domain.WrapOp("Pins.Acquire", err)
	}
	m.logger.Info("pins: display acquired", "backend", m.backend.Name(), "pins", all)
	return d, nil
}

// evict terminates every other process running the ProcessName executable: SIGTERM, then
// SIGKILL for anything still alive after the grace window.
func (m *Manager) evict(ctx context.Context) error {
	if m.procs == nil || m.cfg.ProcessName == "" {
		return nil
	}
	found, err := m.procs.FindByName(m.cfg.ProcessName)
	if err != nil {
		return domain.NewSubSystemError(domain.SubSystemPins, "Pins.Evict", domain.ErrStaleProcess, err.Error())
	}
	if len(found) == 0 {
		return nil
	}

	var errs []error
	for _, p := range found {
		m.logger.Warn("pins: evicting stale process", "pid", p.PID, "cmdline", p.Cmdline, "code", domain.CodeStaleProcess)
		if err := m.procs.Signal(p.PID, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
			errs = append(errs, fmt.Errorf("sigterm %d: %w", p.PID, err))
		}
	}

	poll := min(50*time.Millisecond, m.cfg.EvictGrace)
	for waited := time.Duration(0); waited < m.cfg.EvictGrace && m.anyAlive(found); waited += poll {
		if ctx.Err() != nil {
			break
		}
		m.sleep(poll)
	}

	for _, p := range found {
		if !m.procs.Alive(p.PID) {
			continue
		}
		m.logger.Warn("pins: stale process ignored SIGTERM, killing", "pid", p.PID)
		if err := m.procs.Signal(p.PID, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
			errs = append(errs, fmt.Errorf("sigkill %d: %w", p.PID, err))
		}
	}
	if len(errs) > 0 {
		return domain.NewSubSystemError(domain.SubSystemPins, "Pins.Evict", domain.ErrStaleProcess, errors.Join(errs...).Error())
	}
	return nil
}

func (m *Manager) anyAlive(procs []osproc.Process) bool {
	for _, p := range procs {
		if m.procs.Alive(p.PID) {
			return true
		}
	}
	return false
}

// Release frees the display (if any) and reverts every pin to input. All
// steps run; failures are joined.
func (m *Manager) Release(ctx context.Context, d *lcd.Display) error {
	var errs []error
	if d != nil {
		if err := d.Release(); err != nil {
			errs = append(errs, fmt.Errorf("display: %w", err))
		}
	}
	if m.forcer != nil {
		for _, pin := range m.cfg.Pins.All() {
			if err := m.forcer.ForceInput(ctx, pin); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Guard returns a release function that runs at most once, however many
// exit paths call it.
func (m *Manager) Guard(d *lcd.Display) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := m.Release(ctx, d); err != nil {
				m.logger.Warn("pins: release incomplete", "error", err)
				return
			}
			m.logger.Info("pins: released")
		})
	}
}
