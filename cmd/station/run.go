package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"trashtrack-station/internal/adapter/backend"
	"trashtrack-station/internal/adapter/camera"
	"trashtrack-station/internal/adapter/classifier"
	"trashtrack-station/internal/adapter/gpio"
	"trashtrack-station/internal/adapter/lcd"
	"trashtrack-station/internal/adapter/osproc"
	"trashtrack-station/internal/domain"
	"trashtrack-station/internal/infra/config"
	"trashtrack-station/internal/infra/logger"
	"trashtrack-station/internal/infra/tracer"
	"trashtrack-station/internal/usecase/housekeeping"
	"trashtrack-station/internal/usecase/pins"
	"trashtrack-station/internal/usecase/pipeline"
	"trashtrack-station/internal/usecase/station"
)

func run() error {
	// 1. Config
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(context.WithoutCancel(ctx))

	log.Info("trashtrack station starting",
		"backend", cfg.Backend.URL,
		"device_id", cfg.Device.ID,
		"capture_interval", cfg.Session.CaptureInterval,
		"poll_interval", cfg.Session.PollInterval)

	// 3. Classifier. The station is useless without it.
	worker, err := classifier.Start(ctx, classifier.Config{
		Command:        cfg.Classifier.Command,
		Args:           cfg.Classifier.Args,
		Threshold:      cfg.Classifier.Threshold,
		StartupTimeout: cfg.Classifier.StartupTimeout,
		RequestTimeout: cfg.Classifier.RequestTimeout,
	}, logger.Component(log, "classifier"))
	if err != nil {
		return fmt.Errorf("classifier: %w", err)
	}
	defer worker.Stop()
	log.Info("classifier ready", "labels", worker.Labels())

	// 4. Display. Failure is logged once and the station runs without it.
	display, release := openDisplay(ctx, cfg, log)
	defer release()
	defer func() {
		if r := recover(); r != nil {
			release()
			panic(r)
		}
	}()

	var screen station.Screen
	if display != nil {
		screen = display
	}
	panel := station.NewPanel(screen, logger.Component(log, "display"))
	if display != nil {
		panel.Splash(cfg.Display.Splash)
	}

	// 5. Backend
	client, err := backend.NewClient(backend.Config{
		BaseURL:       cfg.Backend.URL,
		DeviceID:      cfg.Device.ID,
		DeviceSecret:  cfg.Device.Secret,
		PollTimeout:   cfg.Backend.PollTimeout,
		ReportTimeout: cfg.Backend.ReportTimeout,
		Breaker: backend.BreakerConfig{
			MaxFailures: cfg.Backend.Breaker.MaxFailures,
			Timeout:     cfg.Backend.Breaker.Timeout,
			Interval:    cfg.Backend.Breaker.Interval,
		},
	}, nil, logger.Component(log, "backend"))
	if err != nil {
		return fmt.Errorf("backend: %w", err)
	}

	// 6. Pipeline
	cam := camera.NewStill(camera.Config{
		Binary:  cfg.Camera.Binary,
		Dir:     cfg.Camera.Dir,
		Width:   cfg.Camera.Width,
		Height:  cfg.Camera.Height,
		Warmup:  cfg.Camera.Warmup,
		Timeout: cfg.Camera.Timeout,
	}, nil)
	pipe := pipeline.New(cam, worker, cfg.Pipeline.DebugDir, logger.Component(log, "pipeline"))

	// 7. Housekeeping
	if cfg.Housekeeping.Enabled {
		sched := housekeeping.NewScheduler(logger.Component(log, "housekeeping"))
		pruner := housekeeping.NewPruner(cfg.Camera.Dir, cfg.Housekeeping.Retention, logger.Component(log, "housekeeping"))
		if err := sched.AddTask(pruner.Task(cfg.Housekeeping.Schedule)); err != nil {
			return err
		}
		sched.Start(ctx)
		defer sched.Stop()
	}

	// 8. Session loop
	daemon := station.New(station.Config{
		PollInterval:    cfg.Session.PollInterval,
		CaptureInterval: cfg.Session.CaptureInterval,
	}, client, pipe, panel, logger.Component(log, "station"))

	if err := daemon.Run(ctx); err != nil {
		log.Error("station stopped", "error", err, "code", domain.ErrorCodeOf(err))
		return err
	}
	log.Info("station stopped")
	return nil
}

// openDisplay acquires the LCD. It returns a nil display when the display
// is disabled or cannot be initialized; release is always safe to call.
func openDisplay(ctx context.Context, cfg *config.Config, log *slog.Logger) (*lcd.Display, func()) {
	noop := func() {}
	if !cfg.Display.Enabled {
		log.Info("display disabled")
		return nil, noop
	}

	mgr, err := newPinManager(cfg, log)
	if err != nil {
		log.Warn("display unavailable, running without it", "error", err, "code", domain.ErrorCodeOf(err))
		return nil, noop
	}
	return acquireDisplay(ctx, mgr, log)
}

// acquireDisplay opens the display through mgr. The pins may already be
// forced low when the open fails, so the returned release reverts them to
// input either way.
func acquireDisplay(ctx context.Context, mgr *pins.Manager, log *slog.Logger) (*lcd.Display, func()) {
	display, err := mgr.Acquire(ctx)
	if err != nil {
		log.Warn("display init failed, running without it", "error", err, "code", domain.ErrorCodeOf(err))
		return nil, mgr.Guard(nil)
	}
	return display, mgr.Guard(display)
}

func newPinManager(cfg *config.Config, log *slog.Logger) (*pins.Manager, error) {
	gpioBackend, err := newGPIOBackend(log)
	if err != nil {
		return nil, err
	}
	return pins.NewManager(pins.Config{
		Pins:        cfg.Display.Pins,
		Columns:     cfg.Display.Columns,
		Rows:        cfg.Display.Rows,
		ProcessName: cfg.Display.ProcessName,
		EvictGrace:  cfg.Display.EvictGrace,
		LCDOptions: []lcd.Option{
			lcd.WithTiming(lcd.Timing{Settle: cfg.Display.Settle, Command: cfg.Display.CommandDelay}),
			lcd.WithPWMFrequency(cfg.Display.PWMFrequencyHz),
		},
	}, gpioBackend, osproc.NewTable(), gpio.NewPinctrl(cfg.Display.PinctrlBinary), logger.Component(log, "pins")), nil
}

// runLCDTest claims the display, shows the splash and the bar meter, then
// releases every pin.
func runLCDTest() error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	mgr, err := newPinManager(cfg, log)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	display, err := mgr.Acquire(ctx)
	if err != nil {
		return err
	}
	release := mgr.Guard(display)
	defer release()

	panel := station.NewPanel(display, log)
	panel.Splash(cfg.Display.Splash)
	for _, category := range []string{"muffin", "croissant", "pizza", ""} {
		if ctx.Err() != nil {
			break
		}
		panel.ShowCategory(category)
		time.Sleep(time.Second)
	}
	fmt.Println("LCD test complete; pins released.")
	return nil
}

// runEncryptSecret reads a secret from stdin and prints the "enc:" value for
// device.secret.
func runEncryptSecret() error {
	key := os.Getenv(config.SecretKeyEnv)
	if key == "" {
		return fmt.Errorf("%s must be set", config.SecretKeyEnv)
	}
	secret, err := readSecret(os.Stdin)
	if err != nil {
		return err
	}
	enc, err := config.EncryptValue(secret, key)
	if err != nil {
		return err
	}
	fmt.Println("enc:" + enc)
	return nil
}

func readSecret(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read secret: %w", err)
	}
	secret := strings.TrimRight(line, "\r\n")
	if secret == "" {
		return "", fmt.Errorf("empty secret on stdin")
	}
	return secret, nil
}
