package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"trashtrack-station/cmd/station/daemon"
	"trashtrack-station/internal/infra/config"
)

// stopBudget covers one full cycle: liveness poll, capture, classify and
// report, each bounded by its own timeout.
func stopBudget(cfg *config.Config) time.Duration {
	return daemon.StopBudget(
		cfg.Backend.PollTimeout,
		cfg.Camera.Timeout,
		cfg.Classifier.RequestTimeout,
		cfg.Backend.ReportTimeout,
	)
}

func runDaemon() error {
	if len(os.Args) < 3 {
		return fmt.Errorf("usage: %s daemon <install|uninstall|status>", binaryName)
	}

	ctx := context.Background()
	in := daemon.NewInstaller()
	switch os.Args[2] {
	case "install":
		cfg := daemon.DefaultConfig()
		cfg.ConfigPath = configPath()
		if _, err := os.Stat("/etc/trashtrack/station.env"); err == nil {
			cfg.EnvFile = "/etc/trashtrack/station.env"
		}
		if stationCfg, err := config.Load(cfg.ConfigPath); err == nil {
			cfg.StopTimeout = stopBudget(stationCfg)
		} else {
			fmt.Fprintf(os.Stderr, "warning: %v; using %s stop timeout\n", err, daemon.DefaultStopTimeout)
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := in.Install(ctx, cfg); err != nil {
			return err
		}
		fmt.Printf("%s installed and started\n", cfg.Name)
		return nil
	case "uninstall":
		return in.Uninstall(ctx, binaryName)
	case "status":
		status, err := in.Status(ctx, binaryName)
		if err != nil {
			return err
		}
		if status.Running {
			fmt.Printf("%s is running (PID %d)\n", binaryName, status.PID)
		} else {
			fmt.Printf("%s is not running\n", binaryName)
		}
		return nil
	default:
		return fmt.Errorf("unknown daemon command: %s (want: install, uninstall, status)", os.Args[2])
	}
}
