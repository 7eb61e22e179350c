// Package daemon installs the station as a systemd service.
package daemon

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/template"
	"time"

	"trashtrack-station/internal/adapter/subproc"
)

// UnitDir is where unit files are written.
const UnitDir = "/etc/systemd/system"

// DefaultStopTimeout is used when no stop budget is computed from the
// station config.
const DefaultStopTimeout = 60 * time.Second

// releaseMargin covers pin release and worker shutdown after the loop stops.
const releaseMargin = 15 * time.Second

// StopBudget returns how long systemd must wait after SIGTERM: the sum of
// the per-call timeouts of one in-flight cycle plus time to release the
// pins. Signals never abort a call mid-flight, so a shorter window lets
// systemd SIGKILL the daemon with the pins still claimed.
func StopBudget(callTimeouts ...time.Duration) time.Duration {
	total := releaseMargin
	for _, d := range callTimeouts {
		if d > 0 {
			total += d
		}
	}
	return total
}

// DaemonConfig holds parameters for daemon installation.
type DaemonConfig struct {
	Name       string
	BinaryPath string
	ConfigPath string
	WorkDir    string
	User       string
	EnvFile    string // optional systemd EnvironmentFile

	StopTimeout time.Duration // TimeoutStopSec; zero means DefaultStopTimeout
}

// StopTimeoutSec returns TimeoutStopSec in whole seconds, rounded up.
func (c DaemonConfig) StopTimeoutSec() int {
	d := c.StopTimeout
	if d <= 0 {
		d = DefaultStopTimeout
	}
	return int((d + time.Second - 1) / time.Second)
}

// DaemonStatus holds the status of an installed daemon.
type DaemonStatus struct {
	Running bool
	PID     int
}

// DefaultConfig returns a DaemonConfig with station defaults.
func DefaultConfig() DaemonConfig {
	name := "trashtrack-station"
	binary, _ := os.Executable()
	if binary == "" {
		binary = "/usr/local/bin/" + name
	}
	return DaemonConfig{
		Name:       name,
		BinaryPath: binary,
		ConfigPath: "/etc/trashtrack/station.yaml",
		WorkDir:    "/var/lib/trashtrack",
		// GPIO, /proc signalling and pinctrl need root on the Pi.
		User:        "root",
		StopTimeout: DefaultStopTimeout,
	}
}

// Validate checks the DaemonConfig for correctness.
func (c *DaemonConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("daemon name is required")
	}
	if c.BinaryPath == "" {
		return fmt.Errorf("binary path is required")
	}
	info, err := os.Stat(c.BinaryPath)
	if err != nil {
		return fmt.Errorf("binary %q: %w", c.BinaryPath, err)
	}
	if info.Mode()&0111 == 0 {
		return fmt.Errorf("binary %q is not executable", c.BinaryPath)
	}
	return nil
}

const systemdTemplate = `[Unit]
Description={{.Name}} food waste tracking station
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart={{.BinaryPath}} run --config {{.ConfigPath}}
WorkingDirectory={{.WorkDir}}
User={{.User}}
{{- if .EnvFile}}
EnvironmentFile=-{{.EnvFile}}
{{- end}}
Restart=always
RestartSec=5
KillSignal=SIGTERM
TimeoutStopSec={{.StopTimeoutSec}}

[Install]
WantedBy=multi-user.target
`

// RenderSystemdUnit renders the systemd service file content.
func RenderSystemdUnit(cfg DaemonConfig) (string, error) {
	tmpl, err := template.New("systemd").Parse(systemdTemplate)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, cfg); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Installer manages the unit through systemctl.
type Installer struct {
	UnitDir string
	Runner  subproc.Runner
}

// NewInstaller returns an Installer writing to UnitDir.
func NewInstaller() *Installer {
	return &Installer{UnitDir: UnitDir, Runner: subproc.ExecRunner{Timeout: 30 * time.Second}}
}

func (in *Installer) unitPath(name string) string {
	return filepath.Join(in.UnitDir, name+".service")
}

func (in *Installer) systemctl(ctx context.Context, args ...string) (subproc.Result, error) {
	res, err := in.Runner.Run(ctx, "systemctl", args...)
	if err != nil {
		return res, fmt.Errorf("systemctl %s: %w", strings.Join(args, " "), err)
	}
	return res, nil
}

// Install writes the unit, then enables and starts it.
func (in *Installer) Install(ctx context.Context, cfg DaemonConfig) error {
	content, err := RenderSystemdUnit(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.WorkDir, 0755); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	if err := os.WriteFile(in.unitPath(cfg.Name), []byte(content), 0644); err != nil {
		return fmt.Errorf("write unit file: %w", err)
	}
	for _, args := range [][]string{
		{"daemon-reload"},
		{"enable", cfg.Name},
		{"start", cfg.Name},
	} {
		if _, err := in.systemctl(ctx, args...); err != nil {
			return err
		}
	}
	return nil
}

// Uninstall stops and removes the unit. Every step is best effort.
func (in *Installer) Uninstall(ctx context.Context, name string) error {
	in.systemctl(ctx, "stop", name)
	in.systemctl(ctx, "disable", name)
	if err := os.Remove(in.unitPath(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove unit file: %w", err)
	}
	in.systemctl(ctx, "daemon-reload")
	return nil
}

// Status reports whether the unit is active and its main PID.
func (in *Installer) Status(ctx context.Context, name string) (*DaemonStatus, error) {
	res, err := in.systemctl(ctx, "is-active", name)
	running := strings.TrimSpace(res.Stdout) == "active"
	if err != nil && !running {
		return &DaemonStatus{Running: false}, nil
	}

	status := &DaemonStatus{Running: running}
	if res, err := in.systemctl(ctx, "show", "--property=MainPID", name); err == nil {
		parts := strings.SplitN(strings.TrimSpace(res.Stdout), "=", 2)
		if len(parts) == 2 {
			status.PID, _ = strconv.Atoi(parts[1])
		}
	}
	return status, nil
}
