// Package camera captures still frames with the rpicam-still utility.
package camera

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"

	"trashtrack-station/internal/adapter/subproc"
	"trashtrack-station/internal/domain"
)

// Config controls rpicam-still invocation.
type Config struct {
	Binary  string        // default "rpicam-still"
	Dir     string        // capture directory
	Width   int           // default 1920
	Height  int           // default 1080
	Warmup  time.Duration // sensor settle time passed as -t (default 1.5s)
	Timeout time.Duration // whole invocation (default 10s)
}

func (c Config) withDefaults() Config {
	if c.Binary == "" {
		c.Binary = "rpicam-still"
	}
	if c.Dir == "" {
		c.Dir = os.TempDir()
	}
	if c.Width <= 0 {
		c.Width = 1920
	}
	if c.Height <= 0 {
		c.Height = 1080
	}
	if c.Warmup <= 0 {
		c.Warmup = 1500 * time.Millisecond
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	return c
}

// Still captures JPEG frames into Config.Dir.
type Still struct {
	cfg    Config
	runner subproc.Runner
	now    func() time.Time
}

// NewStill creates a camera. A nil runner uses subproc.ExecRunner with the
// configured timeout.
func NewStill(cfg Config, runner subproc.Runner) *Still {
	cfg = cfg.withDefaults()
	if runner == nil {
		runner = subproc.ExecRunner{Timeout: cfg.Timeout}
	}
	return &Still{cfg: cfg, runner: runner, now: time.Now}
}

// Dir returns the capture directory.
func (s *Still) Dir() string { return s.cfg.Dir }

// Capture takes one frame. Every failure wraps ErrCapture.
func (s *Still) Capture(ctx context.Context) (domain.Image, error) {
	if err := os.MkdirAll(s.cfg.Dir, 0o755); err != nil {
		return domain.Image{}, domain.NewSubSystemError(domain.SubSystemCamera, "Still.Capture", domain.ErrCapture, err.Error())
	}

	id := ulid.Make().String()
	path := filepath.Join(s.cfg.Dir, id+".jpg")
	args := []string{
		"-o", path,
		"--width", strconv.Itoa(s.cfg.Width),
		"--height", strconv.Itoa(s.cfg.Height),
		"-t", strconv.FormatInt(s.cfg.Warmup.Milliseconds(), 10),
		"--nopreview",
	}

	if _, err := s.runner.Run(ctx, s.cfg.Binary, args...); err != nil {
		_ = os.Remove(path)
		if errors.Is(err, context.DeadlineExceeded) {
			return domain.Image{}, fmt.Errorf("%w: %w",
				domain.NewSubSystemError(domain.SubSystemCamera, "Still.Capture", domain.ErrTimeout, s.cfg.Binary),
				domain.ErrCapture)
		}
		return domain.Image{}, domain.NewSubSystemError(domain.SubSystemCamera, "Still.Capture", domain.ErrCapture, err.Error())
	}

	info, err := os.Stat(path)
	if err != nil {
		return domain.Image{}, domain.NewSubSystemError(domain.SubSystemCamera, "Still.Capture", domain.ErrCapture, "no image written")
	}
	if info.Size() == 0 {
		_ = os.Remove(path)
		return domain.Image{}, domain.NewSubSystemError(domain.SubSystemCamera, "Still.Capture", domain.ErrCapture, "empty image")
	}

	return domain.Image{
		ID:         id,
		Path:       path,
		CapturedAt: s.now(),
		SizeBytes:  info.Size(),
	}, nil
}
