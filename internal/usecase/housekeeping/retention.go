package housekeeping

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Pruner deletes captures older than a retention window.
type Pruner struct {
	Dir       string
	Retention time.Duration
	Exts      []string // matched case-insensitively; default .jpg
	Logger    *slog.Logger
	now       func() time.Time
}

// NewPruner creates a Pruner for JPEG captures in dir.
func NewPruner(dir string, retention time.Duration, logger *slog.Logger) *Pruner {
	return &Pruner{Dir: dir, Retention: retention, Exts: []string{".jpg", ".jpeg"}, Logger: logger, now: time.Now}
}

// Prune removes expired captures and returns how many were deleted. A missing
// directory is not an error.
func (p *Pruner) Prune(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(p.Dir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read capture dir: %w", err)
	}

	cutoff := p.now().Add(-p.Retention)
	removed := 0
	var errs []error
	for _, e := range entries {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if !e.Type().IsRegular() || !p.matches(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue // raced with another remover
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(p.Dir, e.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		p.Logger.Info("pruned old captures", "dir", p.Dir, "removed", removed)
	}
	return removed, errors.Join(errs...)
}

// Task wraps Prune as a scheduler task.
func (p *Pruner) Task(schedule string) Task {
	return Task{
		Name:     "capture_retention",
		Schedule: schedule,
		Timeout:  time.Minute,
		Run: func(ctx context.Context) error {
			_, err := p.Prune(ctx)
			return err
		},
	}
}

func (p *Pruner) matches(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, want := range p.Exts {
		if ext == want {
			return true
		}
	}
	return false
}
