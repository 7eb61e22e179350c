package station

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"trashtrack-station/internal/adapter/lcd"
	"trashtrack-station/internal/infra/logger"
)

// Panel texts.
const (
	SplashTitle   = "TrashTrack"
	SplashStatus  = "LCD OK!"
	PanelTitle    = "Food Wasted"
	NoDetection   = "No detection"
	DefaultSplash = 1500 * time.Millisecond
)

// barCounts is the bar meter length per food category.
var barCounts = map[string]int{
	"muffin":    4,
	"croissant": 7,
	"pizza":     12,
}

// Screen is the subset of *lcd.Display the panel draws on.
type Screen interface {
	Clear() error
	SetCursor(row, col int) error
	WriteText(s string) error
	WriteGlyph(code byte) error
}

// Panel renders the station status on a character display. A Panel without
// a screen does nothing, so the daemon runs the same with or without one.
type Panel struct {
	screen   Screen
	logger   *slog.Logger
	throttle *logger.Throttle
	sleep    func(time.Duration)
}

// NewPanel creates a Panel. screen may be nil.
func NewPanel(screen Screen, log *slog.Logger) *Panel {
	return &Panel{
		screen:   screen,
		logger:   log,
		throttle: logger.NewThrottle(time.Minute),
		sleep:    time.Sleep,
	}
}

// Enabled reports whether the panel has a screen.
func (p *Panel) Enabled() bool { return p.screen != nil }

// Splash shows the startup message and holds it.
func (p *Panel) Splash(hold time.Duration) {
	if p.screen == nil {
		return
	}
	p.draw(func() error {
		if err := p.screen.Clear(); err != nil {
			return err
		}
		if err := p.writeRow(0, SplashTitle); err != nil {
			return err
		}
		return p.writeRow(1, SplashStatus)
	})
	p.sleep(hold)
}

// ShowCategory shows the title and the bar meter for category, or
// NoDetection when category has no meter.
func (p *Panel) ShowCategory(category string) {
	if p.screen == nil {
		return
	}
	p.draw(func() error {
		if err := p.screen.Clear(); err != nil {
			return err
		}
		if err := p.writeRow(0, PanelTitle); err != nil {
			return err
		}
		bars, ok := barCounts[strings.ToLower(category)]
		if !ok {
			return p.writeRow(1, NoDetection)
		}
		if err := p.screen.SetCursor(1, 0); err != nil {
			return err
		}
		for range bars {
			if err := p.screen.WriteGlyph(lcd.GlyphBlock); err != nil {
				return err
			}
		}
		return nil
	})
}

// Clear blanks the screen.
func (p *Panel) Clear() {
	if p.screen == nil {
		return
	}
	p.draw(p.screen.Clear)
}

func (p *Panel) writeRow(row int, text string) error {
	if err := p.screen.SetCursor(row, 0); err != nil {
		return err
	}
	return p.screen.WriteText(text)
}

func (p *Panel) draw(fn func() error) {
	if err := fn(); err != nil {
		p.throttle.Log(context.Background(), p.logger, slog.LevelWarn, "display update failed", "error", err)
	}
}
