//go:build !edge

package main

import (
	"log/slog"

	"trashtrack-station/internal/adapter/gpio"
	"trashtrack-station/internal/domain"
)

// newGPIOBackend reports the display as disabled in non-edge builds.
func newGPIOBackend(_ *slog.Logger) (gpio.Backend, error) {
	return nil, domain.NewSubSystemError(domain.SubSystemDisplay, "GPIO.Init", domain.ErrDisabled, "built without the edge tag")
}
