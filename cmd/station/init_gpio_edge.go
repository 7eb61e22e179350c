//go:build edge

package main

import (
	"log/slog"

	"trashtrack-station/internal/adapter/gpio"
)

// newGPIOBackend opens the periph.io hardware backend on edge builds.
func newGPIOBackend(log *slog.Logger) (gpio.Backend, error) {
	backend, err := gpio.NewPeriphBackend()
	if err != nil {
		return nil, err
	}
	log.Info("gpio backend ready", "backend", backend.Name())
	return backend, nil
}
