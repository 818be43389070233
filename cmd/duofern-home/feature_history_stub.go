//go:build no_history

package main

import (
	"log/slog"

	"duofern-go-home/internal/config"
	"duofern-go-home/internal/coordinator"
)

type historyStopper struct{}

func (h *historyStopper) Stop() {}

func initHistory(_ *coordinator.Coordinator, _ *config.Config, _ *slog.Logger) *historyStopper {
	return &historyStopper{}
}
