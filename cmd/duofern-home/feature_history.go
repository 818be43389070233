//go:build !no_history

package main

import (
	"log/slog"

	"duofern-go-home/internal/config"
	"duofern-go-home/internal/coordinator"
	"duofern-go-home/internal/history"
)

type historyStopper struct {
	recorder *history.Recorder
}

func (h *historyStopper) Stop() {
	if h.recorder != nil {
		h.recorder.Close()
	}
}

// initHistory starts the InfluxDB writer. An unreachable server is logged
// and the service runs without history.
func initHistory(coord *coordinator.Coordinator, cfg *config.Config, logger *slog.Logger) *historyStopper {
	if !cfg.InfluxDB.Enabled {
		return &historyStopper{}
	}
	recorder, err := history.Connect(cfg.InfluxDB, logger)
	if err != nil {
		logger.Error("influxdb history", "err", err)
		return &historyStopper{}
	}
	recorder.Attach(coord.Events())
	return &historyStopper{recorder: recorder}
}
