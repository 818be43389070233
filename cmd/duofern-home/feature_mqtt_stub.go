//go:build no_mqtt

package main

import (
	"log/slog"

	"duofern-go-home/internal/config"
	"duofern-go-home/internal/coordinator"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *coordinator.Coordinator, _ *config.Config, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}
