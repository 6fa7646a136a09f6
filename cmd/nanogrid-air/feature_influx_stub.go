//go:build no_influx

package main

import (
	"log/slog"

	"nanogrid-air/internal/gateway"
)

type influxStopper struct{}

func (i *influxStopper) Stop() {}

func initInflux(_ *gateway.EventBus, _ *Config, _ *slog.Logger) *influxStopper {
	return &influxStopper{}
}
