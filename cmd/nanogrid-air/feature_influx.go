//go:build !no_influx

package main

import (
	"log/slog"

	"nanogrid-air/internal/gateway"
	"nanogrid-air/internal/influx"
)

type influxStopper struct {
	recorder *influx.Recorder
}

func (i *influxStopper) Stop() {
	if i.recorder != nil {
		i.recorder.Stop()
	}
}

func initInflux(events *gateway.EventBus, cfg *Config, logger *slog.Logger) *influxStopper {
	if !cfg.Influx.Enabled {
		return &influxStopper{}
	}
	rec, err := influx.NewRecorder(events, influx.Config{
		URL:    cfg.Influx.URL,
		Token:  cfg.Influx.Token,
		Org:    cfg.Influx.Org,
		Bucket: cfg.Influx.Bucket,
	}, logger)
	if err != nil {
		logger.Error("influx recorder", "err", err)
		return &influxStopper{}
	}
	rec.Start()
	return &influxStopper{recorder: rec}
}
