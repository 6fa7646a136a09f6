package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"nanogrid-air/internal/discovery"
	"nanogrid-air/internal/gateway"
	"nanogrid-air/internal/metrics"
	"nanogrid-air/internal/pairing"
	"nanogrid-air/internal/resolver"
	"nanogrid-air/internal/scheduler"
	"nanogrid-air/internal/store"
	"nanogrid-air/internal/transport"
	"nanogrid-air/internal/web"
)

// httpWriteTimeout bounds every API response, including a pairing step.
const httpWriteTimeout = 30 * time.Second

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("nanogrid-air starting", "version", version, "mode", cfg.Device.Mode)

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	res := resolver.New(cfg.Discovery.DefaultHost, cfg.Device.RequestTimeout)
	client := transport.New(cfg.deviceTransport(), logger)

	mode, _ := scheduler.ParseMode(cfg.Device.Mode)
	events := gateway.NewEventBus(logger)
	gw := gateway.New(db, client, res, events, gateway.Config{
		Mode:     mode,
		Interval: cfg.Device.PollInterval,
	}, logger)

	collector := metrics.New()
	collector.Attach(events)
	if n, err := gw.Count(); err == nil {
		collector.SetDevices(n)
	}

	// Outputs subscribe before the gateway publishes its first reading.
	// The MQTT bridge is a no-op when built with no_mqtt, Influx with no_influx.
	mqtt := initMQTT(gw, cfg, logger)
	influx := initInflux(events, cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := gw.Start(ctx); err != nil {
		logger.Error("start gateway", "err", err)
		os.Exit(1)
	}

	flows := pairing.NewManager(pairing.Deps{
		Discoverer: discovery.NewListener(discovery.Config{Interface: cfg.Discovery.Interface}, logger),
		Resolver:   res,
		Identifier: transport.New(cfg.pairingTransport(), logger),
		Registry:   gw,
	}, cfg.pairingOptions(), logger.With("component", "pairing"))

	if cfg.Pairing.Auto {
		go autoPair(ctx, gw, flows, cfg.Device.URL, logger)
	}

	webOpts := []web.ServerOption{
		web.WithVersion(version),
		web.WithMetrics(collector.Handler()),
	}
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webServer := web.NewServer(gw, flows, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: httpWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	cancel()
	gw.Stop()
	influx.Stop()
	mqtt.Stop()
	collector.Detach()

	logger.Info("goodbye")
}

// autoPair runs one pairing flow at boot when nothing is paired yet. If the
// flow asks for input and device.url is set, that URL is submitted.
func autoPair(ctx context.Context, gw *gateway.Gateway, flows *pairing.Manager, url string, logger *slog.Logger) {
	logger = logger.With("component", "autopair")
	n, err := gw.Count()
	if err != nil {
		logger.Error("count pairings", "err", err)
		return
	}
	if n > 0 {
		return
	}

	res := flows.Start(ctx)
	if res.Type == pairing.TypeForm && url != "" {
		res, err = flows.Submit(ctx, res.FlowID, url)
		if err != nil {
			logger.Error("submit device url", "err", err)
			return
		}
	}

	switch res.Type {
	case pairing.TypeCreateEntry:
		logger.Info("meter paired", "unique_id", res.Config.UniqueID, "url", res.Config.URL)
	case pairing.TypeAbort:
		logger.Warn("automatic pairing aborted", "reason", res.Reason)
	default:
		logger.Warn("automatic pairing needs input, use POST /api/flows/{flow_id}",
			"flow_id", res.FlowID, "errors", res.Errors)
	}
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
