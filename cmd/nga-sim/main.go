// Command nga-sim emulates a Nanogrid Air meter: it serves /status/ and
// /meter/, announces itself over mDNS and can push meterdata over MQTT.
//
// Usage:
//
//	nga-sim [flags]
//
// Examples:
//
//	# Serve on port 8081 and announce it
//	nga-sim -listen :8081 -mac 00:11:22:33:44:55
//
//	# Also push telemetry every 5s
//	nga-sim -mqtt tcp://localhost:1883 -interval 5s
//
//	# Drop fields to exercise partial payloads
//	nga-sim -omit power_out,voltage_2
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"nanogrid-air/internal/discovery"
	"nanogrid-air/internal/meter"
)

type options struct {
	Listen     string
	MAC        string
	Instance   string
	Advertise  bool
	Iface      string
	MQTTBroker string
	MQTTPrefix string
	MQTTID     string
	Interval   time.Duration
	Omit       string
	Seed       uint64
	LogLevel   string
}

var opts options

func init() {
	flag.StringVar(&opts.Listen, "listen", ":80", "HTTP listen address")
	flag.StringVar(&opts.MAC, "mac", "00:11:22:33:44:55", "Reported device MAC (empty simulates a broken identity)")
	flag.StringVar(&opts.Instance, "instance", "ctek-ng-air-sim", "mDNS instance name")
	flag.BoolVar(&opts.Advertise, "advertise", true, "Announce "+discovery.ServiceType+" over mDNS")
	flag.StringVar(&opts.Iface, "iface", "", "Network interface for mDNS (default all)")
	flag.StringVar(&opts.MQTTBroker, "mqtt", "", "MQTT broker URL; enables push of meterdata")
	flag.StringVar(&opts.MQTTPrefix, "mqtt-prefix", "ctek", "Meter topic prefix")
	flag.StringVar(&opts.MQTTID, "mqtt-id", "", "Device id in the topic (default MAC without separators)")
	flag.DurationVar(&opts.Interval, "interval", 10*time.Second, "MQTT push interval")
	flag.StringVar(&opts.Omit, "omit", "", "Comma-separated reading keys to leave out (e.g. power_out,voltage_2)")
	flag.Uint64Var(&opts.Seed, "seed", uint64(time.Now().UnixNano()), "Random seed")
	flag.StringVar(&opts.LogLevel, "log-level", "info", "Log level: debug, info, warn, error")
}

func main() {
	flag.Parse()
	logger := newLogger(opts.LogLevel)

	if err := run(logger); err != nil {
		logger.Error("nga-sim", "err", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	sim := newSimulator(opts.MAC, opts.Seed, splitList(opts.Omit), time.Now())

	ln, err := net.Listen("tcp", opts.Listen)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	srv := &http.Server{Handler: sim.handler(), ReadTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()
	logger.Info("serving meter API", "addr", ln.Addr().String(), "mac", opts.MAC)

	if opts.Advertise {
		adv := discovery.NewAdvertiser(discovery.AdvertiserConfig{Interface: opts.Iface})
		txt := []string{"mac=" + opts.MAC, "model=Nanogrid Air"}
		if err := adv.Advertise(opts.Instance, discovery.ServiceType, port, txt); err != nil {
			logger.Warn("mDNS advertise failed", "err", err)
		} else {
			logger.Info("advertising", "instance", opts.Instance, "service", discovery.ServiceType, "port", port)
			defer adv.Stop()
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if opts.MQTTBroker != "" {
		client, err := connectMQTT(opts.MQTTBroker)
		if err != nil {
			return err
		}
		defer client.Disconnect(500)
		go pushLoop(ctx, client, sim, meterTopic(opts.MQTTPrefix, opts.MQTTID, opts.MAC), opts.Interval, logger)
	}

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

func connectMQTT(broker string) (pahomqtt.Client, error) {
	client := pahomqtt.NewClient(pahomqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID("nga-sim-" + strconv.Itoa(os.Getpid())).
		SetAutoReconnect(true))
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return client, nil
}

func pushLoop(ctx context.Context, client pahomqtt.Client, sim *simulator, topic string, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	logger.Info("pushing meterdata", "topic", topic, "interval", interval)
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			data, err := meter.EncodeReading(sim.step(now))
			if err != nil {
				logger.Error("encode reading", "err", err)
				continue
			}
			token := client.Publish(topic, 0, false, data)
			if token.WaitTimeout(5*time.Second) && token.Error() != nil {
				logger.Warn("publish meterdata", "err", token.Error())
			}
		}
	}
}

// meterTopic is "<prefix>/<id>/meterdata"; id defaults to the bare MAC.
func meterTopic(prefix, id, mac string) string {
	if id == "" {
		id = strings.ToLower(strings.NewReplacer(":", "", "-", "").Replace(mac))
	}
	if id == "" {
		id = "sim"
	}
	return prefix + "/" + id + "/meterdata"
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
