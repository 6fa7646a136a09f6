package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"nanogrid-air/internal/discovery"
	"nanogrid-air/internal/pairing"
	"nanogrid-air/internal/resolver"
	"nanogrid-air/internal/scheduler"
	"nanogrid-air/internal/transport"
)

// Environment variables that override secrets from the config file.
const (
	envMQTTPassword = "NGA_MQTT_PASSWORD"
	envInfluxToken  = "NGA_INFLUX_TOKEN"
	envAPIKey       = "NGA_API_KEY"
)

// Pairing talks to a meter while an HTTP request waits for the answer, so
// it retries less than the poller.
const (
	defaultPairingAttempts       = 2
	defaultPairingBaseDelay      = 500 * time.Millisecond
	defaultPairingRequestTimeout = 5 * time.Second
)

type Config struct {
	Device struct {
		URL            string        `yaml:"url"`
		Mode           string        `yaml:"mode"` // "poll" or "push"
		PollInterval   time.Duration `yaml:"poll_interval"`
		RequestTimeout time.Duration `yaml:"request_timeout"`
		Retry          struct {
			MaxAttempts int           `yaml:"max_attempts"`
			BaseDelay   time.Duration `yaml:"base_delay"`
		} `yaml:"retry"`
	} `yaml:"device"`
	Discovery struct {
		ServiceType      string        `yaml:"service_type"`
		Timeout          time.Duration `yaml:"timeout"`
		Interface        string        `yaml:"interface"`
		DefaultHost      string        `yaml:"default_host"`
		ProbeDefaultHost *bool         `yaml:"probe_default_host"`
	} `yaml:"discovery"`
	Pairing struct {
		SingleInstance    bool          `yaml:"single_instance"`
		Auto              bool          `yaml:"auto"`
		ValidationTimeout time.Duration `yaml:"validation_timeout"`
		IdleTimeout       time.Duration `yaml:"idle_timeout"`
		RequestTimeout    time.Duration `yaml:"request_timeout"`
		Retry             struct {
			MaxAttempts int           `yaml:"max_attempts"`
			BaseDelay   time.Duration `yaml:"base_delay"`
		} `yaml:"retry"`
	} `yaml:"pairing"`
	MQTT struct {
		Enabled         bool   `yaml:"enabled"`
		Broker          string `yaml:"broker"`
		Username        string `yaml:"username"`
		Password        string `yaml:"password"`
		ClientID        string `yaml:"client_id"`
		DiscoveryPrefix string `yaml:"discovery_prefix"`
		StatePrefix     string `yaml:"state_prefix"`
		MeterPrefix     string `yaml:"meter_prefix"`
	} `yaml:"mqtt"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	Influx struct {
		Enabled bool   `yaml:"enabled"`
		URL     string `yaml:"url"`
		Token   string `yaml:"token"`
		Org     string `yaml:"org"`
		Bucket  string `yaml:"bucket"`
	} `yaml:"influx"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func (c *Config) validate() error {
	mode, err := scheduler.ParseMode(c.Device.Mode)
	if err != nil {
		return fmt.Errorf("device.mode: %w", err)
	}
	if mode == scheduler.ModePush && !c.MQTT.Enabled {
		return fmt.Errorf("device.mode push requires mqtt.enabled")
	}
	if c.Device.PollInterval <= 0 {
		return fmt.Errorf("device.poll_interval must be positive, got %s", c.Device.PollInterval)
	}
	if c.Device.Retry.MaxAttempts < 1 {
		return fmt.Errorf("device.retry.max_attempts must be at least 1, got %d", c.Device.Retry.MaxAttempts)
	}
	if c.Pairing.Retry.MaxAttempts < 1 {
		return fmt.Errorf("pairing.retry.max_attempts must be at least 1, got %d", c.Pairing.Retry.MaxAttempts)
	}
	if step := c.Discovery.Timeout + c.Pairing.ValidationTimeout; step >= httpWriteTimeout {
		return fmt.Errorf("discovery.timeout + pairing.validation_timeout (%s) must stay below the HTTP write timeout (%s)", step, httpWriteTimeout)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if c.Influx.Enabled && (c.Influx.URL == "" || c.Influx.Org == "" || c.Influx.Bucket == "") {
		return fmt.Errorf("influx.url, influx.org and influx.bucket are required when influx is enabled")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}
	return nil
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()

	// A missing .env is normal; the process environment still applies.
	_ = godotenv.Load()
	cfg.applyEnv(os.Getenv)
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Device.Mode == "" {
		c.Device.Mode = string(scheduler.ModePoll)
	}
	if c.Device.PollInterval == 0 {
		c.Device.PollInterval = scheduler.DefaultInterval
	}
	if c.Device.RequestTimeout == 0 {
		c.Device.RequestTimeout = transport.DefaultTimeout
	}
	if c.Device.Retry.MaxAttempts == 0 {
		c.Device.Retry.MaxAttempts = transport.DefaultMaxAttempts
	}
	if c.Device.Retry.BaseDelay == 0 {
		c.Device.Retry.BaseDelay = transport.DefaultBaseDelay
	}
	if c.Discovery.ServiceType == "" {
		c.Discovery.ServiceType = discovery.ServiceType
	}
	if c.Discovery.Timeout == 0 {
		c.Discovery.Timeout = discovery.DefaultTimeout
	}
	if c.Discovery.DefaultHost == "" {
		c.Discovery.DefaultHost = resolver.DefaultHost
	}
	if c.Discovery.ProbeDefaultHost == nil {
		probe := true
		c.Discovery.ProbeDefaultHost = &probe
	}
	if c.Pairing.ValidationTimeout == 0 {
		c.Pairing.ValidationTimeout = pairing.DefaultValidationTimeout
	}
	if c.Pairing.IdleTimeout == 0 {
		c.Pairing.IdleTimeout = pairing.DefaultIdleTimeout
	}
	if c.Pairing.RequestTimeout == 0 {
		c.Pairing.RequestTimeout = defaultPairingRequestTimeout
	}
	if c.Pairing.Retry.MaxAttempts == 0 {
		c.Pairing.Retry.MaxAttempts = defaultPairingAttempts
	}
	if c.Pairing.Retry.BaseDelay == 0 {
		c.Pairing.Retry.BaseDelay = defaultPairingBaseDelay
	}
	if c.Web.Listen == "" {
		c.Web.Listen = "127.0.0.1:8080"
	}
	if c.Store.Path == "" {
		c.Store.Path = "nanogrid-air.db"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

func (c *Config) deviceTransport() transport.Config {
	return transport.Config{
		Timeout:     c.Device.RequestTimeout,
		MaxAttempts: c.Device.Retry.MaxAttempts,
		BaseDelay:   c.Device.Retry.BaseDelay,
	}
}

func (c *Config) pairingTransport() transport.Config {
	return transport.Config{
		Timeout:     c.Pairing.RequestTimeout,
		MaxAttempts: c.Pairing.Retry.MaxAttempts,
		BaseDelay:   c.Pairing.Retry.BaseDelay,
	}
}

func (c *Config) pairingOptions() pairing.Options {
	return pairing.Options{
		ServiceType:       c.Discovery.ServiceType,
		DiscoveryTimeout:  c.Discovery.Timeout,
		ProbeDefaultHost:  *c.Discovery.ProbeDefaultHost,
		DefaultHost:       c.Discovery.DefaultHost,
		SingleInstance:    c.Pairing.SingleInstance,
		ValidationTimeout: c.Pairing.ValidationTimeout,
		IdleTimeout:       c.Pairing.IdleTimeout,
		Title:             pairing.DefaultTitle,
	}
}

// applyEnv lets secrets live outside the config file.
func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv(envMQTTPassword); v != "" {
		c.MQTT.Password = v
	}
	if v := getenv(envInfluxToken); v != "" {
		c.Influx.Token = v
	}
	if v := getenv(envAPIKey); v != "" {
		c.Web.APIKey = v
	}
}
