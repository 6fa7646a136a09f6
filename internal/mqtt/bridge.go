//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"nanogrid-air/internal/gateway"
	"nanogrid-air/internal/store"
)

// Default topic prefixes.
const (
	DefaultDiscoveryPrefix = "homeassistant"
	DefaultStatePrefix     = "nanogrid_air"
	DefaultMeterPrefix     = "ctek"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker   string
	Username string
	Password string
	ClientID string

	// DiscoveryPrefix is where HA listens for discovery configs.
	DiscoveryPrefix string
	// StatePrefix roots the state and availability topics this bridge publishes.
	StatePrefix string
	// MeterPrefix roots the topics meters push telemetry to.
	MeterPrefix string
}

func (c Config) withDefaults() Config {
	if c.ClientID == "" {
		c.ClientID = "nanogrid-air"
	}
	if c.DiscoveryPrefix == "" {
		c.DiscoveryPrefix = DefaultDiscoveryPrefix
	}
	if c.StatePrefix == "" {
		c.StatePrefix = DefaultStatePrefix
	}
	if c.MeterPrefix == "" {
		c.MeterPrefix = DefaultMeterPrefix
	}
	return c
}

// MeterTopic is the subscription filter for pushed telemetry.
func (c Config) MeterTopic() string {
	return c.MeterPrefix + "/+/meterdata"
}

// DeviceLister lists paired meters.
type DeviceLister interface {
	Devices() ([]gateway.DeviceStatus, error)
}

// Bridge publishes meter readings to MQTT with HA autodiscovery and
// delivers pushed meter telemetry to push-mode schedulers.
type Bridge struct {
	client  pahomqtt.Client
	devices DeviceLister
	events  *gateway.EventBus
	cfg     Config
	logger  *slog.Logger
	unsub   func()

	mu       sync.Mutex
	handlers map[uint64]func(topic string, payload []byte)
	nextID   uint64

	// dispatchMu delivers one pushed message at a time.
	dispatchMu sync.Mutex
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(devices DeviceLister, events *gateway.EventBus, cfg Config, logger *slog.Logger) (*Bridge, error) {
	cfg = cfg.withDefaults()
	b := newBridge(nil, devices, events, cfg, logger)

	client := pahomqtt.NewClient(b.clientOptions())
	b.client = client
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

// clientOptions keeps paho's ordered delivery: pushed readings reach the
// schedulers one at a time, in arrival order.
func (b *Bridge) clientOptions() *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions().
		AddBroker(b.cfg.Broker).
		SetClientID(b.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(bridgeStateTopic(b.cfg.StatePrefix), "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.onConnect()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if b.cfg.Username != "" {
		opts.SetUsername(b.cfg.Username)
		opts.SetPassword(b.cfg.Password)
	}
	return opts
}

func newBridge(client pahomqtt.Client, devices DeviceLister, events *gateway.EventBus, cfg Config, logger *slog.Logger) *Bridge {
	return &Bridge{
		client:   client,
		devices:  devices,
		events:   events,
		cfg:      cfg.withDefaults(),
		logger:   logger.With("component", "mqtt"),
		handlers: make(map[uint64]func(string, []byte)),
	}
}

// Start subscribes to gateway events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.events.OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "state_prefix", b.cfg.StatePrefix, "meter_topic", b.cfg.MeterTopic())
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

// Subscribe registers a handler for pushed meter telemetry. The broker
// subscription is shared by all handlers and restored on reconnect.
func (b *Bridge) Subscribe(handler func(topic string, payload []byte)) (func(), error) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	first := len(b.handlers) == 0
	b.handlers[id] = handler
	b.mu.Unlock()

	if first && b.client.IsConnected() {
		if err := b.subscribeMeter(); err != nil {
			b.mu.Lock()
			delete(b.handlers, id)
			b.mu.Unlock()
			return nil, err
		}
	}

	return func() {
		b.mu.Lock()
		_, ok := b.handlers[id]
		delete(b.handlers, id)
		last := ok && len(b.handlers) == 0
		b.mu.Unlock()
		if last {
			b.client.Unsubscribe(b.cfg.MeterTopic())
		}
	}, nil
}

func (b *Bridge) onConnect() {
	b.publishBridgeState("online")
	b.publishAllDiscovery()

	b.mu.Lock()
	n := len(b.handlers)
	b.mu.Unlock()
	if n > 0 {
		if err := b.subscribeMeter(); err != nil {
			b.logger.Error("resubscribe meter topic", "err", err)
		}
	}
}

func (b *Bridge) subscribeMeter() error {
	topic := b.cfg.MeterTopic()
	token := b.client.Subscribe(topic, 0, b.dispatch)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("subscribe %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	b.logger.Info("subscribed to meter telemetry", "topic", topic)
	return nil
}

// dispatch runs on paho's router goroutine and must not wait on tokens.
func (b *Bridge) dispatch(_ pahomqtt.Client, msg pahomqtt.Message) {
	b.dispatchMu.Lock()
	defer b.dispatchMu.Unlock()

	b.mu.Lock()
	handlers := make([]func(string, []byte), 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(msg.Topic(), msg.Payload())
	}
}

func (b *Bridge) handleEvent(event gateway.Event) {
	switch event.Type {
	case gateway.EventReading:
		data, ok := event.Data.(gateway.ReadingData)
		if !ok {
			return
		}
		b.publish(stateTopic(b.cfg.StatePrefix, data.UniqueID), buildState(data.Reading), true)
		b.publish(availabilityTopic(b.cfg.StatePrefix, data.UniqueID), []byte("online"), true)
	case gateway.EventReadingError:
		data, ok := event.Data.(gateway.ReadingErrorData)
		if !ok {
			return
		}
		b.publish(availabilityTopic(b.cfg.StatePrefix, data.UniqueID), []byte("offline"), true)
	case gateway.EventDevicePaired, gateway.EventDeviceUpdated:
		data, ok := event.Data.(gateway.DeviceData)
		if !ok || data.Pairing == nil {
			return
		}
		b.publishDeviceDiscovery(data.Pairing)
	case gateway.EventDeviceRemoved:
		data, ok := event.Data.(gateway.DeviceData)
		if !ok || data.Pairing == nil {
			return
		}
		b.removeDevice(data.Pairing.UniqueID)
	}
}

func (b *Bridge) removeDevice(uniqueID string) {
	for _, msg := range buildRemoveDiscovery(uniqueID, b.cfg.DiscoveryPrefix) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	// Clear retained state.
	b.publish(stateTopic(b.cfg.StatePrefix, uniqueID), nil, true)
	b.publish(availabilityTopic(b.cfg.StatePrefix, uniqueID), nil, true)
	b.logger.Info("removed HA discovery", "unique_id", uniqueID)
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(bridgeStateTopic(b.cfg.StatePrefix), []byte(state), true)
}

func (b *Bridge) publishAllDiscovery() {
	devices, err := b.devices.Devices()
	if err != nil {
		b.logger.Error("list devices for discovery", "err", err)
		return
	}
	for _, dev := range devices {
		b.publishDeviceDiscovery(dev.PairingConfig)
	}
}

func (b *Bridge) publishDeviceDiscovery(p *store.PairingConfig) {
	for _, msg := range buildDiscovery(p, b.cfg.DiscoveryPrefix, b.cfg.StatePrefix) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.logger.Info("published HA discovery", "unique_id", p.UniqueID, "name", displayName(p))
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}
