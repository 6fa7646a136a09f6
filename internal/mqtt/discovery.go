//go:build !no_mqtt

package mqtt

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"nanogrid-air/internal/meter"
	"nanogrid-air/internal/store"
)

const (
	manufacturer = "CTEK"
	model        = "Nanogrid Air"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/sensor/nga_001122334455/power_in/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers      []string    `json:"identifiers"`
	Connections      [][2]string `json:"connections,omitempty"`
	Manufacturer     string      `json:"manufacturer,omitempty"`
	Model            string      `json:"model,omitempty"`
	Name             string      `json:"name"`
	ConfigurationURL string      `json:"configuration_url,omitempty"`
}

type haAvailability struct {
	Topic string `json:"topic"`
}

// haDiscovery is a sensor discovery payload.
type haDiscovery struct {
	Name              string           `json:"name"`
	UniqueID          string           `json:"unique_id"`
	ObjectID          string           `json:"object_id,omitempty"`
	StateTopic        string           `json:"state_topic"`
	Availability      []haAvailability `json:"availability"`
	AvailabilityMode  string           `json:"availability_mode,omitempty"`
	ValueTemplate     string           `json:"value_template,omitempty"`
	UnitOfMeasurement string           `json:"unit_of_measurement,omitempty"`
	DeviceClass       string           `json:"device_class,omitempty"`
	StateClass        string           `json:"state_class,omitempty"`
	Icon              string           `json:"icon,omitempty"`
	Device            haDevice         `json:"device"`
}

// sensorDef describes one exposed reading field.
type sensorDef struct {
	Key         string
	Name        string
	DeviceClass string
	Unit        string
	Icon        string
	StateClass  string
}

// sensors are the entities exposed for every meter, keyed like meter.Reading.Values.
var sensors = []sensorDef{
	{"current_0", "Current L1", "current", "A", "mdi:current-ac", "measurement"},
	{"current_1", "Current L2", "current", "A", "mdi:current-ac", "measurement"},
	{"current_2", "Current L3", "current", "A", "mdi:current-ac", "measurement"},
	{"voltage_0", "Voltage L1", "voltage", "V", "mdi:flash", "measurement"},
	{"voltage_1", "Voltage L2", "voltage", "V", "mdi:flash", "measurement"},
	{"voltage_2", "Voltage L3", "voltage", "V", "mdi:flash", "measurement"},
	{"power_in", "Power IN", "power", "W", "mdi:transmission-tower-import", "measurement"},
	{"power_out", "Power OUT", "power", "W", "mdi:transmission-tower-export", "measurement"},
	{"total_energy_import", "Total Energy Import", "energy", "kWh", "mdi:transmission-tower-import", "total_increasing"},
	{"total_energy_export", "Total Energy Export", "energy", "kWh", "mdi:transmission-tower-export", "total_increasing"},
}

// nodeID returns the HA node id for a meter: "nga_" and the MAC without separators.
func nodeID(uniqueID string) string {
	id := strings.ToLower(uniqueID)
	id = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return -1
	}, id)
	return "nga_" + id
}

// entityUniqueID is the HA unique id of one sensor.
func entityUniqueID(uniqueID, key string) string {
	return "NGA_" + uniqueID + "_" + key
}

func stateTopic(statePrefix, uniqueID string) string {
	return statePrefix + "/" + nodeID(uniqueID)
}

func availabilityTopic(statePrefix, uniqueID string) string {
	return stateTopic(statePrefix, uniqueID) + "/availability"
}

func bridgeStateTopic(statePrefix string) string {
	return statePrefix + "/bridge/state"
}

func displayName(p *store.PairingConfig) string {
	if p.Title != "" {
		return p.Title
	}
	return model
}

// configurationURL returns the meter's web root for the HA device page.
func configurationURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host + "/"
}

// buildDiscovery generates the HA discovery messages for a paired meter.
func buildDiscovery(p *store.PairingConfig, discoveryPrefix, statePrefix string) []discoveryMsg {
	node := nodeID(p.UniqueID)
	haDev := haDevice{
		Identifiers:      []string{node},
		Connections:      [][2]string{{"mac", strings.ToLower(p.UniqueID)}},
		Manufacturer:     manufacturer,
		Model:            model,
		Name:             displayName(p),
		ConfigurationURL: configurationURL(p.URL),
	}
	avail := []haAvailability{
		{Topic: bridgeStateTopic(statePrefix)},
		{Topic: availabilityTopic(statePrefix, p.UniqueID)},
	}

	msgs := make([]discoveryMsg, 0, len(sensors))
	for _, s := range sensors {
		payload := haDiscovery{
			Name:              s.Name,
			UniqueID:          entityUniqueID(p.UniqueID, s.Key),
			ObjectID:          node + "_" + s.Key,
			StateTopic:        stateTopic(statePrefix, p.UniqueID),
			Availability:      avail,
			AvailabilityMode:  "all",
			ValueTemplate:     fmt.Sprintf("{{ value_json.%s }}", s.Key),
			UnitOfMeasurement: s.Unit,
			DeviceClass:       s.DeviceClass,
			StateClass:        s.StateClass,
			Icon:              s.Icon,
			Device:            haDev,
		}
		msgs = append(msgs, discoveryMsg{
			Topic:   fmt.Sprintf("%s/sensor/%s/%s/config", discoveryPrefix, node, s.Key),
			Payload: mustJSON(payload),
		})
	}
	return msgs
}

// buildRemoveDiscovery generates empty retained messages to remove a meter from HA.
func buildRemoveDiscovery(uniqueID, discoveryPrefix string) []discoveryMsg {
	node := nodeID(uniqueID)
	msgs := make([]discoveryMsg, 0, len(sensors))
	for _, s := range sensors {
		msgs = append(msgs, discoveryMsg{
			Topic:   fmt.Sprintf("%s/sensor/%s/%s/config", discoveryPrefix, node, s.Key),
			Payload: nil, // empty retained = delete
		})
	}
	return msgs
}

// buildState renders a reading as the state JSON. Absent fields are null,
// which HA shows as unknown.
func buildState(r meter.Reading) []byte {
	state := make(map[string]any, len(sensors)+1)
	for key, v := range r.Values() {
		if v == nil {
			state[key] = nil
		} else {
			state[key] = *v
		}
	}
	if !r.ObservedAt.IsZero() {
		state["observed_at"] = r.ObservedAt.UTC().Format(time.RFC3339)
	}
	return mustJSON(state)
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
