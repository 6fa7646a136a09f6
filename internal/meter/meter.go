// Package meter holds the Nanogrid Air device model: its network address,
// identity, and telemetry readings, plus decoding of the device's JSON payloads.
package meter

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"time"
)

// Phases is the number of measured phases (L1..L3).
const Phases = 3

// Address is a usable network location for a device.
type Address struct {
	Host       string    `json:"host"`
	Port       int       `json:"port,omitempty"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// HostPort returns host or host:port suitable for building URLs.
func (a Address) HostPort() string {
	if a.Port == 0 || a.Port == 80 {
		if ip := net.ParseIP(a.Host); ip != nil && ip.To4() == nil {
			return "[" + a.Host + "]"
		}
		return a.Host
	}
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// BaseURL returns the http:// root of the device API.
func (a Address) BaseURL() string {
	return "http://" + a.HostPort()
}

// MeterURL returns the telemetry endpoint URL. This is the form persisted
// as a pairing URL.
func (a Address) MeterURL() string {
	return a.BaseURL() + "/meter/"
}

// Identity identifies a physical device.
type Identity struct {
	MAC string `json:"mac"`
}

// Valid reports whether the identity can be used as a pairing key.
func (id Identity) Valid() bool {
	return id.MAC != ""
}

// Reading is one telemetry snapshot. A nil field means the device did not
// report it and its value is unknown.
type Reading struct {
	Currents          [Phases]*float64 `json:"currents"`
	Voltages          [Phases]*float64 `json:"voltages"`
	PowerIn           *float64         `json:"power_in"`
	PowerOut          *float64         `json:"power_out"`
	EnergyImportTotal *float64         `json:"energy_import_total"`
	EnergyExportTotal *float64         `json:"energy_export_total"`
	ObservedAt        time.Time        `json:"observed_at"`
}

// Clone returns a deep copy so subscribers never share pointers with the producer.
func (r Reading) Clone() Reading {
	out := Reading{ObservedAt: r.ObservedAt}
	for i := 0; i < Phases; i++ {
		out.Currents[i] = clonePtr(r.Currents[i])
		out.Voltages[i] = clonePtr(r.Voltages[i])
	}
	out.PowerIn = clonePtr(r.PowerIn)
	out.PowerOut = clonePtr(r.PowerOut)
	out.EnergyImportTotal = clonePtr(r.EnergyImportTotal)
	out.EnergyExportTotal = clonePtr(r.EnergyExportTotal)
	return out
}

// Values flattens the reading into sensor keys (current_0, voltage_2, power_in, ...).
// Absent fields map to nil.
func (r Reading) Values() map[string]*float64 {
	v := make(map[string]*float64, 2*Phases+4)
	for i := 0; i < Phases; i++ {
		v[fmt.Sprintf("current_%d", i)] = r.Currents[i]
		v[fmt.Sprintf("voltage_%d", i)] = r.Voltages[i]
	}
	v["power_in"] = r.PowerIn
	v["power_out"] = r.PowerOut
	v["total_energy_import"] = r.EnergyImportTotal
	v["total_energy_export"] = r.EnergyExportTotal
	return v
}

func clonePtr(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Float returns a pointer to v. Handy for building readings in code and tests.
func Float(v float64) *float64 {
	return &v
}

// meterPayload mirrors GET /meter/ and the push-mode meterdata message.
// Every field is optional.
type meterPayload struct {
	Current                 []*float64 `json:"current"`
	Voltage                 []*float64 `json:"voltage"`
	ActivePowerIn           *float64   `json:"activePowerIn"`
	ActivePowerOut          *float64   `json:"activePowerOut"`
	TotalEnergyActiveImport *float64   `json:"totalEnergyActiveImport"`
	TotalEnergyActiveExport *float64   `json:"totalEnergyActiveExport"`
}

type statusPayload struct {
	DeviceInfo *struct {
		MAC string `json:"mac"`
	} `json:"deviceInfo"`
}

// DecodeReading parses a meter payload. Missing fields stay nil; extra
// phases beyond L3 are ignored.
func DecodeReading(data []byte, observedAt time.Time) (Reading, error) {
	var p meterPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return Reading{}, fmt.Errorf("decode meter payload: %w", err)
	}
	r := Reading{
		PowerIn:           p.ActivePowerIn,
		PowerOut:          p.ActivePowerOut,
		EnergyImportTotal: p.TotalEnergyActiveImport,
		EnergyExportTotal: p.TotalEnergyActiveExport,
		ObservedAt:        observedAt,
	}
	for i := 0; i < Phases; i++ {
		if i < len(p.Current) {
			r.Currents[i] = p.Current[i]
		}
		if i < len(p.Voltage) {
			r.Voltages[i] = p.Voltage[i]
		}
	}
	return r, nil
}

// EncodeReading renders a reading in the device's own meter schema,
// omitting absent scalar fields. Used by the simulator.
func EncodeReading(r Reading) ([]byte, error) {
	m := map[string]any{
		"current": r.Currents[:],
		"voltage": r.Voltages[:],
	}
	if r.PowerIn != nil {
		m["activePowerIn"] = *r.PowerIn
	}
	if r.PowerOut != nil {
		m["activePowerOut"] = *r.PowerOut
	}
	if r.EnergyImportTotal != nil {
		m["totalEnergyActiveImport"] = *r.EnergyImportTotal
	}
	if r.EnergyExportTotal != nil {
		m["totalEnergyActiveExport"] = *r.EnergyExportTotal
	}
	return json.Marshal(m)
}

// DecodeIdentity parses a /status/ payload. A body without deviceInfo.mac
// yields an empty identity, not an error; callers check Valid.
func DecodeIdentity(data []byte) (Identity, error) {
	var p statusPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return Identity{}, fmt.Errorf("decode status payload: %w", err)
	}
	if p.DeviceInfo == nil {
		return Identity{}, nil
	}
	return Identity{MAC: p.DeviceInfo.MAC}, nil
}
