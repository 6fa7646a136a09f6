// Package metrics exposes meter readings and gateway health as
// Prometheus metrics.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"nanogrid-air/internal/gateway"
	"nanogrid-air/internal/meter"
)

const namespace = "nanogrid_air"

// Collector keeps the metric vectors and updates them from gateway events.
type Collector struct {
	registry *prometheus.Registry

	current    *prometheus.GaugeVec
	voltage    *prometheus.GaugeVec
	power      *prometheus.GaugeVec
	energy     *prometheus.GaugeVec
	lastUpdate *prometheus.GaugeVec
	pollErrors *prometheus.CounterVec
	devices    prometheus.Gauge

	unsub func()
}

// New creates a Collector with its own registry.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		current: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "current_amperes",
			Help:      "Phase current in amperes",
		}, []string{"unique_id", "phase"}),
		voltage: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "voltage_volts",
			Help:      "Phase voltage in volts",
		}, []string{"unique_id", "phase"}),
		power: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "power_watts",
			Help:      "Active power in watts by direction (in, out)",
		}, []string{"unique_id", "direction"}),
		energy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "energy_kwh_total",
			Help:      "Total active energy in kWh by direction (import, export)",
		}, []string{"unique_id", "direction"}),
		lastUpdate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_reading_timestamp_seconds",
			Help:      "Unix time of the last good reading",
		}, []string{"unique_id"}),
		pollErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_errors_total",
			Help:      "Failed polls per meter",
		}, []string{"unique_id"}),
		devices: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "paired_devices",
			Help:      "Number of paired meters",
		}),
	}
	c.registry.MustRegister(
		c.current, c.voltage, c.power, c.energy,
		c.lastUpdate, c.pollErrors, c.devices,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// SetDevices sets the paired device gauge.
func (c *Collector) SetDevices(n int) {
	c.devices.Set(float64(n))
}

// Attach subscribes the collector to gateway events.
func (c *Collector) Attach(events *gateway.EventBus) {
	c.unsub = events.OnAll(c.handleEvent)
}

// Detach stops following gateway events.
func (c *Collector) Detach() {
	if c.unsub != nil {
		c.unsub()
	}
}

func (c *Collector) handleEvent(e gateway.Event) {
	switch e.Type {
	case gateway.EventReading:
		if d, ok := e.Data.(gateway.ReadingData); ok {
			c.Observe(d.UniqueID, d.Reading)
		}
	case gateway.EventReadingError:
		if d, ok := e.Data.(gateway.ReadingErrorData); ok {
			c.pollErrors.WithLabelValues(d.UniqueID).Inc()
		}
	case gateway.EventDevicePaired:
		c.devices.Inc()
	case gateway.EventDeviceRemoved:
		if d, ok := e.Data.(gateway.DeviceData); ok && d.Pairing != nil {
			c.forget(d.Pairing.UniqueID)
		}
		c.devices.Dec()
	}
}

// Observe records a reading. Absent fields drop their series so they are
// reported as missing rather than zero.
func (c *Collector) Observe(uniqueID string, r meter.Reading) {
	for i := 0; i < meter.Phases; i++ {
		phase := "L" + strconv.Itoa(i+1)
		set(c.current, r.Currents[i], uniqueID, phase)
		set(c.voltage, r.Voltages[i], uniqueID, phase)
	}
	set(c.power, r.PowerIn, uniqueID, "in")
	set(c.power, r.PowerOut, uniqueID, "out")
	set(c.energy, r.EnergyImportTotal, uniqueID, "import")
	set(c.energy, r.EnergyExportTotal, uniqueID, "export")
	if !r.ObservedAt.IsZero() {
		c.lastUpdate.WithLabelValues(uniqueID).Set(float64(r.ObservedAt.UnixNano()) / 1e9)
	}
}

func (c *Collector) forget(uniqueID string) {
	match := prometheus.Labels{"unique_id": uniqueID}
	c.current.DeletePartialMatch(match)
	c.voltage.DeletePartialMatch(match)
	c.power.DeletePartialMatch(match)
	c.energy.DeletePartialMatch(match)
	c.lastUpdate.DeletePartialMatch(match)
	c.pollErrors.DeletePartialMatch(match)
}

func set(vec *prometheus.GaugeVec, v *float64, labels ...string) {
	if v == nil {
		vec.DeleteLabelValues(labels...)
		return
	}
	vec.WithLabelValues(labels...).Set(*v)
}
