package metrics

import (
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nanogrid-air/internal/gateway"
	"nanogrid-air/internal/meter"
	"nanogrid-air/internal/store"
)

func TestObserveSetsPresentFields(t *testing.T) {
	c := New()
	c.Observe("AA", meter.Reading{
		Currents:          [meter.Phases]*float64{meter.Float(1.5), meter.Float(2), nil},
		PowerIn:           meter.Float(450),
		EnergyImportTotal: meter.Float(1234.5),
		ObservedAt:        time.Unix(1700000000, 0),
	})

	assert.Equal(t, 1.5, testutil.ToFloat64(c.current.WithLabelValues("AA", "L1")))
	assert.Equal(t, 450.0, testutil.ToFloat64(c.power.WithLabelValues("AA", "in")))
	assert.Equal(t, 1234.5, testutil.ToFloat64(c.energy.WithLabelValues("AA", "import")))
	assert.Equal(t, 1700000000.0, testutil.ToFloat64(c.lastUpdate.WithLabelValues("AA")))

	// Two currents present, L3 absent.
	assert.Equal(t, 2, testutil.CollectAndCount(c.current))
	assert.Equal(t, 0, testutil.CollectAndCount(c.voltage))
}

func TestObserveDropsFieldsThatDisappear(t *testing.T) {
	c := New()
	c.Observe("AA", meter.Reading{PowerIn: meter.Float(1), PowerOut: meter.Float(2)})
	require.Equal(t, 2, testutil.CollectAndCount(c.power))

	c.Observe("AA", meter.Reading{PowerIn: meter.Float(3)})
	assert.Equal(t, 1, testutil.CollectAndCount(c.power))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.power.WithLabelValues("AA", "in")))
}

func TestEventsDriveMetrics(t *testing.T) {
	events := gateway.NewEventBus(slog.New(slog.NewTextHandler(io.Discard, nil)))
	c := New()
	c.Attach(events)
	defer c.Detach()

	p := &store.PairingConfig{UniqueID: "AA"}
	events.Emit(gateway.Event{Type: gateway.EventDevicePaired, Data: gateway.DeviceData{Pairing: p}})
	events.Emit(gateway.Event{Type: gateway.EventReading, Data: gateway.ReadingData{UniqueID: "AA", Reading: meter.Reading{PowerOut: meter.Float(7)}}})
	events.Emit(gateway.Event{Type: gateway.EventReadingError, Data: gateway.ReadingErrorData{UniqueID: "AA", Error: "x"}})
	events.Emit(gateway.Event{Type: gateway.EventReadingError, Data: gateway.ReadingErrorData{UniqueID: "AA", Error: "x"}})

	assert.Equal(t, 1.0, testutil.ToFloat64(c.devices))
	assert.Equal(t, 7.0, testutil.ToFloat64(c.power.WithLabelValues("AA", "out")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.pollErrors.WithLabelValues("AA")))

	events.Emit(gateway.Event{Type: gateway.EventDeviceRemoved, Data: gateway.DeviceData{Pairing: p}})
	assert.Equal(t, 0.0, testutil.ToFloat64(c.devices))
	assert.Equal(t, 0, testutil.CollectAndCount(c.power))
	assert.Equal(t, 0, testutil.CollectAndCount(c.pollErrors))
}

func TestHandlerServesExposition(t *testing.T) {
	c := New()
	c.SetDevices(1)
	c.Observe("AA", meter.Reading{Voltages: [meter.Phases]*float64{meter.Float(230.1)}})

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	assert.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(body, `nanogrid_air_voltage_volts{phase="L1",unique_id="AA"} 230.1`), body)
	assert.Contains(t, body, "nanogrid_air_paired_devices 1")
}
