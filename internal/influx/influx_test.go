//go:build !no_influx

package influx

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nanogrid-air/internal/gateway"
	"nanogrid-air/internal/meter"
)

type fakeWriter struct {
	mu     sync.Mutex
	points []*write.Point
	err    error
}

func (w *fakeWriter) WritePoint(_ context.Context, points ...*write.Point) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.points = append(w.points, points...)
	return w.err
}

func (w *fakeWriter) written() []*write.Point {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]*write.Point(nil), w.points...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fieldMap(p *write.Point) map[string]interface{} {
	out := make(map[string]interface{})
	for _, f := range p.FieldList() {
		out[f.Key] = f.Value
	}
	return out
}

func TestNewPointOmitsAbsentFields(t *testing.T) {
	observed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	p := NewPoint("AA", meter.Reading{
		Currents:          [meter.Phases]*float64{meter.Float(1.5), nil, nil},
		PowerIn:           meter.Float(450),
		EnergyExportTotal: meter.Float(12.25),
		ObservedAt:        observed,
	})
	require.NotNil(t, p)

	assert.Equal(t, Measurement, p.Name())
	assert.Equal(t, observed, p.Time())
	require.Len(t, p.TagList(), 1)
	assert.Equal(t, "unique_id", p.TagList()[0].Key)
	assert.Equal(t, "AA", p.TagList()[0].Value)

	assert.Equal(t, map[string]interface{}{
		"current_0":           1.5,
		"power_in":            450.0,
		"total_energy_export": 12.25,
	}, fieldMap(p))
}

func TestNewPointEmptyReading(t *testing.T) {
	assert.Nil(t, NewPoint("AA", meter.Reading{ObservedAt: time.Now()}))
}

func TestRecorderWritesReadingEvents(t *testing.T) {
	events := gateway.NewEventBus(testLogger())
	w := &fakeWriter{}
	r := newRecorder(w, events, testLogger())
	r.Start()

	events.Emit(gateway.Event{Type: gateway.EventReading, Data: gateway.ReadingData{
		UniqueID: "AA", Reading: meter.Reading{PowerOut: meter.Float(3)},
	}})
	events.Emit(gateway.Event{Type: gateway.EventReadingError, Data: gateway.ReadingErrorData{UniqueID: "AA", Error: "x"}})
	events.Emit(gateway.Event{Type: gateway.EventReading, Data: gateway.ReadingData{UniqueID: "AA"}})
	r.Stop()

	points := w.written()
	require.Len(t, points, 1)
	assert.Equal(t, 3.0, fieldMap(points[0])["power_out"])
}

func TestRecorderSurvivesWriteErrors(t *testing.T) {
	events := gateway.NewEventBus(testLogger())
	w := &fakeWriter{err: errors.New("unavailable")}
	r := newRecorder(w, events, testLogger())
	r.Start()

	for i := 0; i < 3; i++ {
		events.Emit(gateway.Event{Type: gateway.EventReading, Data: gateway.ReadingData{
			UniqueID: "AA", Reading: meter.Reading{PowerIn: meter.Float(float64(i))},
		}})
	}
	r.Stop()
	r.Stop()

	assert.Len(t, w.written(), 3)
}
