//go:build !no_influx

// Package influx records meter readings as InfluxDB points.
package influx

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"nanogrid-air/internal/gateway"
	"nanogrid-air/internal/meter"
)

// Measurement is the measurement name of every written point.
const Measurement = "nanogrid_air"

const (
	queueSize    = 64
	writeTimeout = 5 * time.Second
)

// Config holds InfluxDB connection settings.
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// PointWriter writes points. api.WriteAPIBlocking satisfies it.
type PointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// Recorder writes every reading event to InfluxDB from a single worker.
type Recorder struct {
	writer PointWriter
	events *gateway.EventBus
	logger *slog.Logger
	close  func()

	queue chan *write.Point
	unsub func()
	wg    sync.WaitGroup
	once  sync.Once
}

// NewRecorder connects to InfluxDB and returns a recorder for its bucket.
func NewRecorder(events *gateway.EventBus, cfg Config, logger *slog.Logger) (*Recorder, error) {
	if cfg.URL == "" || cfg.Org == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("influx: url, org and bucket are required")
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if ok, err := client.Ping(ctx); err != nil || !ok {
		logger.Warn("InfluxDB not reachable yet", "component", "influx", "url", cfg.URL, "err", err)
	}

	r := newRecorder(client.WriteAPIBlocking(cfg.Org, cfg.Bucket), events, logger)
	r.close = client.Close
	return r, nil
}

func newRecorder(w PointWriter, events *gateway.EventBus, logger *slog.Logger) *Recorder {
	return &Recorder{
		writer: w,
		events: events,
		logger: logger.With("component", "influx"),
		queue:  make(chan *write.Point, queueSize),
	}
}

// Start subscribes to reading events and starts the writer.
func (r *Recorder) Start() {
	r.wg.Add(1)
	go r.run()
	r.unsub = r.events.On(gateway.EventReading, r.handleEvent)
	r.logger.Info("InfluxDB recorder started")
}

// Stop unsubscribes, drains queued points and closes the client.
func (r *Recorder) Stop() {
	r.once.Do(func() {
		if r.unsub != nil {
			r.unsub()
		}
		close(r.queue)
		r.wg.Wait()
		if r.close != nil {
			r.close()
		}
		r.logger.Info("InfluxDB recorder stopped")
	})
}

func (r *Recorder) handleEvent(e gateway.Event) {
	data, ok := e.Data.(gateway.ReadingData)
	if !ok {
		return
	}
	p := NewPoint(data.UniqueID, data.Reading)
	if p == nil {
		return
	}
	select {
	case r.queue <- p:
	default:
		r.logger.Warn("write queue full, dropping point", "unique_id", data.UniqueID)
	}
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for p := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := r.writer.WritePoint(ctx, p); err != nil {
			r.logger.Warn("write point", "err", err)
		}
		cancel()
	}
}

// NewPoint converts a reading into a point tagged with the meter's unique id.
// Absent fields are omitted. Returns nil when the reading has no fields.
func NewPoint(uniqueID string, rd meter.Reading) *write.Point {
	fields := make(map[string]interface{})
	for key, v := range rd.Values() {
		if v != nil {
			fields[key] = *v
		}
	}
	if len(fields) == 0 {
		return nil
	}
	ts := rd.ObservedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	return influxdb2.NewPoint(Measurement, map[string]string{"unique_id": uniqueID}, fields, ts)
}
