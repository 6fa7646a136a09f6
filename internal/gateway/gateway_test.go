package gateway

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"nanogrid-air/internal/meter"
	"nanogrid-air/internal/pairing"
	"nanogrid-air/internal/scheduler"
	"nanogrid-air/internal/store"
)

type stubFetcher struct {
	mu    sync.Mutex
	hosts []string
	fail  atomic.Bool
}

func (f *stubFetcher) FetchReading(_ context.Context, addr meter.Address) (meter.Reading, error) {
	f.mu.Lock()
	f.hosts = append(f.hosts, addr.Host)
	f.mu.Unlock()
	if f.fail.Load() {
		return meter.Reading{}, errors.New("device offline")
	}
	return meter.Reading{PowerIn: meter.Float(42), ObservedAt: time.Now()}, nil
}

func (f *stubFetcher) lastHost() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.hosts) == 0 {
		return ""
	}
	return f.hosts[len(f.hosts)-1]
}

// urlResolver maps a URL to a host by stripping the scheme and path.
type urlResolver map[string]string

func (r urlResolver) Resolve(_ context.Context, hint string) (meter.Address, error) {
	host, ok := r[hint]
	if !ok {
		return meter.Address{}, errors.New("unknown host")
	}
	return meter.Address{Host: host}, nil
}

func newTestGateway(t *testing.T, f *stubFetcher) (*Gateway, *store.BoltStore) {
	t.Helper()
	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	res := urlResolver{
		"http://10.0.0.5/meter/": "10.0.0.5",
		"http://10.0.0.9/meter/": "10.0.0.9",
	}
	gw := New(st, f, res, NewEventBus(newTestLogger()), Config{Interval: 10 * time.Millisecond}, newTestLogger())
	t.Cleanup(gw.Stop)
	return gw, st
}

func waitEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestCreateStartsPolling(t *testing.T) {
	f := &stubFetcher{}
	gw, st := newTestGateway(t, f)

	readings := make(chan Event, 100)
	gw.Events().On(EventReading, func(e Event) {
		select {
		case readings <- e:
		default:
		}
	})
	paired := make(chan Event, 1)
	gw.Events().On(EventDevicePaired, func(e Event) { paired <- e })

	if err := gw.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	err := gw.Create(context.Background(), pairing.Config{UniqueID: "AA:BB", URL: "http://10.0.0.5/meter/", Title: "Nanogrid Air"})
	if err != nil {
		t.Fatal(err)
	}

	pe := waitEvent(t, paired)
	if pe.Data.(DeviceData).Pairing.Mode != string(scheduler.ModePoll) {
		t.Errorf("mode = %q, want poll", pe.Data.(DeviceData).Pairing.Mode)
	}

	e := waitEvent(t, readings)
	data := e.Data.(ReadingData)
	if data.UniqueID != "AA:BB" {
		t.Errorf("unique_id = %q", data.UniqueID)
	}
	if data.Reading.PowerIn == nil || *data.Reading.PowerIn != 42 {
		t.Errorf("power_in = %v, want 42", data.Reading.PowerIn)
	}
	if f.lastHost() != "10.0.0.5" {
		t.Errorf("fetched host = %q", f.lastHost())
	}

	r, ok, err := gw.Reading("AA:BB")
	if err != nil || !ok {
		t.Fatalf("reading: ok=%v err=%v", ok, err)
	}
	if *r.PowerIn != 42 {
		t.Errorf("last reading power_in = %v", *r.PowerIn)
	}

	// The last reading is persisted for display after a restart.
	if _, err := st.GetReading("AA:BB"); err != nil {
		t.Errorf("stored reading: %v", err)
	}

	dev, err := gw.Device("AA:BB")
	if err != nil {
		t.Fatal(err)
	}
	if dev.State != "active" {
		t.Errorf("state = %q, want active", dev.State)
	}
}

func TestCreateDuplicate(t *testing.T) {
	gw, _ := newTestGateway(t, &stubFetcher{})

	cfg := pairing.Config{UniqueID: "AA:BB", URL: "http://10.0.0.5/meter/"}
	if err := gw.Create(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}
	err := gw.Create(context.Background(), cfg)
	if !errors.Is(err, pairing.ErrAlreadyConfigured) {
		t.Fatalf("err = %v, want ErrAlreadyConfigured", err)
	}
	if n, _ := gw.Count(); n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
}

func TestStartResumesStoredPairings(t *testing.T) {
	f := &stubFetcher{}
	gw, st := newTestGateway(t, f)

	if err := st.CreatePairing(&store.PairingConfig{UniqueID: "AA:BB", URL: "http://10.0.0.5/meter/", Mode: "poll"}); err != nil {
		t.Fatal(err)
	}

	readings := make(chan Event, 100)
	gw.Events().On(EventReading, func(e Event) {
		select {
		case readings <- e:
		default:
		}
	})
	if err := gw.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, readings)

	devs, err := gw.Devices()
	if err != nil {
		t.Fatal(err)
	}
	if len(devs) != 1 || devs[0].UniqueID != "AA:BB" {
		t.Fatalf("devices = %+v", devs)
	}
}

func TestPollErrorsAreEmitted(t *testing.T) {
	f := &stubFetcher{}
	f.fail.Store(true)
	gw, _ := newTestGateway(t, f)

	errs := make(chan Event, 100)
	gw.Events().On(EventReadingError, func(e Event) {
		select {
		case errs <- e:
		default:
		}
	})
	if err := gw.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := gw.Create(context.Background(), pairing.Config{UniqueID: "AA", URL: "http://10.0.0.5/meter/"}); err != nil {
		t.Fatal(err)
	}

	e := waitEvent(t, errs)
	if e.Data.(ReadingErrorData).Error != "device offline" {
		t.Errorf("error = %q", e.Data.(ReadingErrorData).Error)
	}
	_, ok, err := gw.Reading("AA")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("reading reported for a device that never answered")
	}
}

func TestUpdateURLRestartsScheduler(t *testing.T) {
	f := &stubFetcher{}
	gw, st := newTestGateway(t, f)

	if err := gw.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := gw.Create(context.Background(), pairing.Config{UniqueID: "AA", URL: "http://10.0.0.5/meter/"}); err != nil {
		t.Fatal(err)
	}

	dev, err := gw.UpdateURL("AA", "http://10.0.0.9/meter/")
	if err != nil {
		t.Fatal(err)
	}
	if dev.URL != "http://10.0.0.9/meter/" {
		t.Errorf("url = %q", dev.URL)
	}

	deadline := time.Now().Add(2 * time.Second)
	for f.lastHost() != "10.0.0.9" {
		if time.Now().After(deadline) {
			t.Fatalf("still polling %q after url update", f.lastHost())
		}
		time.Sleep(5 * time.Millisecond)
	}

	p, err := st.GetPairing("AA")
	if err != nil {
		t.Fatal(err)
	}
	if p.URL != "http://10.0.0.9/meter/" || p.UniqueID != "AA" {
		t.Errorf("stored pairing = %+v", p)
	}

	if _, err := gw.UpdateURL("AA", " "); err == nil {
		t.Error("empty url accepted")
	}
	if _, err := gw.UpdateURL("missing", "http://x/"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestRemove(t *testing.T) {
	gw, _ := newTestGateway(t, &stubFetcher{})
	removed := make(chan Event, 1)
	gw.Events().On(EventDeviceRemoved, func(e Event) { removed <- e })

	if err := gw.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := gw.Create(context.Background(), pairing.Config{UniqueID: "AA", URL: "http://10.0.0.5/meter/"}); err != nil {
		t.Fatal(err)
	}
	if err := gw.Remove("AA"); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, removed)

	if _, err := gw.Device("AA"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if err := gw.Remove("AA"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("second remove: err = %v, want ErrNotFound", err)
	}
	if n, _ := gw.Count(); n != 0 {
		t.Errorf("count = %d", n)
	}
}

func TestCreateBeforeStartDefersPolling(t *testing.T) {
	f := &stubFetcher{}
	gw, _ := newTestGateway(t, f)

	if err := gw.Create(context.Background(), pairing.Config{UniqueID: "AA", URL: "http://10.0.0.5/meter/"}); err != nil {
		t.Fatal(err)
	}
	dev, err := gw.Device("AA")
	if err != nil {
		t.Fatal(err)
	}
	if dev.State != "stopped" {
		t.Errorf("state = %q, want stopped", dev.State)
	}
	if f.lastHost() != "" {
		t.Error("polled before Start")
	}
}
