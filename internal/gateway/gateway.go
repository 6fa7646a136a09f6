// Package gateway owns the paired meters: one scheduler per pairing, the
// last-known readings, and the event bus every output subscribes to.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"nanogrid-air/internal/meter"
	"nanogrid-air/internal/pairing"
	"nanogrid-air/internal/scheduler"
	"nanogrid-air/internal/store"
)

// Config holds the defaults applied to new pairings.
type Config struct {
	Mode     scheduler.Mode
	Interval time.Duration
}

// DeviceStatus is a pairing together with its live scheduler state.
type DeviceStatus struct {
	*store.PairingConfig
	State string `json:"state"`
}

// Gateway runs one scheduler per pairing and fans readings out on its
// event bus. It implements pairing.Registry.
type Gateway struct {
	store    store.Store
	fetcher  scheduler.Fetcher
	resolver scheduler.Resolver
	events   *EventBus
	base     *slog.Logger
	logger   *slog.Logger
	config   Config

	mu         sync.Mutex
	source     scheduler.Source
	schedulers map[string]*scheduler.Scheduler
	ctx        context.Context
}

// New creates a Gateway. Call Start to begin polling stored pairings.
func New(st store.Store, fetcher scheduler.Fetcher, resolver scheduler.Resolver, events *EventBus, cfg Config, logger *slog.Logger) *Gateway {
	if cfg.Mode == "" {
		cfg.Mode = scheduler.ModePoll
	}
	return &Gateway{
		store:      st,
		fetcher:    fetcher,
		resolver:   resolver,
		events:     events,
		base:       logger,
		logger:     logger.With("component", "gateway"),
		config:     cfg,
		schedulers: make(map[string]*scheduler.Scheduler),
	}
}

// Events returns the gateway's event bus.
func (g *Gateway) Events() *EventBus {
	return g.events
}

// SetSource sets the push-mode message source. It applies to schedulers
// started afterwards.
func (g *Gateway) SetSource(src scheduler.Source) {
	g.mu.Lock()
	g.source = src
	g.mu.Unlock()
}

// Start launches a scheduler for every stored pairing. Schedulers stop
// when ctx is cancelled or Stop is called.
func (g *Gateway) Start(ctx context.Context) error {
	pairings, err := g.store.ListPairings()
	if err != nil {
		return fmt.Errorf("list pairings: %w", err)
	}

	g.mu.Lock()
	g.ctx = ctx
	g.mu.Unlock()

	for _, p := range pairings {
		if err := g.startScheduler(p); err != nil {
			g.logger.Error("start scheduler", "unique_id", p.UniqueID, "err", err)
		}
	}
	g.logger.Info("gateway started", "devices", len(pairings))
	return nil
}

// Stop stops every scheduler.
func (g *Gateway) Stop() {
	g.mu.Lock()
	scheds := g.schedulers
	g.schedulers = make(map[string]*scheduler.Scheduler)
	g.ctx = nil
	g.mu.Unlock()

	for _, s := range scheds {
		s.Stop()
	}
}

// Count returns the number of pairings.
func (g *Gateway) Count() (int, error) {
	return g.store.CountPairings()
}

// Create persists a new pairing and starts polling it.
func (g *Gateway) Create(_ context.Context, cfg pairing.Config) error {
	p := &store.PairingConfig{
		UniqueID: cfg.UniqueID,
		URL:      cfg.URL,
		Title:    cfg.Title,
		Mode:     string(g.config.Mode),
	}
	if err := g.store.CreatePairing(p); err != nil {
		if errors.Is(err, store.ErrExists) {
			return fmt.Errorf("%s: %w", cfg.UniqueID, pairing.ErrAlreadyConfigured)
		}
		return err
	}

	g.events.Emit(Event{Type: EventDevicePaired, Data: DeviceData{Pairing: p}})
	if g.running() {
		if err := g.startScheduler(p); err != nil {
			g.logger.Error("start scheduler", "unique_id", p.UniqueID, "err", err)
		}
	}
	return nil
}

// Devices lists the pairings with their scheduler state.
func (g *Gateway) Devices() ([]DeviceStatus, error) {
	pairings, err := g.store.ListPairings()
	if err != nil {
		return nil, err
	}
	sort.Slice(pairings, func(i, j int) bool { return pairings[i].UniqueID < pairings[j].UniqueID })

	out := make([]DeviceStatus, 0, len(pairings))
	for _, p := range pairings {
		out = append(out, DeviceStatus{PairingConfig: p, State: g.state(p.UniqueID)})
	}
	return out, nil
}

// Device returns one pairing. Returns store.ErrNotFound if unknown.
func (g *Gateway) Device(uniqueID string) (DeviceStatus, error) {
	p, err := g.store.GetPairing(uniqueID)
	if err != nil {
		return DeviceStatus{}, err
	}
	return DeviceStatus{PairingConfig: p, State: g.state(uniqueID)}, nil
}

// Reading returns the last good reading of a device, from its running
// scheduler or else from the store. ok is false when none is known.
func (g *Gateway) Reading(uniqueID string) (r meter.Reading, ok bool, err error) {
	if _, err := g.store.GetPairing(uniqueID); err != nil {
		return meter.Reading{}, false, err
	}
	g.mu.Lock()
	s := g.schedulers[uniqueID]
	g.mu.Unlock()
	if s != nil {
		if r, ok := s.Last(); ok {
			return r, true, nil
		}
	}
	r, err = g.store.GetReading(uniqueID)
	if errors.Is(err, store.ErrNotFound) {
		return meter.Reading{}, false, nil
	}
	if err != nil {
		return meter.Reading{}, false, err
	}
	return r, true, nil
}

// UpdateURL changes a device's URL without re-pairing and restarts its
// scheduler against the new address.
func (g *Gateway) UpdateURL(uniqueID, url string) (DeviceStatus, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return DeviceStatus{}, errors.New("url is required")
	}
	var updated store.PairingConfig
	err := g.store.UpdatePairing(uniqueID, func(p *store.PairingConfig) error {
		p.URL = url
		updated = *p
		return nil
	})
	if err != nil {
		return DeviceStatus{}, err
	}

	g.stopScheduler(uniqueID)
	if g.running() {
		if err := g.startScheduler(&updated); err != nil {
			g.logger.Error("restart scheduler", "unique_id", uniqueID, "err", err)
		}
	}
	g.events.Emit(Event{Type: EventDeviceUpdated, Data: DeviceData{Pairing: &updated}})
	g.logger.Info("device url updated", "unique_id", uniqueID, "url", url)
	return DeviceStatus{PairingConfig: &updated, State: g.state(uniqueID)}, nil
}

// Remove stops polling a device and deletes its pairing.
func (g *Gateway) Remove(uniqueID string) error {
	p, err := g.store.GetPairing(uniqueID)
	if err != nil {
		return err
	}
	g.stopScheduler(uniqueID)
	if err := g.store.DeletePairing(uniqueID); err != nil {
		return err
	}
	g.events.Emit(Event{Type: EventDeviceRemoved, Data: DeviceData{Pairing: p}})
	g.logger.Info("device removed", "unique_id", uniqueID)
	return nil
}

func (g *Gateway) running() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ctx != nil
}

func (g *Gateway) state(uniqueID string) string {
	g.mu.Lock()
	s := g.schedulers[uniqueID]
	g.mu.Unlock()
	if s == nil {
		return scheduler.Stopped.String()
	}
	return s.State().String()
}

func (g *Gateway) startScheduler(p *store.PairingConfig) error {
	mode, err := scheduler.ParseMode(p.Mode)
	if err != nil {
		return err
	}

	g.mu.Lock()
	if g.ctx == nil {
		g.mu.Unlock()
		return errors.New("gateway not started")
	}
	if _, ok := g.schedulers[p.UniqueID]; ok {
		g.mu.Unlock()
		return fmt.Errorf("scheduler for %s already running", p.UniqueID)
	}
	ctx := g.ctx
	s := scheduler.New(scheduler.Config{
		UniqueID: p.UniqueID,
		URL:      p.URL,
		Mode:     mode,
		Interval: g.config.Interval,
		Fetcher:  g.fetcher,
		Resolver: g.resolver,
		Source:   g.source,
		Publish:  g.publish,
	}, g.base)
	g.schedulers[p.UniqueID] = s
	g.mu.Unlock()

	if err := s.Start(ctx); err != nil {
		g.mu.Lock()
		delete(g.schedulers, p.UniqueID)
		g.mu.Unlock()
		return err
	}
	return nil
}

func (g *Gateway) stopScheduler(uniqueID string) {
	g.mu.Lock()
	s := g.schedulers[uniqueID]
	delete(g.schedulers, uniqueID)
	g.mu.Unlock()
	if s != nil {
		s.Stop()
	}
}

// publish runs on a scheduler's goroutine for every update.
func (g *Gateway) publish(u scheduler.Update) {
	if !u.OK() {
		g.events.Emit(Event{Type: EventReadingError, Data: ReadingErrorData{UniqueID: u.UniqueID, Error: u.Err.Error()}})
		return
	}
	if err := g.store.SaveReading(u.UniqueID, u.Reading); err != nil {
		g.logger.Warn("save reading", "unique_id", u.UniqueID, "err", err)
	}
	g.events.Emit(Event{Type: EventReading, Data: ReadingData{UniqueID: u.UniqueID, Reading: u.Reading}})
}
