// Package scheduler drives periodic polling of one paired meter, or
// consumes the meter's pushed telemetry, and publishes every result.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"nanogrid-air/internal/meter"
	"nanogrid-air/internal/transport"
)

// Mode selects how readings are obtained.
type Mode string

const (
	ModePoll Mode = "poll"
	ModePush Mode = "push"
)

// ParseMode parses a configured mode. Empty means poll.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModePoll:
		return ModePoll, nil
	case ModePush:
		return ModePush, nil
	default:
		return "", fmt.Errorf("unknown mode %q (want poll or push)", s)
	}
}

// State is the scheduler lifecycle state.
type State int

const (
	Idle State = iota
	Active
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Active:
		return "active"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// DefaultInterval is the poll period when none is configured.
const DefaultInterval = 10 * time.Second

var (
	ErrAlreadyStarted = errors.New("scheduler already started")
	ErrNoSource       = errors.New("push mode requires a source")
)

// Update is one published result: a fresh Reading or the error that
// prevented one.
type Update struct {
	UniqueID string
	Reading  meter.Reading
	Err      error
	At       time.Time
}

// OK reports whether the update carries a reading.
func (u Update) OK() bool { return u.Err == nil }

// Fetcher reads telemetry from a device address.
type Fetcher interface {
	FetchReading(ctx context.Context, addr meter.Address) (meter.Reading, error)
}

// Resolver turns the configured URL into an address.
type Resolver interface {
	Resolve(ctx context.Context, hint string) (meter.Address, error)
}

// Source delivers pushed meter payloads. The returned function cancels
// the subscription.
type Source interface {
	Subscribe(handler func(topic string, payload []byte)) (func(), error)
}

// Config configures one Scheduler.
type Config struct {
	UniqueID string
	URL      string
	Mode     Mode
	Interval time.Duration

	Fetcher  Fetcher
	Resolver Resolver
	Source   Source

	// Publish receives every update, sequentially. It must not call Stop.
	Publish func(Update)
}

// Scheduler owns the polling loop or push subscription for one device.
type Scheduler struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	unsub  func()
	addr   meter.Address
	last   *meter.Reading
	done   chan struct{}

	// pubMu serializes publications against Stop.
	pubMu   sync.Mutex
	stopped bool
}

// New creates an idle Scheduler.
func New(cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Mode == "" {
		cfg.Mode = ModePoll
	}
	return &Scheduler{
		cfg:    cfg,
		logger: logger.With("component", "scheduler", "unique_id", cfg.UniqueID, "mode", string(cfg.Mode)),
		now:    time.Now,
	}
}

// State returns the current lifecycle state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Last returns the last good reading, if any.
func (s *Scheduler) Last() (meter.Reading, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return meter.Reading{}, false
	}
	return s.last.Clone(), true
}

// Start moves the scheduler to Active. Cancelling ctx has the same effect
// as Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Idle {
		return ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.done = make(chan struct{})

	switch s.cfg.Mode {
	case ModePush:
		if s.cfg.Source == nil {
			cancel()
			return ErrNoSource
		}
		unsub, err := s.cfg.Source.Subscribe(s.handlePush)
		if err != nil {
			cancel()
			return fmt.Errorf("subscribe: %w", err)
		}
		s.unsub = unsub
		go func() {
			defer close(s.done)
			<-runCtx.Done()
			s.shutdown()
		}()
	default:
		go func() {
			defer close(s.done)
			s.pollLoop(runCtx)
			s.shutdown()
		}()
	}

	s.cancel = cancel
	s.state = Active
	s.logger.Info("scheduler started", "interval", s.cfg.Interval)
	return nil
}

// Stop cancels any in-flight fetch and subscription. No update is
// published after Stop returns. Stop is idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	switch s.state {
	case Idle:
		s.state = Stopped
		s.mu.Unlock()
		s.markStopped()
		return
	case Stopped:
		done := s.done
		s.mu.Unlock()
		if done != nil {
			<-done
		}
		return
	}
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
}

// shutdown runs once on the worker goroutine when the run context ends.
func (s *Scheduler) shutdown() {
	s.markStopped()

	s.mu.Lock()
	unsub := s.unsub
	s.unsub = nil
	s.state = Stopped
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) markStopped() {
	s.pubMu.Lock()
	s.stopped = true
	s.pubMu.Unlock()
}

// pollLoop fetches once immediately and then once per tick. A tick that
// fires while a fetch is running is coalesced by the ticker, so fetches
// never overlap.
func (s *Scheduler) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		s.tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	addr, err := s.address(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("resolve failed", "url", s.cfg.URL, "err", err)
		s.publish(Update{Err: err})
		return
	}

	r, err := s.cfg.Fetcher.FetchReading(ctx, addr)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		if transport.IsKind(err, transport.Unreachable) {
			s.forgetAddress()
		}
		s.logger.Warn("poll failed", "host", addr.Host, "err", err)
		s.publish(Update{Err: err})
		return
	}
	s.publish(Update{Reading: r})
}

// address returns the cached address, resolving the configured URL when
// there is none.
func (s *Scheduler) address(ctx context.Context) (meter.Address, error) {
	s.mu.Lock()
	addr := s.addr
	s.mu.Unlock()
	if addr.Host != "" {
		return addr, nil
	}
	if s.cfg.Resolver == nil {
		return meter.Address{}, errors.New("no resolver configured")
	}
	addr, err := s.cfg.Resolver.Resolve(ctx, s.cfg.URL)
	if err != nil {
		return meter.Address{}, err
	}
	s.mu.Lock()
	s.addr = addr
	s.mu.Unlock()
	s.logger.Debug("address resolved", "host", addr.Host)
	return addr, nil
}

func (s *Scheduler) forgetAddress() {
	s.mu.Lock()
	s.addr = meter.Address{}
	s.mu.Unlock()
}

func (s *Scheduler) handlePush(topic string, payload []byte) {
	r, err := meter.DecodeReading(payload, s.now())
	if err != nil {
		s.logger.Warn("dropping unparseable meter message", "topic", topic, "err", err)
		return
	}
	s.publish(Update{Reading: r})
}

func (s *Scheduler) publish(u Update) {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	if s.stopped {
		return
	}
	u.UniqueID = s.cfg.UniqueID
	u.At = s.now()
	if u.OK() {
		r := u.Reading.Clone()
		s.mu.Lock()
		s.last = &r
		s.mu.Unlock()
	}
	if s.cfg.Publish != nil {
		s.cfg.Publish(u)
	}
}
