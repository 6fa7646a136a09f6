// Package transport talks to the meter's local HTTP API.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"

	"nanogrid-air/internal/meter"
)

const (
	StatusPath = "/status/"
	MeterPath  = "/meter/"

	DefaultMaxAttempts = 5
	DefaultBaseDelay   = time.Second
	DefaultTimeout     = 10 * time.Second
)

// Kind classifies a transport failure.
type Kind int

const (
	// Unreachable covers refused connections, timeouts, and DNS failures.
	Unreachable Kind = iota + 1
	// BadStatus is a non-2xx HTTP response.
	BadStatus
	// MalformedPayload is a body that does not match the expected schema.
	MalformedPayload
)

func (k Kind) String() string {
	switch k {
	case Unreachable:
		return "unreachable"
	case BadStatus:
		return "bad_status"
	case MalformedPayload:
		return "malformed_payload"
	default:
		return "unknown"
	}
}

// ErrEmptyMAC is wrapped in a MalformedPayload error when /status/ carries no MAC.
var ErrEmptyMAC = errors.New("status payload has no deviceInfo.mac")

// Error is returned by every Client operation.
type Error struct {
	Kind     Kind
	URL      string
	Status   int // HTTP status for BadStatus
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	switch e.Kind {
	case BadStatus:
		return fmt.Sprintf("GET %s: %s (HTTP %d)", e.URL, e.Kind, e.Status)
	case Unreachable:
		return fmt.Sprintf("GET %s: %s after %d attempt(s): %v", e.URL, e.Kind, e.Attempts, e.Err)
	default:
		return fmt.Sprintf("GET %s: %s: %v", e.URL, e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind && t.URL == "" && t.Err == nil
}

// Sentinels for errors.Is.
var (
	ErrUnreachable      = &Error{Kind: Unreachable}
	ErrBadStatus        = &Error{Kind: BadStatus}
	ErrMalformedPayload = &Error{Kind: MalformedPayload}
)

// IsKind reports whether err is a transport error of kind k.
func IsKind(err error, k Kind) bool {
	var te *Error
	return errors.As(err, &te) && te.Kind == k
}

// Config controls timeouts and the retry schedule.
type Config struct {
	// Timeout bounds a single HTTP request.
	Timeout time.Duration
	// MaxAttempts is the number of tries for an unreachable device.
	MaxAttempts int
	// BaseDelay is the wait after the first failed attempt; it doubles each time.
	BaseDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	return c
}

// SleepFunc waits d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Client fetches identity and telemetry from a meter.
type Client struct {
	http   *resty.Client
	cfg    Config
	sleep  SleepFunc
	now    func() time.Time
	logger *slog.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithSleep replaces the backoff sleeper. Tests record delays with it.
func WithSleep(fn SleepFunc) Option {
	return func(c *Client) { c.sleep = fn }
}

// WithClock replaces time.Now for reading timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// New creates a Client.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Client {
	cfg = cfg.withDefaults()
	c := &Client{
		http: resty.New().
			SetTimeout(cfg.Timeout).
			SetHeader("Accept", "application/json"),
		cfg:    cfg,
		sleep:  sleepCtx,
		now:    time.Now,
		logger: logger.With("component", "transport"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchIdentity reads the device MAC from /status/.
func (c *Client) FetchIdentity(ctx context.Context, addr meter.Address) (meter.Identity, error) {
	url := addr.BaseURL() + StatusPath
	body, err := c.get(ctx, url)
	if err != nil {
		return meter.Identity{}, err
	}
	id, err := meter.DecodeIdentity(body)
	if err != nil {
		return meter.Identity{}, &Error{Kind: MalformedPayload, URL: url, Err: err}
	}
	if !id.Valid() {
		return meter.Identity{}, &Error{Kind: MalformedPayload, URL: url, Err: ErrEmptyMAC}
	}
	c.logger.Debug("identity fetched", "host", addr.Host, "mac", id.MAC)
	return id, nil
}

// FetchReading reads one telemetry snapshot from /meter/. Fields missing
// from the body are left absent in the reading.
func (c *Client) FetchReading(ctx context.Context, addr meter.Address) (meter.Reading, error) {
	url := addr.BaseURL() + MeterPath
	body, err := c.get(ctx, url)
	if err != nil {
		return meter.Reading{}, err
	}
	r, err := meter.DecodeReading(body, c.now())
	if err != nil {
		return meter.Reading{}, &Error{Kind: MalformedPayload, URL: url, Err: err}
	}
	return r, nil
}

// get performs a GET, retrying only while the device is unreachable.
// After each failed attempt it waits BaseDelay * 2^(attempt-1), including
// after the last one, then gives up.
func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	delay := c.cfg.BaseDelay
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		resp, err := c.http.R().SetContext(ctx).Get(url)
		if err == nil {
			if !resp.IsSuccess() {
				return nil, &Error{Kind: BadStatus, URL: url, Status: resp.StatusCode(), Attempts: attempt}
			}
			return resp.Body(), nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, &Error{Kind: Unreachable, URL: url, Attempts: attempt, Err: ctx.Err()}
		}

		c.logger.Warn("device request failed", "url", url, "attempt", attempt, "max_attempts", c.cfg.MaxAttempts, "next_delay", delay, "err", err)
		if err := c.sleep(ctx, delay); err != nil {
			return nil, &Error{Kind: Unreachable, URL: url, Attempts: attempt, Err: err}
		}
		delay *= 2
	}
	c.logger.Error("device unreachable", "url", url, "attempts", c.cfg.MaxAttempts)
	return nil, &Error{Kind: Unreachable, URL: url, Attempts: c.cfg.MaxAttempts, Err: lastErr}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
