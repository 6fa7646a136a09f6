package pairing

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"nanogrid-air/internal/meter"
)

// Flow is one pairing attempt. Its steps are serialized.
type Flow struct {
	deps   Deps
	opts   Options
	logger *slog.Logger

	mu     sync.Mutex
	state  State
	result Result
}

// NewFlow creates a flow in StateStart.
func NewFlow(deps Deps, opts Options, logger *slog.Logger) *Flow {
	return &Flow{
		deps:   deps,
		opts:   opts.withDefaults(),
		logger: logger.With("component", "pairing"),
	}
}

// State returns the current flow position.
func (f *Flow) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Last returns the most recent step result.
func (f *Flow) Last() Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.result
}

// Start runs the user-initiated step: look for an announced meter, then
// the well-known hostname, and fall back to asking for a URL.
func (f *Flow) Start(ctx context.Context) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != StateStart {
		return Result{}, ErrInvalidState
	}
	if r, blocked := f.checkSingleInstance(); blocked {
		return f.finish(r), nil
	}

	f.state = StateDiscovering
	addr, found, err := f.deps.Discoverer.Discover(ctx, f.opts.ServiceType, f.opts.DiscoveryTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return f.finish(abortResult(CodeNotResponding)), nil
		}
		f.logger.Warn("discovery failed", "err", err)
	}
	if !found && !f.opts.ProbeDefaultHost {
		f.state = StateAwaitingUserInput
		return f.record(formResult("")), nil
	}

	vctx, cancel := f.validationContext(ctx)
	defer cancel()
	if found {
		f.logger.Info("meter discovered", "host", addr.Host)
		return f.validate(vctx, addr, addr.MeterURL()), nil
	}

	addr, err = f.deps.Resolver.Resolve(vctx, f.opts.DefaultHost)
	if err != nil {
		f.logger.Info("default host not resolvable", "host", f.opts.DefaultHost, "err", err)
		f.state = StateAwaitingUserInput
		return f.record(formResult(CodeCannotConnect)), nil
	}
	url := meter.Address{Host: f.opts.DefaultHost}.MeterURL()
	return f.validate(vctx, addr, url), nil
}

// StartFromDiscovery runs the flow for an address taken from an
// announcement, skipping the browse.
func (f *Flow) StartFromDiscovery(ctx context.Context, addr meter.Address) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != StateStart {
		return Result{}, ErrInvalidState
	}
	if r, blocked := f.checkSingleInstance(); blocked {
		return f.finish(r), nil
	}
	addr.Port = 0
	ctx, cancel := f.validationContext(ctx)
	defer cancel()
	return f.validate(ctx, addr, addr.MeterURL()), nil
}

// SubmitURL validates a user-supplied URL or host. The URL is stored as
// given; an empty one means the well-known hostname.
func (f *Flow) SubmitURL(ctx context.Context, rawURL string) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != StateAwaitingUserInput {
		return Result{}, ErrInvalidState
	}

	rawURL = strings.TrimSpace(rawURL)
	hint := rawURL
	if rawURL == "" {
		hint = f.opts.DefaultHost
		rawURL = meter.Address{Host: f.opts.DefaultHost}.MeterURL()
	}

	f.state = StateValidating
	ctx, cancel := f.validationContext(ctx)
	defer cancel()
	addr, err := f.deps.Resolver.Resolve(ctx, hint)
	if err != nil {
		return f.fail(err), nil
	}
	return f.validate(ctx, addr, rawURL), nil
}

// validate fetches the identity at addr and records the pairing.
func (f *Flow) validate(ctx context.Context, addr meter.Address, url string) Result {
	f.state = StateValidating

	id, err := f.deps.Identifier.FetchIdentity(ctx, addr)
	if err != nil {
		return f.fail(err)
	}
	if !id.Valid() {
		f.state = StateAwaitingUserInput
		return f.record(formResult(CodeInvalidAuth))
	}

	cfg := Config{UniqueID: id.MAC, URL: url, Title: f.opts.Title}
	if err := f.deps.Registry.Create(ctx, cfg); err != nil {
		if errors.Is(err, ErrAlreadyConfigured) {
			f.logger.Info("meter already paired", "unique_id", cfg.UniqueID)
			return f.finish(abortResult(CodeAlreadyConfigured))
		}
		f.logger.Error("save pairing", "unique_id", cfg.UniqueID, "err", err)
		return f.finish(abortResult(CodeNotResponding))
	}

	f.state = StatePaired
	f.logger.Info("meter paired", "unique_id", cfg.UniqueID, "url", cfg.URL)
	return f.record(Result{Type: TypeCreateEntry, Title: cfg.Title, Config: &cfg})
}

// validationContext bounds the resolve and identity fetch of one step so
// the answer reaches the caller before its own deadline.
func (f *Flow) validationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, f.opts.ValidationTimeout)
}

func (f *Flow) fail(err error) Result {
	code, abort := classify(err)
	if abort {
		f.logger.Error("validation failed", "err", err)
		return f.finish(abortResult(code))
	}
	f.logger.Warn("validation failed", "code", code, "err", err)
	f.state = StateAwaitingUserInput
	return f.record(formResult(code))
}

func (f *Flow) checkSingleInstance() (Result, bool) {
	if !f.opts.SingleInstance {
		return Result{}, false
	}
	n, err := f.deps.Registry.Count()
	if err != nil {
		f.logger.Error("count pairings", "err", err)
		return abortResult(CodeNotResponding), true
	}
	if n > 0 {
		return abortResult(CodeSingleInstanceAllowed), true
	}
	return Result{}, false
}

func (f *Flow) finish(r Result) Result {
	f.state = StateAborted
	return f.record(r)
}

func (f *Flow) record(r Result) Result {
	f.result = r
	return r
}
