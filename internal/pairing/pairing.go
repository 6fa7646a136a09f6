// Package pairing implements the multi-step setup flow that locates a
// meter, validates its identity and records a pairing.
//
// A flow answers every step with a Result shaped like a host config flow:
// a form to show (possibly with an inline error), a created entry, or an
// abort with a reason code.
package pairing

import (
	"context"
	"errors"
	"time"

	"nanogrid-air/internal/discovery"
	"nanogrid-air/internal/meter"
	"nanogrid-air/internal/resolver"
	"nanogrid-air/internal/transport"
)

// Reason and error codes rendered by the UI.
const (
	CodeCannotConnect         = "cannot_connect"
	CodeInvalidAuth           = "invalid_auth"
	CodeNotResponding         = "not_responding"
	CodeAlreadyConfigured     = "already_configured"
	CodeSingleInstanceAllowed = "single_instance_allowed"
)

// StepUser is the form asking for the meter URL.
const StepUser = "user"

// DefaultTitle names created entries.
const DefaultTitle = "Nanogrid Air"

const (
	// DefaultValidationTimeout bounds resolving and identifying a meter
	// within one step.
	DefaultValidationTimeout = 15 * time.Second
	// DefaultIdleTimeout is how long a Manager keeps a flow nobody drives.
	DefaultIdleTimeout = 10 * time.Minute
)

// ResultType is the kind of answer a step produces.
type ResultType string

const (
	TypeForm        ResultType = "form"
	TypeCreateEntry ResultType = "create_entry"
	TypeAbort       ResultType = "abort"
)

// Result is the answer to one flow step.
type Result struct {
	FlowID string            `json:"flow_id,omitempty"`
	Type   ResultType        `json:"type"`
	Step   string            `json:"step_id,omitempty"`
	Errors map[string]string `json:"errors,omitempty"`
	Reason string            `json:"reason,omitempty"`
	Title  string            `json:"title,omitempty"`
	Config *Config           `json:"data,omitempty"`
}

// Done reports whether the flow has finished.
func (r Result) Done() bool {
	return r.Type == TypeCreateEntry || r.Type == TypeAbort
}

// Config is the pairing record produced by a successful flow.
type Config struct {
	UniqueID string `json:"unique_id"`
	URL      string `json:"url"`
	Title    string `json:"title"`
}

// State is the flow position.
type State int

const (
	StateStart State = iota
	StateDiscovering
	StateValidating
	StateAwaitingUserInput
	StatePaired
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "start"
	case StateDiscovering:
		return "discovering"
	case StateValidating:
		return "validating"
	case StateAwaitingUserInput:
		return "awaiting_user_input"
	case StatePaired:
		return "paired"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

var (
	// ErrAlreadyConfigured is returned by a Registry when the unique id is taken.
	ErrAlreadyConfigured = errors.New("already configured")
	// ErrInvalidState is returned when a step is not valid in the current state.
	ErrInvalidState = errors.New("step not valid in current flow state")
	// ErrUnknownFlow is returned by the Manager for an unknown flow id.
	ErrUnknownFlow = errors.New("unknown flow")
)

// Discoverer performs a bounded service browse.
type Discoverer interface {
	Discover(ctx context.Context, serviceType string, timeout time.Duration) (meter.Address, bool, error)
}

// Resolver turns a URL or hostname into an address.
type Resolver interface {
	Resolve(ctx context.Context, hint string) (meter.Address, error)
}

// Identifier reads the device identity.
type Identifier interface {
	FetchIdentity(ctx context.Context, addr meter.Address) (meter.Identity, error)
}

// Registry stores pairings. Create must fail with ErrAlreadyConfigured
// when the unique id already exists.
type Registry interface {
	Count() (int, error)
	Create(ctx context.Context, cfg Config) error
}

// Deps are the collaborators a flow needs.
type Deps struct {
	Discoverer Discoverer
	Resolver   Resolver
	Identifier Identifier
	Registry   Registry
}

// Options tune flow behaviour.
type Options struct {
	ServiceType      string
	DiscoveryTimeout time.Duration

	// ProbeDefaultHost tries the well-known hostname when nothing is
	// announced before asking the user.
	ProbeDefaultHost bool
	DefaultHost      string

	// SingleInstance allows only one pairing and one flow at a time.
	SingleInstance bool

	// ValidationTimeout bounds the resolve and identity fetch of a step.
	// A step that runs out of time answers cannot_connect.
	ValidationTimeout time.Duration
	// IdleTimeout expires flows left waiting for input.
	IdleTimeout time.Duration

	Title string
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		ServiceType:       discovery.ServiceType,
		DiscoveryTimeout:  discovery.DefaultTimeout,
		ProbeDefaultHost:  true,
		DefaultHost:       resolver.DefaultHost,
		ValidationTimeout: DefaultValidationTimeout,
		IdleTimeout:       DefaultIdleTimeout,
		Title:             DefaultTitle,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ServiceType == "" {
		o.ServiceType = d.ServiceType
	}
	if o.DiscoveryTimeout <= 0 {
		o.DiscoveryTimeout = d.DiscoveryTimeout
	}
	if o.DefaultHost == "" {
		o.DefaultHost = d.DefaultHost
	}
	if o.ValidationTimeout <= 0 {
		o.ValidationTimeout = d.ValidationTimeout
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = d.IdleTimeout
	}
	if o.Title == "" {
		o.Title = d.Title
	}
	return o
}

// classify maps a validation failure to a form error code. abort is true
// when the failure is not one the user can correct.
func classify(err error) (code string, abort bool) {
	switch {
	case errors.Is(err, resolver.ErrNameNotFound), errors.Is(err, context.DeadlineExceeded):
		return CodeCannotConnect, false
	case transport.IsKind(err, transport.Unreachable), transport.IsKind(err, transport.BadStatus):
		return CodeCannotConnect, false
	case transport.IsKind(err, transport.MalformedPayload):
		return CodeInvalidAuth, false
	default:
		return CodeNotResponding, true
	}
}

func formResult(code string) Result {
	r := Result{Type: TypeForm, Step: StepUser}
	if code != "" {
		r.Errors = map[string]string{"base": code}
	}
	return r
}

func abortResult(reason string) Result {
	return Result{Type: TypeAbort, Reason: reason}
}
