package pairing

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"nanogrid-air/internal/meter"
)

// Manager tracks flows by id so a multi-step flow can be driven across
// separate requests. Finished flows are forgotten, and flows nobody has
// driven for IdleTimeout expire.
type Manager struct {
	deps   Deps
	opts   Options
	logger *slog.Logger
	newID  func() string
	now    func() time.Time

	mu    sync.Mutex
	flows map[string]*trackedFlow
}

type trackedFlow struct {
	flow    *Flow
	touched time.Time
	busy    int // steps in progress
}

// NewManager creates a Manager.
func NewManager(deps Deps, opts Options, logger *slog.Logger) *Manager {
	return &Manager{
		deps:   deps,
		opts:   opts.withDefaults(),
		logger: logger,
		newID:  uuid.NewString,
		now:    time.Now,
		flows:  make(map[string]*trackedFlow),
	}
}

// Start begins a user-initiated flow.
func (m *Manager) Start(ctx context.Context) Result {
	return m.begin(func(f *Flow) (Result, error) { return f.Start(ctx) })
}

// StartFromDiscovery begins a flow for an announced meter.
func (m *Manager) StartFromDiscovery(ctx context.Context, addr meter.Address) Result {
	return m.begin(func(f *Flow) (Result, error) { return f.StartFromDiscovery(ctx, addr) })
}

// Submit feeds a user-supplied URL to a flow waiting for input.
func (m *Manager) Submit(ctx context.Context, flowID, url string) (Result, error) {
	f, ok := m.acquire(flowID)
	if !ok {
		return Result{}, ErrUnknownFlow
	}

	r, err := f.SubmitURL(ctx, url)
	m.release(flowID)
	if err != nil {
		return Result{}, err
	}
	r.FlowID = flowID
	if r.Done() {
		m.remove(flowID)
	}
	return r, nil
}

// Get returns the last result of a running flow.
func (m *Manager) Get(flowID string) (Result, error) {
	m.mu.Lock()
	m.expireLocked()
	t, ok := m.flows[flowID]
	m.mu.Unlock()
	if !ok {
		return Result{}, ErrUnknownFlow
	}
	r := t.flow.Last()
	r.FlowID = flowID
	return r, nil
}

// Abort drops a running flow.
func (m *Manager) Abort(flowID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked()
	if _, ok := m.flows[flowID]; !ok {
		return ErrUnknownFlow
	}
	delete(m.flows, flowID)
	return nil
}

// InProgress lists the ids of running flows.
func (m *Manager) InProgress() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked()
	ids := make([]string, 0, len(m.flows))
	for id := range m.flows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *Manager) begin(step func(*Flow) (Result, error)) Result {
	m.mu.Lock()
	m.expireLocked()
	if m.opts.SingleInstance && len(m.flows) > 0 {
		m.mu.Unlock()
		return abortResult(CodeSingleInstanceAllowed)
	}
	id := m.newID()
	f := NewFlow(m.deps, m.opts, m.logger.With("flow_id", id))
	m.flows[id] = &trackedFlow{flow: f, touched: m.now(), busy: 1}
	m.mu.Unlock()

	r, err := step(f)
	m.release(id)
	if err != nil {
		// A fresh flow is always in StateStart.
		m.remove(id)
		return abortResult(CodeNotResponding)
	}
	r.FlowID = id
	if r.Done() {
		m.remove(id)
	}
	return r
}

// acquire marks a flow busy so it cannot expire during a step.
func (m *Manager) acquire(id string) (*Flow, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked()
	t, ok := m.flows[id]
	if !ok {
		return nil, false
	}
	t.busy++
	return t.flow, true
}

func (m *Manager) release(id string) {
	m.mu.Lock()
	if t, ok := m.flows[id]; ok {
		t.busy--
		t.touched = m.now()
	}
	m.mu.Unlock()
}

// expireLocked drops flows idle for longer than IdleTimeout. A flow in the
// middle of a step is not idle.
func (m *Manager) expireLocked() {
	cutoff := m.now().Add(-m.opts.IdleTimeout)
	for id, t := range m.flows {
		if t.busy > 0 || !t.touched.Before(cutoff) {
			continue
		}
		delete(m.flows, id)
		m.logger.Info("pairing flow expired", "flow_id", id, "idle", m.opts.IdleTimeout)
	}
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	delete(m.flows, id)
	m.mu.Unlock()
}
