// Package flow drives a single payment attempt through its network
// lifecycle: start, optional customer action, confirmation, status polling,
// cancellation and a terminal done or failed state.
//
// A Machine processes events strictly in the order they are sent. Gateway
// calls run on their own goroutines and report back to the Machine as
// internal events; results that arrive after the Machine has moved on are
// dropped. Observers receive a Snapshot after every change.
package flow

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/robbyt/go-fsm"
	"github.com/zoobzio/clockz"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/yourorg/checkout-fallback/internal/adapter"
	"github.com/yourorg/checkout-fallback/internal/payment"
)

// Options enable the extended behavior of a Machine.
type Options struct {
	// PollInterval schedules a status fetch after entering polling. Zero
	// disables scheduled polling; REFRESH still works.
	PollInterval time.Duration
	// MaxPolls bounds scheduled polls per attempt. Zero means unbounded.
	MaxPolls int
	// MaxStatusRetries is how often a transient status failure is retried
	// before the attempt fails.
	MaxStatusRetries int
	StatusRetryDelay time.Duration
	// RefreshFromDone lets REFRESH re-fetch the status of a finished intent.
	RefreshFromDone bool
}

// DefaultOptions returns the settings used when none are given.
func DefaultOptions() Options {
	return Options{
		PollInterval:     2 * time.Second,
		MaxPolls:         30,
		MaxStatusRetries: 2,
		StatusRetryDelay: 500 * time.Millisecond,
		RefreshFromDone:  true,
	}
}

// Option configures a Machine.
type Option func(*Machine)

// WithOptions replaces the extended behavior settings.
func WithOptions(o Options) Option {
	return func(m *Machine) { m.opts = o }
}

// WithClock sets the clock used for poll and retry delays.
func WithClock(c clockz.Clock) Option {
	return func(m *Machine) { m.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) { m.logger = l }
}

// WithTracer sets the tracer used for gateway spans.
func WithTracer(t trace.Tracer) Option {
	return func(m *Machine) { m.tracer = t }
}

// Machine is the payment flow state machine of one checkout session.
type Machine struct {
	gateway adapter.Gateway
	opts    Options
	clock   clockz.Clock
	logger  *slog.Logger
	tracer  trace.Tracer

	// mu guards everything below. notifyMu is taken before mu is released so
	// that listeners observe snapshots in transition order.
	mu       sync.Mutex
	notifyMu sync.Mutex

	// register holds the current state and rejects every transition its
	// table does not list.
	register *fsm.Machine
	fctx     Context
	// gen changes on every state entry; async results carry the gen they
	// were started in.
	gen     uint64
	version uint64

	polls         int
	statusRetries int
	returnURL     string

	cancelInvoke context.CancelFunc
	stopTimer    func()

	listeners    map[int]func(Snapshot)
	listenerSeq  []int
	nextListener int

	base       context.Context
	baseCancel context.CancelFunc
	closed     bool
}

// New creates an idle Machine that runs gateway calls against gw.
func New(gw adapter.Gateway, opts ...Option) (*Machine, error) {
	if gw == nil {
		return nil, fmt.Errorf("flow: gateway cannot be nil")
	}
	m := &Machine{
		gateway:   gw,
		opts:      DefaultOptions(),
		clock:     clockz.RealClock,
		logger:    slog.Default(),
		tracer:    otel.Tracer("flow"),
		listeners: make(map[int]func(Snapshot)),
	}
	for _, opt := range opts {
		opt(m)
	}
	register, err := fsm.New(m.logger.Handler(), string(Idle), allowedTransitions)
	if err != nil {
		return nil, fmt.Errorf("flow: failed to build transition register: %w", err)
	}
	m.register = register
	m.base, m.baseCancel = context.WithCancel(context.Background())
	return m, nil
}

// Send delivers an event and reports whether the current state accepted it.
func (m *Machine) Send(ev Event) bool {
	if ev == nil {
		return false
	}
	return m.dispatch(ev)
}

// Snapshot returns the current state, context and tags.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// State returns the current state name.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current()
}

// Subscribe registers fn to receive a Snapshot after every change. fn runs
// synchronously in transition order and must not call back into the Machine.
// The returned function removes the subscription.
func (m *Machine) Subscribe(fn func(Snapshot)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextListener
	m.nextListener++
	m.listeners[id] = fn
	m.listenerSeq = append(m.listenerSeq, id)
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
		m.listenerSeq = slices.DeleteFunc(m.listenerSeq, func(v int) bool { return v == id })
	}
}

// Close stops timers, cancels any in-flight gateway call and rejects all
// further events.
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.disarm()
	m.baseCancel()
}

func (m *Machine) current() State {
	return State(m.register.GetState())
}

func (m *Machine) snapshotLocked() Snapshot {
	state := m.current()
	return Snapshot{
		Value:   state,
		Context: m.fctx,
		Tags:    append([]string(nil), stateTags[state]...),
	}
}

func (m *Machine) dispatch(ev Event) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	before := m.version
	accepted := m.handle(ev)
	if !accepted {
		m.logger.Debug("flow_event_ignored", "event", ev.eventName(), "state", m.current())
	}
	if m.version == before {
		m.mu.Unlock()
		return accepted
	}
	snap := m.snapshotLocked()
	listeners := make([]func(Snapshot), 0, len(m.listeners))
	for _, id := range m.listenerSeq {
		if fn, ok := m.listeners[id]; ok {
			listeners = append(listeners, fn)
		}
	}
	m.notifyMu.Lock()
	m.mu.Unlock()
	defer m.notifyMu.Unlock()
	for _, fn := range listeners {
		fn(snap)
	}
	return accepted
}

// handle runs with mu held. Customer events are only checked against the
// transition table; internal results are also matched on their generation.
func (m *Machine) handle(ev Event) bool {
	switch e := ev.(type) {
	case Start:
		if !m.move(Starting) {
			return false
		}
		req := e.Request
		req.Metadata = maps.Clone(req.Metadata)
		m.fctx = Context{ProviderID: e.ProviderID, Request: &req, FlowContext: maps.Clone(e.FlowContext)}
		m.polls, m.statusRetries = 0, 0
		m.returnURL = ""
		return m.run(Starting)

	case Confirm:
		if !m.move(Confirming) {
			return false
		}
		m.returnURL = e.ReturnURL
		return m.run(Confirming)

	case Cancel:
		return m.enter(Cancelling)

	case Refresh:
		if m.current() == Done {
			if !m.opts.RefreshFromDone || m.fctx.Intent == nil {
				return false
			}
			m.statusRetries = 0
		}
		return m.enter(FetchingStatus)

	case Reset:
		if !m.move(Idle) {
			return false
		}
		m.fctx = Context{}
		return true

	case invokeDone:
		if e.gen != m.gen {
			return false
		}
		m.setIntent(e.intent)
		switch m.current() {
		case Starting:
			return m.enter(AfterStart)
		case Confirming:
			return m.enter(AfterConfirm)
		case FetchingStatus:
			m.statusRetries = 0
			return m.enter(AfterStatus)
		case Cancelling:
			return m.enter(Done)
		}
		return false

	case invokeFailed:
		if e.gen != m.gen {
			return false
		}
		if m.current() == FetchingStatus && e.err.Transient() && m.statusRetries < m.opts.MaxStatusRetries {
			m.statusRetries++
			m.logger.Info("flow_status_retry", "provider", m.fctx.ProviderID, "retry", m.statusRetries, "code", e.err.Code)
			gen := m.gen
			m.stopTimer = m.after(m.opts.StatusRetryDelay, func() { m.dispatch(retryDue{gen: gen}) })
			return true
		}
		m.setError(e.err)
		return m.enter(Failed)

	case pollDue:
		if e.gen != m.gen {
			return false
		}
		if !m.move(FetchingStatus) {
			return false
		}
		m.polls++
		return m.run(FetchingStatus)

	case retryDue:
		if e.gen != m.gen || m.current() != FetchingStatus {
			return false
		}
		m.invoke(opStatus)
		return true
	}
	return false
}

// enter moves to next and runs its entry action.
func (m *Machine) enter(next State) bool {
	return m.move(next) && m.run(next)
}

// move asks the register for the transition to next. On success the
// previous state's timers and calls are disarmed.
func (m *Machine) move(next State) bool {
	from := m.current()
	if err := m.register.Transition(string(next)); err != nil {
		m.logger.Debug("flow_transition_rejected", "from", from, "to", next, "error", err)
		return false
	}
	m.disarm()
	m.gen++
	m.version++
	return true
}

// run is the entry action of next. Transient states resolve immediately.
func (m *Machine) run(next State) bool {
	switch next {
	case Starting:
		m.invoke(opStart)
	case Confirming:
		m.invoke(opConfirm)
	case FetchingStatus:
		m.invoke(opStatus)
	case Cancelling:
		m.invoke(opCancel)
	case AfterStart, AfterConfirm:
		return m.enter(nextAfterAction(m.fctx.Intent))
	case AfterStatus:
		return m.enter(nextAfterStatus(m.fctx.Intent))
	case Polling:
		m.schedulePoll()
	}
	return true
}

func (m *Machine) setIntent(in *payment.Intent) {
	m.fctx.Intent = in
	m.fctx.Error = nil
	m.version++
}

func (m *Machine) setError(err *payment.PaymentError) {
	m.fctx.Intent = nil
	m.fctx.Error = err
	m.version++
}

func (m *Machine) schedulePoll() {
	if m.opts.PollInterval <= 0 {
		return
	}
	if m.opts.MaxPolls > 0 && m.polls >= m.opts.MaxPolls {
		m.logger.Info("flow_poll_budget_exhausted", "provider", m.fctx.ProviderID, "polls", m.polls)
		return
	}
	gen := m.gen
	m.stopTimer = m.after(m.opts.PollInterval, func() { m.dispatch(pollDue{gen: gen}) })
}

// after runs fn on its own goroutine once d elapses unless the returned
// stop function is called first.
func (m *Machine) after(d time.Duration, fn func()) func() {
	fire := m.clock.After(d)
	stop := make(chan struct{})
	go func() {
		select {
		case <-fire:
			fn()
		case <-stop:
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(stop) }) }
}

// disarm cancels the in-flight gateway call and any pending timer.
func (m *Machine) disarm() {
	if m.cancelInvoke != nil {
		m.cancelInvoke()
		m.cancelInvoke = nil
	}
	if m.stopTimer != nil {
		m.stopTimer()
		m.stopTimer = nil
	}
}
