// Package checkout keeps one payment flow, fallback orchestrator and bridge
// per checkout session.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/zoobzio/clockz"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yourorg/checkout-fallback/internal/adapter"
	"github.com/yourorg/checkout-fallback/internal/bridge"
	"github.com/yourorg/checkout-fallback/internal/fallback"
	"github.com/yourorg/checkout-fallback/internal/flow"
	"github.com/yourorg/checkout-fallback/internal/reporting"
)

// ErrSessionNotFound is returned for unknown or closed session ids.
var ErrSessionNotFound = errors.New("checkout session not found")

// Settings are applied to every session a Manager creates.
type Settings struct {
	Fallback fallback.Config
	Flow     flow.Options
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the clock shared by all sessions.
func WithClock(c clockz.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithPolicy applies fallback rules to every session.
func WithPolicy(p fallback.PolicyEnforcer) Option {
	return func(m *Manager) { m.policy = p }
}

// WithRecorder reports provider outcomes of every session to r.
func WithRecorder(r bridge.Recorder) Option {
	return func(m *Manager) { m.recorder = r }
}

// WithTracer sets the tracer.
func WithTracer(t trace.Tracer) Option {
	return func(m *Manager) { m.tracer = t }
}

// Manager creates and tracks checkout sessions.
type Manager struct {
	gateway  adapter.Gateway
	router   fallback.Router
	settings Settings
	policy   fallback.PolicyEnforcer
	recorder bridge.Recorder
	clock    clockz.Clock
	logger   *slog.Logger
	tracer   trace.Tracer
	reporter *reporting.RetrospectiveReporter

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a Manager whose sessions call gw and pick alternatives
// with rt.
func NewManager(gw adapter.Gateway, rt fallback.Router, settings Settings, opts ...Option) *Manager {
	if gw == nil {
		panic("gateway cannot be nil")
	}
	if rt == nil {
		panic("router cannot be nil")
	}
	m := &Manager{
		gateway:  gw,
		router:   rt,
		settings: settings,
		clock:    clockz.RealClock,
		logger:   slog.Default(),
		tracer:   otel.Tracer("checkout"),
		reporter: reporting.NewRetrospectiveReporter(),
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create builds a new session.
func (m *Manager) Create(ctx context.Context) (*Session, error) {
	id := uuid.NewString()
	_, span := m.tracer.Start(ctx, "checkout.create", trace.WithAttributes(attribute.String("checkout.session_id", id)))
	defer span.End()

	logger := m.logger.With("session_id", id)
	machine, err := flow.New(m.gateway,
		flow.WithOptions(m.settings.Flow),
		flow.WithClock(m.clock),
		flow.WithLogger(logger),
	)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to create payment flow: %w", err)
	}

	orchOpts := []fallback.Option{fallback.WithClock(m.clock), fallback.WithLogger(logger)}
	if m.policy != nil {
		orchOpts = append(orchOpts, fallback.WithPolicy(m.policy))
	}
	orch := fallback.New(m.settings.Fallback, m.router, orchOpts...)

	bridgeOpts := []bridge.Option{bridge.WithClock(m.clock), bridge.WithLogger(logger)}
	if m.recorder != nil {
		bridgeOpts = append(bridgeOpts, bridge.WithRecorder(m.recorder))
	}
	b, err := bridge.New(machine, orch, bridgeOpts...)
	if err != nil {
		_ = orch.Close()
		machine.Close()
		span.RecordError(err)
		return nil, fmt.Errorf("failed to wire checkout session: %w", err)
	}

	s := &Session{
		ID:        id,
		CreatedAt: m.clock.Now(),
		machine:   machine,
		orch:      orch,
		bridge:    b,
		reporter:  m.reporter,
	}
	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	sessionsActive.Inc()
	sessionsCreatedTotal.Inc()
	logger.Info("checkout_session_created")
	return s, nil
}

// Get looks up a session.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// Close disposes of a session, cancelling its timers and in-flight calls.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	s.close()
	sessionsActive.Dec()
	m.logger.Info("checkout_session_closed", "session_id", id)
	return nil
}

// CloseAll disposes of every session.
func (m *Manager) CloseAll() {
	for _, id := range m.IDs() {
		_ = m.Close(id)
	}
}

// IDs lists the open sessions in lexical order.
func (m *Manager) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of open sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
