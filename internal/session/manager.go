package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/wolfman30/clinic-voice-agent/pkg/logging"
)

// Manager owns the sessions of every live call handled by this process.
type Manager struct {
	orch     Orchestrator
	registry Registry
	metrics  Recorder
	logger   *logging.Logger
	now      func() time.Time
	grace    time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithRegistry records live calls in r.
func WithRegistry(r Registry) ManagerOption {
	return func(m *Manager) {
		if r != nil {
			m.registry = r
		}
	}
}

// WithRecorder reports session metrics to r.
func WithRecorder(r Recorder) ManagerOption {
	return func(m *Manager) {
		if r != nil {
			m.metrics = r
		}
	}
}

// WithReconnectGrace keeps a session whose transport dropped for d, so a
// reconnect within d resumes the call with its booking progress.
func WithReconnectGrace(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.grace = d
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager builds a Manager around a shared orchestrator.
func NewManager(orch Orchestrator, logger *logging.Logger, opts ...ManagerOption) *Manager {
	if orch == nil {
		panic("session: orchestrator cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	m := &Manager{
		orch:     orch,
		registry: NopRegistry{},
		metrics:  nopRecorder{},
		logger:   logger,
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Lease is one transport's hold on a session.
type Lease struct {
	Session *Session
	// Binding identifies this transport; a later Attach supersedes it.
	Binding uint64
	Created bool
}

// Attach returns the session for callID, creating it on first use, and
// binds sink to it. An existing session is rebound to sink.
func (m *Manager) Attach(ctx context.Context, callID string, sink Sink) Lease {
	m.mu.Lock()
	if existing, ok := m.sessions[callID]; ok {
		binding := existing.Bind(sink)
		m.mu.Unlock()
		existing.logger.Info("session rebound", "binding", binding)
		return Lease{Session: existing, Binding: binding}
	}
	sess := newSession(callID, m.orch, sink, m.registry, m.metrics, m.logger, m.now)
	m.sessions[callID] = sess
	active := len(m.sessions)
	m.mu.Unlock()

	m.metrics.SetActiveSessions(active)
	regCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), registryTimeout)
	defer cancel()
	if err := m.registry.Put(regCtx, sess.Record()); err != nil {
		sess.logger.Warn("failed to register active call", "error", err)
	}
	sess.logger.Info("session opened")
	return Lease{Session: sess, Binding: sess.Binding(), Created: true}
}

// GetOrCreate is Attach without the binding.
func (m *Manager) GetOrCreate(ctx context.Context, callID string, sink Sink) (sess *Session, created bool) {
	l := m.Attach(ctx, callID, sink)
	return l.Session, l.Created
}

// Release gives up a transport's hold on callID. A superseded binding
// changes nothing. Otherwise the session is closed, at once or, with a
// reconnect grace, once the grace passes without a new Attach.
func (m *Manager) Release(ctx context.Context, callID string, binding uint64) error {
	sess, ok := m.Get(callID)
	if !ok {
		return nil
	}
	if !sess.Unbind(binding) {
		sess.logger.Debug("released superseded binding", "binding", binding)
		return nil
	}
	if m.grace <= 0 {
		return m.closeBound(ctx, callID, sess, binding)
	}
	sess.logger.Info("transport dropped, holding session", "grace", m.grace.String())
	time.AfterFunc(m.grace, func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), releaseCloseTimeout)
		defer cancel()
		if err := m.closeBound(closeCtx, callID, sess, binding); err != nil {
			sess.logger.Warn("session close incomplete", "error", err)
		}
	})
	return nil
}

// closeBound closes sess only if it is still registered under callID with
// binding current.
func (m *Manager) closeBound(ctx context.Context, callID string, sess *Session, binding uint64) error {
	m.mu.Lock()
	if m.sessions[callID] != sess || sess.Binding() != binding {
		m.mu.Unlock()
		return nil
	}
	delete(m.sessions, callID)
	active := len(m.sessions)
	m.mu.Unlock()
	return m.finish(ctx, sess, active)
}

// Get returns the session for callID if it is live.
func (m *Manager) Get(callID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[callID]
	return s, ok
}

// Close ends the session for callID and forgets it. Closing an unknown
// call is a no-op.
func (m *Manager) Close(ctx context.Context, callID string) error {
	m.mu.Lock()
	sess, ok := m.sessions[callID]
	if ok {
		delete(m.sessions, callID)
	}
	active := len(m.sessions)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return m.finish(ctx, sess, active)
}

func (m *Manager) finish(ctx context.Context, sess *Session, active int) error {
	m.metrics.SetActiveSessions(active)
	err := sess.Close(ctx)
	sess.logger.Info("session closed", "turns", sess.Record().TurnCount, "dropped_chunks", sess.Dropped())
	return err
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// ActiveCalls lists live calls. With a shared registry this spans every
// instance; otherwise only this process's sessions are reported.
func (m *Manager) ActiveCalls(ctx context.Context) ([]Record, error) {
	if _, local := m.registry.(NopRegistry); !local {
		return m.registry.List(ctx)
	}
	m.mu.Lock()
	out := make([]Record, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Record())
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CallID < out[j].CallID })
	return out, nil
}

// Shutdown closes every session.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := m.Close(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
