// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/edgeo-scada/opcua-engine"
)

// Session is a client session as seen by the engine: an identity and the
// roles granted to it.
type Session struct {
	id      string
	name    string
	created time.Time

	mu        sync.RWMutex
	identity  Identity
	roles     []opcua.NodeID
	locales   []string
	activated bool
	closed    bool
}

// NewSession returns an activated session granted roles. It is meant for
// embedding the engine without a SessionManager.
func NewSession(name string, roles ...opcua.NodeID) *Session {
	return &Session{
		id:        uuid.NewString(),
		name:      name,
		created:   time.Now(),
		identity:  AnonymousIdentity(),
		roles:     append([]opcua.NodeID(nil), roles...),
		activated: true,
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Name returns the client-supplied session name.
func (s *Session) Name() string { return s.name }

// Created returns the creation time.
func (s *Session) Created() time.Time { return s.created }

// Identity returns the identity the session was activated with.
func (s *Session) Identity() Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}

// Roles returns a copy of the granted roles.
func (s *Session) Roles() []opcua.NodeID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]opcua.NodeID(nil), s.roles...)
}

// HasRole reports whether role is granted.
func (s *Session) HasRole(role opcua.NodeID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return containsNodeID(s.roles, role)
}

// Locales returns the preferred locale ids.
func (s *Session) Locales() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.locales...)
}

// IsActivated reports whether the session has been activated.
func (s *Session) IsActivated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activated && !s.closed
}

type sessionKey struct{}

// WithSession returns a context carrying s.
func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// SessionFromContext returns the session carried by ctx.
func SessionFromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(*Session)
	return s, ok && s != nil
}

// SessionManagerOption is a functional option for configuring the session
// manager.
type SessionManagerOption func(*sessionManagerOptions)

type sessionManagerOptions struct {
	logger      *slog.Logger
	clock       clock.Clock
	mapper      RoleMapper
	dispatcher  *Dispatcher
	metrics     *EngineMetrics
	maxSessions int
}

func defaultSessionManagerOptions() *sessionManagerOptions {
	return &sessionManagerOptions{
		logger:      slog.Default(),
		clock:       clock.New(),
		mapper:      DefaultRoleMapper{},
		maxSessions: 1000,
	}
}

// WithSessionLogger sets the logger.
func WithSessionLogger(logger *slog.Logger) SessionManagerOption {
	return func(o *sessionManagerOptions) {
		o.logger = logger
	}
}

// WithSessionClock sets the clock used for session timestamps.
func WithSessionClock(c clock.Clock) SessionManagerOption {
	return func(o *sessionManagerOptions) {
		o.clock = c
	}
}

// WithRoleMapper sets how identities are mapped to roles.
func WithRoleMapper(m RoleMapper) SessionManagerOption {
	return func(o *sessionManagerOptions) {
		o.mapper = m
	}
}

// WithSessionDispatcher sets the dispatcher lifecycle events are published
// on. Share it with the NodeManager so that closing a session cleans up its
// subscriptions.
func WithSessionDispatcher(d *Dispatcher) SessionManagerOption {
	return func(o *sessionManagerOptions) {
		o.dispatcher = d
	}
}

// WithSessionMetrics sets the metrics sink.
func WithSessionMetrics(m *EngineMetrics) SessionManagerOption {
	return func(o *sessionManagerOptions) {
		o.metrics = m
	}
}

// WithMaxSessions sets the maximum number of concurrent sessions.
func WithMaxSessions(n int) SessionManagerOption {
	return func(o *sessionManagerOptions) {
		o.maxSessions = n
	}
}

// SessionManager creates, activates and closes sessions.
type SessionManager struct {
	opts *sessionManagerOptions

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSessionManager creates a session manager.
func NewSessionManager(opts ...SessionManagerOption) *SessionManager {
	o := defaultSessionManagerOptions()
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = NewEngineMetrics()
	}
	return &SessionManager{
		opts:     o,
		sessions: make(map[string]*Session),
	}
}

// Create opens a new, not yet activated session.
func (m *SessionManager) Create(ctx context.Context, name string) (*Session, error) {
	start := m.opts.clock.Now()

	m.mu.Lock()
	if m.opts.maxSessions > 0 && len(m.sessions) >= m.opts.maxSessions {
		m.mu.Unlock()
		err := opcua.NewOPCUAError(opcua.ServiceCreateSession, opcua.StatusBadTooManySessions, "")
		m.opts.metrics.observe(opcua.ServiceCreateSession, start, m.opts.clock.Now(), err)
		return nil, err
	}
	s := &Session{
		id:      uuid.NewString(),
		name:    name,
		created: start,
	}
	m.sessions[s.id] = s
	m.mu.Unlock()

	m.opts.metrics.ActiveSessions.Inc()
	m.opts.metrics.observe(opcua.ServiceCreateSession, start, m.opts.clock.Now(), nil)
	m.opts.logger.Info("session created", slog.String("session_id", s.id), slog.String("name", name))
	m.publish(LifecycleEvent{Kind: SessionCreated, SessionID: s.id})
	return s, nil
}

// Activate binds an identity to the session and grants the roles the role
// mapper returns for it. A session may be re-activated with a new identity.
func (m *SessionManager) Activate(ctx context.Context, id string, identity Identity, locales ...string) error {
	start := m.opts.clock.Now()
	err := m.activate(ctx, id, identity, locales)
	m.opts.metrics.observe(opcua.ServiceActivateSession, start, m.opts.clock.Now(), err)
	return err
}

func (m *SessionManager) activate(ctx context.Context, id string, identity Identity, locales []string) error {
	s, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("session %s: %w", id, opcua.ErrSessionNotFound)
	}
	roles, err := m.opts.mapper.MapRoles(ctx, identity)
	if err != nil {
		m.opts.logger.Warn("session activation rejected",
			slog.String("session_id", id),
			slog.String("identity", identity.Type.String()),
			slog.String("error", err.Error()),
		)
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("session %s: %w", id, opcua.ErrSessionNotFound)
	}
	s.identity = identity
	s.roles = roles
	s.locales = append([]string(nil), locales...)
	s.activated = true
	s.mu.Unlock()

	m.opts.logger.Info("session activated",
		slog.String("session_id", id),
		slog.String("identity", identity.Type.String()),
		slog.Int("roles", len(roles)),
	)
	m.publish(LifecycleEvent{Kind: SessionActivated, SessionID: id})
	return nil
}

// Get returns an open session.
func (m *SessionManager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Sessions returns the open sessions.
func (m *SessionManager) Sessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Len returns the number of open sessions.
func (m *SessionManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Close ends the session. Subscriptions are deleted or orphaned by the
// NodeManager listening on the shared dispatcher.
func (m *SessionManager) Close(ctx context.Context, id string, deleteSubscriptions bool) error {
	start := m.opts.clock.Now()

	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		err := fmt.Errorf("session %s: %w", id, opcua.ErrSessionNotFound)
		m.opts.metrics.observe(opcua.ServiceCloseSession, start, m.opts.clock.Now(), err)
		return err
	}

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	m.opts.metrics.ActiveSessions.Dec()
	m.opts.metrics.observe(opcua.ServiceCloseSession, start, m.opts.clock.Now(), nil)
	m.opts.logger.Info("session closed",
		slog.String("session_id", id),
		slog.Bool("delete_subscriptions", deleteSubscriptions),
	)
	m.publish(LifecycleEvent{Kind: SessionClosing, SessionID: id, DeleteSubscriptions: deleteSubscriptions})
	return nil
}

func (m *SessionManager) publish(ev LifecycleEvent) {
	if m.opts.dispatcher != nil {
		m.opts.dispatcher.Publish(ev)
	}
}
