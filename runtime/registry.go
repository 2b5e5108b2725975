// Package runtime coordinates the live side of the engine: session
// registration, room membership, presence, typing and the delivery pipeline.
// Durable state lives in repositories; everything here is lost on restart
// and rebuilt by clients reconnecting.
package runtime

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"parley/contract"
	"parley/domain"
	"parley/errors"
	"parley/repositories"
)

// PresenceNotifier receives session-count changes. The registry calls it
// synchronously inside Register/Deregister so presence is never observably
// stale to a caller that just registered.
type PresenceNotifier interface {
	SessionCountChanged(identity domain.Identity, count int, at time.Time)
}

type liveSession struct {
	session    domain.Session
	connKey    string
	sink       contract.EventSink
	lastActive time.Time
}

// SessionRegistry binds each live connection to exactly one authenticated
// identity. The same identity may hold many concurrent sessions
// (multi-device); the same physical connection may hold only one.
type SessionRegistry struct {
	mu         sync.RWMutex
	sessions   map[domain.SessionID]*liveSession
	byIdentity map[domain.IdentityID]map[domain.SessionID]struct{}
	byConn     map[string]domain.SessionID
	presence   PresenceNotifier
	clock      Clock

	// Per-identity lock held across count computation and the presence
	// notification, so counts reach the tracker in the order they were
	// computed. Always acquired before mu.
	notify *repositories.KeyedMutex
}

func NewSessionRegistry(presence PresenceNotifier, clock Clock) *SessionRegistry {
	return &SessionRegistry{
		sessions:   make(map[domain.SessionID]*liveSession),
		byIdentity: make(map[domain.IdentityID]map[domain.SessionID]struct{}),
		byConn:     make(map[string]domain.SessionID),
		presence:   presence,
		clock:      clock,
		notify:     repositories.NewKeyedMutex(),
	}
}

// Register creates a session for an authenticated connection. It fails with
// ErrDuplicateConnection only when the same physical connection is already
// registered. The presence notifier runs before Register returns.
func (r *SessionRegistry) Register(connKey string, identity domain.Identity, sink contract.EventSink) (domain.Session, error) {
	now := r.clock.Now()

	unlock := r.notify.Lock(string(identity.ID))
	defer unlock()

	r.mu.Lock()
	if _, exists := r.byConn[connKey]; exists {
		r.mu.Unlock()
		return domain.Session{}, errors.ErrDuplicateConnection
	}

	session := domain.Session{
		ID:        domain.SessionID(uuid.NewString()),
		Identity:  identity,
		CreatedAt: now,
	}
	r.sessions[session.ID] = &liveSession{
		session:    session,
		connKey:    connKey,
		sink:       sink,
		lastActive: now,
	}
	if _, ok := r.byIdentity[identity.ID]; !ok {
		r.byIdentity[identity.ID] = make(map[domain.SessionID]struct{})
	}
	r.byIdentity[identity.ID][session.ID] = struct{}{}
	r.byConn[connKey] = session.ID
	count := len(r.byIdentity[identity.ID])
	r.mu.Unlock()

	// Outside mu, under the identity's notify lock: the notifier may fan
	// out through this registry, and a concurrent call for the same
	// identity must not deliver its count first.
	r.presence.SessionCountChanged(identity, count, now)
	return session, nil
}

// Deregister removes a session. Idempotent: deregistering an unknown session
// returns a zero identity and count zero without side effects.
func (r *SessionRegistry) Deregister(id domain.SessionID) (domain.IdentityID, int) {
	now := r.clock.Now()

	// The notify lock is keyed by identity, so resolve the owner first.
	r.mu.RLock()
	live, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return "", 0
	}
	identity := live.session.Identity

	unlock := r.notify.Lock(string(identity.ID))
	defer unlock()

	r.mu.Lock()
	live, ok = r.sessions[id]
	if !ok {
		// Lost the race to another Deregister of the same session.
		r.mu.Unlock()
		return "", 0
	}
	delete(r.sessions, id)
	delete(r.byConn, live.connKey)

	if set, ok := r.byIdentity[identity.ID]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(r.byIdentity, identity.ID)
		}
	}
	remaining := len(r.byIdentity[identity.ID])
	r.mu.Unlock()

	r.presence.SessionCountChanged(identity, remaining, now)
	return identity.ID, remaining
}

// SessionsFor returns every live session of an identity, used for targeted
// multi-device delivery.
func (r *SessionRegistry) SessionsFor(identity domain.IdentityID) []domain.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var sessions []domain.Session
	for id := range r.byIdentity[identity] {
		if live, ok := r.sessions[id]; ok {
			sessions = append(sessions, live.session)
		}
	}
	return sessions
}

// SinkFor resolves a session to its outbound sink and owning identity.
func (r *SessionRegistry) SinkFor(id domain.SessionID) (contract.EventSink, domain.IdentityID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	live, ok := r.sessions[id]
	if !ok {
		return nil, "", false
	}
	return live.sink, live.session.Identity.ID, true
}

// SinksExcept returns the sinks of every session not owned by the given
// identity. Presence transitions broadcast through this: presence is
// system-wide, not scoped to a room.
func (r *SessionRegistry) SinksExcept(identity domain.IdentityID) []contract.EventSink {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var sinks []contract.EventSink
	for _, live := range r.sessions {
		if live.session.Identity.ID == identity {
			continue
		}
		sinks = append(sinks, live.sink)
	}
	return sinks
}

// Touch refreshes a session's last-active time on inbound traffic.
func (r *SessionRegistry) Touch(id domain.SessionID) {
	now := r.clock.Now()
	r.mu.Lock()
	if live, ok := r.sessions[id]; ok {
		live.lastActive = now
	}
	r.mu.Unlock()
}

func (r *SessionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
