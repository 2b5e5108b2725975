package runtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"parley/contract"
	"parley/domain"
	"parley/domain/event"
)

// SinkLister enumerates the sinks a presence transition should reach: every
// connected session except the transitioning identity's own.
type SinkLister interface {
	SinksExcept(identity domain.IdentityID) []contract.EventSink
}

type presenceEntry struct {
	mu       sync.Mutex
	online   bool
	lastSeen time.Time
}

// PresenceTracker derives online/offline from session counts. Only the
// aggregate 0->1 and N->0 transitions emit an event: a second device coming
// up re-emits nothing. State is per-identity locked.
type PresenceTracker struct {
	mu      sync.RWMutex
	entries map[domain.IdentityID]*presenceEntry
	lister  SinkLister
	clock   Clock
	log     *slog.Logger
}

func NewPresenceTracker(clock Clock, log *slog.Logger) *PresenceTracker {
	return &PresenceTracker{
		entries: make(map[domain.IdentityID]*presenceEntry),
		clock:   clock,
		log:     log,
	}
}

// Bind wires the fan-out target. The registry and the tracker reference
// each other, so the lister is attached after construction.
func (p *PresenceTracker) Bind(lister SinkLister) {
	p.lister = lister
}

// SessionCountChanged is the registry's synchronous notification hook.
func (p *PresenceTracker) SessionCountChanged(identity domain.Identity, count int, at time.Time) {
	entry := p.entry(identity.ID)

	entry.mu.Lock()
	var transition *event.PresenceChanged
	switch {
	case count > 0 && !entry.online:
		entry.online = true
		transition = &event.PresenceChanged{
			Identity:    identity.ID,
			DisplayName: identity.DisplayName,
			Status:      domain.PresenceOnline,
			At:          at,
		}
	case count == 0 && entry.online:
		entry.online = false
		entry.lastSeen = at
		lastSeen := at
		transition = &event.PresenceChanged{
			Identity:    identity.ID,
			DisplayName: identity.DisplayName,
			Status:      domain.PresenceOffline,
			LastSeen:    &lastSeen,
			At:          at,
		}
	}
	entry.mu.Unlock()

	if transition == nil || p.lister == nil {
		return
	}
	ctx := context.Background()
	for _, sink := range p.lister.SinksExcept(identity.ID) {
		if err := sink.Consume(ctx, *transition); err != nil {
			p.log.Debug("Presence broadcast skipped", "identity", string(identity.ID), "error", err)
		}
	}
}

// Status returns the current aggregate presence of an identity. Unknown
// identities read as offline with a zero lastSeen.
func (p *PresenceTracker) Status(id domain.IdentityID) domain.PresenceRecord {
	p.mu.RLock()
	entry, ok := p.entries[id]
	p.mu.RUnlock()
	if !ok {
		return domain.PresenceRecord{Identity: id, Status: domain.PresenceOffline}
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	status := domain.PresenceOffline
	if entry.online {
		status = domain.PresenceOnline
	}
	return domain.PresenceRecord{Identity: id, Status: status, LastSeen: entry.lastSeen}
}

func (p *PresenceTracker) entry(id domain.IdentityID) *presenceEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.entries[id]
	if !ok {
		entry = &presenceEntry{}
		p.entries[id] = entry
	}
	return entry
}
