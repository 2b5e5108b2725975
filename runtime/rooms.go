package runtime

import (
	"context"
	"log/slog"
	"sync"

	"parley/contract"
	"parley/domain"
	"parley/domain/event"
	"parley/errors"
)

// ParticipantSource answers "who belongs to this conversation" from the
// Conversation Store.
type ParticipantSource interface {
	GetConversation(id domain.ConversationID) (domain.Conversation, error)
}

type room struct {
	mu      sync.RWMutex
	members map[domain.SessionID]struct{}
}

// RoomRouter maps a conversation to the set of currently-connected sessions
// that should receive fan-out for it. Membership is per-room locked so
// unrelated conversations never serialize each other; the outer lock only
// guards the maps themselves.
type RoomRouter struct {
	mu       sync.RWMutex
	rooms    map[domain.ConversationID]*room
	joined   map[domain.SessionID]map[domain.ConversationID]struct{}
	resolver contract.SinkResolver
	store    ParticipantSource

	// Participant checks are cached per session so repeated joins and acks
	// don't hit the store. Dropped together with the session on LeaveAll.
	cacheMu   sync.RWMutex
	authCache map[domain.SessionID]map[domain.ConversationID]struct{}

	log *slog.Logger
}

func NewRoomRouter(store ParticipantSource, resolver contract.SinkResolver, log *slog.Logger) *RoomRouter {
	return &RoomRouter{
		rooms:     make(map[domain.ConversationID]*room),
		joined:    make(map[domain.SessionID]map[domain.ConversationID]struct{}),
		authCache: make(map[domain.SessionID]map[domain.ConversationID]struct{}),
		resolver:  resolver,
		store:     store,
		log:       log,
	}
}

// CheckParticipant verifies the session's identity belongs to the
// conversation, consulting the per-session cache first.
func (r *RoomRouter) CheckParticipant(session domain.Session, conv domain.ConversationID) error {
	r.cacheMu.RLock()
	_, cached := r.authCache[session.ID][conv]
	r.cacheMu.RUnlock()
	if cached {
		return nil
	}

	conversation, err := r.store.GetConversation(conv)
	if err != nil {
		return err
	}
	if !conversation.HasParticipant(session.Identity.ID) {
		return errors.ErrUnauthorized
	}

	r.cacheMu.Lock()
	if _, ok := r.authCache[session.ID]; !ok {
		r.authCache[session.ID] = make(map[domain.ConversationID]struct{})
	}
	r.authCache[session.ID][conv] = struct{}{}
	r.cacheMu.Unlock()
	return nil
}

// Join adds the session to the room's fan-out set after a participant check.
// On any failure the fan-out set is left unchanged.
func (r *RoomRouter) Join(session domain.Session, conv domain.ConversationID) error {
	if err := r.CheckParticipant(session, conv); err != nil {
		return err
	}

	r.mu.Lock()
	rm, ok := r.rooms[conv]
	if !ok {
		rm = &room{members: make(map[domain.SessionID]struct{})}
		r.rooms[conv] = rm
	}
	if _, ok := r.joined[session.ID]; !ok {
		r.joined[session.ID] = make(map[domain.ConversationID]struct{})
	}
	r.joined[session.ID][conv] = struct{}{}
	r.mu.Unlock()

	rm.mu.Lock()
	rm.members[session.ID] = struct{}{}
	rm.mu.Unlock()
	return nil
}

// Leave is an idempotent removal from one room.
func (r *RoomRouter) Leave(sessionID domain.SessionID, conv domain.ConversationID) {
	r.mu.Lock()
	rm := r.rooms[conv]
	if set, ok := r.joined[sessionID]; ok {
		delete(set, conv)
		if len(set) == 0 {
			delete(r.joined, sessionID)
		}
	}
	r.mu.Unlock()

	if rm == nil {
		return
	}
	rm.mu.Lock()
	delete(rm.members, sessionID)
	empty := len(rm.members) == 0
	rm.mu.Unlock()

	if empty {
		r.dropIfEmpty(conv)
	}
}

// LeaveAll removes the session from every room it had joined, in O(rooms
// joined). Called unconditionally on connection teardown.
func (r *RoomRouter) LeaveAll(sessionID domain.SessionID) {
	r.mu.Lock()
	convs := make([]domain.ConversationID, 0, len(r.joined[sessionID]))
	for conv := range r.joined[sessionID] {
		convs = append(convs, conv)
	}
	delete(r.joined, sessionID)
	r.mu.Unlock()

	for _, conv := range convs {
		r.mu.RLock()
		rm := r.rooms[conv]
		r.mu.RUnlock()
		if rm == nil {
			continue
		}
		rm.mu.Lock()
		delete(rm.members, sessionID)
		empty := len(rm.members) == 0
		rm.mu.Unlock()
		if empty {
			r.dropIfEmpty(conv)
		}
	}

	r.cacheMu.Lock()
	delete(r.authCache, sessionID)
	r.cacheMu.Unlock()
}

// IsJoined reports whether the session currently sits in the room.
func (r *RoomRouter) IsJoined(sessionID domain.SessionID, conv domain.ConversationID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.joined[sessionID][conv]
	return ok
}

// Fanout delivers the event to every joined session except exclude.
// Delivery to a dead or overflowing session is best-effort and never fails
// the whole fan-out. Returns the delivery count and the set of identities
// actually reached.
func (r *RoomRouter) Fanout(ctx context.Context, conv domain.ConversationID, e event.DomainEvent, exclude domain.SessionID) (int, map[domain.IdentityID]struct{}) {
	r.mu.RLock()
	rm := r.rooms[conv]
	r.mu.RUnlock()
	if rm == nil {
		return 0, nil
	}

	rm.mu.RLock()
	members := make([]domain.SessionID, 0, len(rm.members))
	for id := range rm.members {
		if id == exclude {
			continue
		}
		members = append(members, id)
	}
	rm.mu.RUnlock()

	delivered := 0
	reached := make(map[domain.IdentityID]struct{})
	for _, id := range members {
		sink, identity, ok := r.resolver.SinkFor(id)
		if !ok {
			continue
		}
		if err := sink.Consume(ctx, e); err != nil {
			r.log.Debug("Fan-out delivery skipped", "session_id", string(id), "error", err)
			continue
		}
		delivered++
		reached[identity] = struct{}{}
	}
	return delivered, reached
}

// Members returns the current size of a room's fan-out set.
func (r *RoomRouter) Members(conv domain.ConversationID) int {
	r.mu.RLock()
	rm := r.rooms[conv]
	r.mu.RUnlock()
	if rm == nil {
		return 0
	}
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return len(rm.members)
}

// dropIfEmpty removes a room entry once its last member left so the map
// doesn't grow with dead conversations.
func (r *RoomRouter) dropIfEmpty(conv domain.ConversationID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rm, ok := r.rooms[conv]; ok {
		rm.mu.RLock()
		empty := len(rm.members) == 0
		rm.mu.RUnlock()
		if empty {
			delete(r.rooms, conv)
		}
	}
}
