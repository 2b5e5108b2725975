package runtime

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"parley/domain"
	"parley/domain/event"
	"parley/observability"
)

type typingKey struct {
	conv     domain.ConversationID
	identity domain.IdentityID
}

type typingState struct {
	displayName string
	expiresAt   time.Time
	lastEmit    time.Time
}

type expiryEntry struct {
	key typingKey
	at  time.Time
}

// expiryHeap is a min-heap on expiry time. Refreshing a typing state pushes
// a new entry instead of re-keying; stale entries are skipped on pop by
// comparing against the live state (lazy deletion), keeping refresh O(log n).
type expiryHeap []expiryEntry

func (h expiryHeap) Len() int           { return len(h) }
func (h expiryHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }
func (h expiryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *expiryHeap) Push(x any)        { *h = append(*h, x.(expiryEntry)) }
func (h *expiryHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	*h = old[:n-1]
	return entry
}

// TypingBroadcaster fans out ephemeral typing start/stop with automatic
// expiry. Nothing here is persisted: a crash loses typing state silently and
// harmlessly. Implements contract.Worker; the supervised Run loop sweeps
// expired states.
type TypingBroadcaster struct {
	mu     sync.Mutex
	states map[typingKey]*typingState
	heap   expiryHeap

	ttl      time.Duration
	debounce time.Duration
	sweep    time.Duration

	router *RoomRouter
	clock  Clock
	stats  *observability.Manager
	log    *slog.Logger
}

func NewTypingBroadcaster(router *RoomRouter, clock Clock, stats *observability.Manager,
	log *slog.Logger, ttl, debounce, sweep time.Duration) *TypingBroadcaster {
	return &TypingBroadcaster{
		states:   make(map[typingKey]*typingState),
		ttl:      ttl,
		debounce: debounce,
		sweep:    sweep,
		router:   router,
		clock:    clock,
		stats:    stats,
		log:      log,
	}
}

// Start marks the session's identity as typing in the conversation. Repeated
// calls inside the debounce window only refresh the expiry without
// re-emitting to the room.
func (t *TypingBroadcaster) Start(ctx context.Context, session domain.Session, conv domain.ConversationID) error {
	if err := t.router.CheckParticipant(session, conv); err != nil {
		return err
	}
	now := t.clock.Now()
	key := typingKey{conv: conv, identity: session.Identity.ID}

	t.mu.Lock()
	st, active := t.states[key]
	if !active {
		st = &typingState{displayName: session.Identity.DisplayName}
		t.states[key] = st
	}
	st.expiresAt = now.Add(t.ttl)
	heap.Push(&t.heap, expiryEntry{key: key, at: st.expiresAt})
	emit := !active || now.Sub(st.lastEmit) >= t.debounce
	if emit {
		st.lastEmit = now
	}
	t.mu.Unlock()

	if emit {
		t.router.Fanout(ctx, conv, event.TypingStarted{
			ConversationID: conv,
			Identity:       session.Identity.ID,
			DisplayName:    session.Identity.DisplayName,
			At:             now,
		}, session.ID)
	}
	return nil
}

// Stop clears the typing state and notifies the room. Stopping when not
// typing is a no-op.
func (t *TypingBroadcaster) Stop(ctx context.Context, session domain.Session, conv domain.ConversationID) error {
	if err := t.router.CheckParticipant(session, conv); err != nil {
		return err
	}
	key := typingKey{conv: conv, identity: session.Identity.ID}

	t.mu.Lock()
	st, active := t.states[key]
	if active {
		delete(t.states, key)
	}
	t.mu.Unlock()

	if !active {
		return nil
	}
	t.router.Fanout(ctx, conv, event.TypingStopped{
		ConversationID: conv,
		Identity:       session.Identity.ID,
		DisplayName:    st.displayName,
		At:             t.clock.Now(),
	}, session.ID)
	return nil
}

// Run periodically sweeps expired typing states. The sweep itself takes the
// time from the injected clock, so tests drive Sweep directly.
func (t *TypingBroadcaster) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			t.Sweep(ctx, t.clock.Now())
		}
	}
}

// Sweep emits typing-stopped for every state expired at now. A state whose
// expiry was refreshed after its heap entry was pushed is skipped via lazy
// deletion and expires on its later entry.
func (t *TypingBroadcaster) Sweep(ctx context.Context, now time.Time) int {
	type expired struct {
		key typingKey
		st  *typingState
	}
	var due []expired

	t.mu.Lock()
	for t.heap.Len() > 0 && !t.heap[0].at.After(now) {
		entry := heap.Pop(&t.heap).(expiryEntry)
		st, ok := t.states[entry.key]
		if !ok || !st.expiresAt.Equal(entry.at) {
			continue // stale entry, superseded by a refresh or a stop
		}
		delete(t.states, entry.key)
		due = append(due, expired{key: entry.key, st: st})
	}
	t.mu.Unlock()

	for _, e := range due {
		t.router.Fanout(ctx, e.key.conv, event.TypingStopped{
			ConversationID: e.key.conv,
			Identity:       e.key.identity,
			DisplayName:    e.st.displayName,
			At:             now,
		}, "")
		t.stats.IncrTypingExpired()
	}
	return len(due)
}

// Active reports whether the identity currently has a live typing state.
func (t *TypingBroadcaster) Active(conv domain.ConversationID, identity domain.IdentityID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.states[typingKey{conv: conv, identity: identity}]
	return ok
}
