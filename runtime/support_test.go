package runtime

import (
	"context"
	"sync"
	"time"

	"parley/domain"
	"parley/domain/event"
	"parley/errors"
)

// fakeClock lets tests drive time explicitly.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// recordSink captures every event it consumes; failErr makes it behave like
// a dead or overflowing session.
type recordSink struct {
	mu      sync.Mutex
	events  []event.DomainEvent
	failErr error
}

func (s *recordSink) Consume(_ context.Context, e event.DomainEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	s.events = append(s.events, e)
	return nil
}

func (s *recordSink) Events() []event.DomainEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]event.DomainEvent, len(s.events))
	copy(out, s.events)
	return out
}

func (s *recordSink) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// memConversations is an in-memory ParticipantSource.
type memConversations struct {
	mu    sync.Mutex
	convs map[domain.ConversationID]domain.Conversation
	gets  int
}

func newMemConversations(convs ...domain.Conversation) *memConversations {
	m := &memConversations{convs: make(map[domain.ConversationID]domain.Conversation)}
	for _, c := range convs {
		m.convs[c.ID] = c
	}
	return m
}

func (m *memConversations) GetConversation(id domain.ConversationID) (domain.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	conv, ok := m.convs[id]
	if !ok {
		return domain.Conversation{}, errors.ErrRoomNotFound
	}
	return conv, nil
}

func (m *memConversations) Gets() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gets
}

// countingPresence records every session-count notification.
type countingPresence struct {
	mu    sync.Mutex
	calls []presenceCall
}

type presenceCall struct {
	identity domain.IdentityID
	count    int
}

func (p *countingPresence) SessionCountChanged(identity domain.Identity, count int, _ time.Time) {
	p.mu.Lock()
	p.calls = append(p.calls, presenceCall{identity: identity.ID, count: count})
	p.mu.Unlock()
}

func (p *countingPresence) Calls() []presenceCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]presenceCall, len(p.calls))
	copy(out, p.calls)
	return out
}
