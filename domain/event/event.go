// Package event defines the closed set of domain events fanned out to
// connected sessions. Dispatch is by concrete type, not by string name, so a
// new event forces every switch over the union to be revisited.
package event

import (
	"time"

	"parley/domain"
)

// DomainEvent is implemented by every event in the union. Conversation
// returns the room the event is scoped to; system-wide events (presence)
// return the empty id.
type DomainEvent interface {
	Conversation() domain.ConversationID
}

// MessageCommitted is emitted exactly once, immediately after the store
// durably appended the message.
type MessageCommitted struct {
	Message domain.Message
}

func (e MessageCommitted) Conversation() domain.ConversationID { return e.Message.Conversation }

// MessageStatusChanged broadcasts a forward transition of a committed
// message. By carries the acking recipient for read transitions.
type MessageStatusChanged struct {
	MessageID      domain.MessageID
	ConversationID domain.ConversationID
	Status         domain.Status
	By             domain.IdentityID
	At             time.Time
}

func (e MessageStatusChanged) Conversation() domain.ConversationID { return e.ConversationID }

type TypingStarted struct {
	ConversationID domain.ConversationID
	Identity       domain.IdentityID
	DisplayName    string
	At             time.Time
}

func (e TypingStarted) Conversation() domain.ConversationID { return e.ConversationID }

type TypingStopped struct {
	ConversationID domain.ConversationID
	Identity       domain.IdentityID
	DisplayName    string
	At             time.Time
}

func (e TypingStopped) Conversation() domain.ConversationID { return e.ConversationID }

// PresenceChanged is system-wide: it is broadcast to every connected session
// except the transitioning identity's own.
type PresenceChanged struct {
	Identity    domain.IdentityID
	DisplayName string
	Status      domain.PresenceStatus
	LastSeen    *time.Time
	At          time.Time
}

func (e PresenceChanged) Conversation() domain.ConversationID { return "" }
