package domain

import "time"

type ConversationID string

// Conversation is the durable grouping of participants. This core never
// deletes conversations; it only reads the participant set and advances the
// per-conversation sequence through the store.
type Conversation struct {
	ID           ConversationID
	Participants []IdentityID
	LastActivity time.Time
}

func (c Conversation) HasParticipant(id IdentityID) bool {
	for _, p := range c.Participants {
		if p == id {
			return true
		}
	}
	return false
}
