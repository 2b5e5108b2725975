package domain

import "time"

type MessageID string

type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageAudio MessageType = "audio"
	MessageFile  MessageType = "file"
)

// Status is the server-observable delivery state of a committed message.
// The client-local "pending" state never reaches the server; "failed" is a
// client-local terminal state reachable only before commit.
type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

// Receipt tracks per-recipient delivery and read timestamps. Timestamps are
// only ever set, never cleared: status moves forward per recipient.
type Receipt struct {
	DeliveredAt *time.Time
	ReadAt      *time.Time
}

func (r Receipt) Status() Status {
	switch {
	case r.ReadAt != nil:
		return StatusRead
	case r.DeliveredAt != nil:
		return StatusDelivered
	default:
		return StatusSent
	}
}

// Attachment is an opaque reference produced by the external upload
// collaborator. Stored and forwarded untouched.
type Attachment struct {
	Ref  string
	Name string
	Size int64
}

// Message is a committed chat event. Content, IV and AuthTag are opaque to
// this core; the server sequence number establishes canonical order within
// the conversation. TempID bridges the sender's optimistic local copy to the
// committed message and makes retries idempotent.
type Message struct {
	ID           MessageID
	Conversation ConversationID
	Sender       IdentityID
	TempID       string
	Seq          uint64
	Type         MessageType
	Content      string
	IV           string
	AuthTag      string
	Attachment   *Attachment
	CreatedAt    time.Time
	Receipts     map[IdentityID]Receipt
}

// Status aggregates per-recipient receipts: read as soon as any recipient
// read it, delivered as soon as any recipient was reached.
func (m Message) Status() Status {
	agg := StatusSent
	for _, r := range m.Receipts {
		switch r.Status() {
		case StatusRead:
			return StatusRead
		case StatusDelivered:
			agg = StatusDelivered
		}
	}
	return agg
}
