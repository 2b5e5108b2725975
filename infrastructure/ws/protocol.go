// Package ws is the wire boundary: one websocket per connection, JSON
// envelopes, and a closed set of event types dispatched exhaustively. This
// is the single canonical protocol; there are no variants.
package ws

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"parley/domain"
	"parley/domain/event"
	"parley/errors"
)

type EventType string

const (
	// Client -> Server
	TypeConnect           EventType = "connect"
	TypeJoinConversation  EventType = "join_conversation"
	TypeLeaveConversation EventType = "leave_conversation"
	TypeSendMessage       EventType = "send_message"
	TypeMessageRead       EventType = "message_read"
	TypeTypingStart       EventType = "typing_start"
	TypeTypingStop        EventType = "typing_stop"

	// Server -> Client
	TypeConnectOK           EventType = "connect_ok"
	TypeNewMessage          EventType = "new_message"
	TypeMessageSent         EventType = "message_sent"
	TypeMessageStatusUpdate EventType = "message_status_update"
	TypeUserTyping          EventType = "user_typing"
	TypeUserStopTyping      EventType = "user_stop_typing"
	TypeUserStatusChange    EventType = "user_status_change"
	TypeError               EventType = "error"
)

// Envelope wraps every frame with its event type.
type Envelope struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func NewEnvelope(eventType EventType, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: eventType, Data: raw}, nil
}

var validate = validator.New()

// Client -> Server payloads.

type ConnectPayload struct {
	Token string `json:"token" validate:"required"`
}

type JoinConversationPayload struct {
	ConversationID string `json:"conversationId" validate:"required"`
}

type LeaveConversationPayload struct {
	ConversationID string `json:"conversationId" validate:"required"`
}

type AttachmentPayload struct {
	Ref  string `json:"ref" validate:"required"`
	Name string `json:"name,omitempty"`
	Size int64  `json:"size,omitempty"`
}

type SendMessagePayload struct {
	ConversationID string             `json:"conversationId" validate:"required"`
	TempID         string             `json:"tempId" validate:"required,max=128"`
	Type           string             `json:"type" validate:"required,oneof=text image audio file"`
	Content        string             `json:"content" validate:"required"`
	IV             string             `json:"iv,omitempty"`
	AuthTag        string             `json:"authTag,omitempty"`
	Attachment     *AttachmentPayload `json:"attachment,omitempty"`
}

type MessageReadPayload struct {
	MessageID      string `json:"messageId" validate:"required"`
	ConversationID string `json:"conversationId" validate:"required"`
}

type TypingPayload struct {
	ConversationID string `json:"conversationId" validate:"required"`
}

// Server -> Client payloads.

type ConnectOKPayload struct {
	SessionID  string    `json:"sessionId"`
	UserID     string    `json:"userId"`
	ServerTime time.Time `json:"serverTime"`
}

type NewMessagePayload struct {
	MessageID      string             `json:"messageId"`
	ConversationID string             `json:"conversationId"`
	From           string             `json:"from"`
	Seq            uint64             `json:"seq"`
	Type           string             `json:"type"`
	Content        string             `json:"content"`
	IV             string             `json:"iv,omitempty"`
	AuthTag        string             `json:"authTag,omitempty"`
	Attachment     *AttachmentPayload `json:"attachment,omitempty"`
	Timestamp      time.Time          `json:"timestamp"`
	Status         string             `json:"status"`
}

type MessageSentPayload struct {
	TempID    string    `json:"tempId"`
	MessageID string    `json:"messageId"`
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
}

type MessageStatusUpdatePayload struct {
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId"`
	Status         string    `json:"status"`
	ReadBy         string    `json:"readBy,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

type UserTypingPayload struct {
	UserID         string    `json:"userId"`
	Username       string    `json:"username"`
	ConversationID string    `json:"conversationId"`
	Timestamp      time.Time `json:"timestamp"`
}

type UserStatusChangePayload struct {
	UserID    string     `json:"userId"`
	Status    string     `json:"status"`
	LastSeen  *time.Time `json:"lastSeen,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Wire error codes.
const (
	CodeAuthenticationFailed = "authentication_failed"
	CodeUnauthorized         = "unauthorized"
	CodeDuplicateConnection  = "duplicate_connection"
	CodeSendFailed           = "send_failed"
	CodeRoomNotFound         = "room_not_found"
	CodeMessageNotFound      = "message_not_found"
	CodeInvalidPayload       = "invalid_payload"
	CodeInternal             = "internal_error"
)

// MapErrorCode translates the error taxonomy to its wire code.
func MapErrorCode(err error) string {
	switch {
	case stderrors.Is(err, errors.ErrAuthenticationFailed):
		return CodeAuthenticationFailed
	case stderrors.Is(err, errors.ErrUnauthorized):
		return CodeUnauthorized
	case stderrors.Is(err, errors.ErrDuplicateConnection):
		return CodeDuplicateConnection
	case stderrors.Is(err, errors.ErrSendFailed):
		return CodeSendFailed
	case stderrors.Is(err, errors.ErrRoomNotFound):
		return CodeRoomNotFound
	case stderrors.Is(err, errors.ErrMessageNotFound):
		return CodeMessageNotFound
	default:
		return CodeInternal
	}
}

func decode[T any](raw json.RawMessage) (T, error) {
	var payload T
	if err := json.Unmarshal(raw, &payload); err != nil {
		return payload, fmt.Errorf("malformed payload: %w", err)
	}
	if err := validate.Struct(payload); err != nil {
		return payload, fmt.Errorf("invalid payload: %w", err)
	}
	return payload, nil
}

// EnvelopeFromEvent converts a domain event to its wire envelope. The switch
// covers the whole event union; an unknown type is a programming error.
func EnvelopeFromEvent(e event.DomainEvent) (Envelope, error) {
	switch evt := e.(type) {
	case event.MessageCommitted:
		return NewEnvelope(TypeNewMessage, toNewMessagePayload(evt.Message))
	case event.MessageStatusChanged:
		return NewEnvelope(TypeMessageStatusUpdate, MessageStatusUpdatePayload{
			MessageID:      string(evt.MessageID),
			ConversationID: string(evt.ConversationID),
			Status:         string(evt.Status),
			ReadBy:         string(evt.By),
			Timestamp:      evt.At,
		})
	case event.TypingStarted:
		return NewEnvelope(TypeUserTyping, UserTypingPayload{
			UserID:         string(evt.Identity),
			Username:       evt.DisplayName,
			ConversationID: string(evt.ConversationID),
			Timestamp:      evt.At,
		})
	case event.TypingStopped:
		return NewEnvelope(TypeUserStopTyping, UserTypingPayload{
			UserID:         string(evt.Identity),
			Username:       evt.DisplayName,
			ConversationID: string(evt.ConversationID),
			Timestamp:      evt.At,
		})
	case event.PresenceChanged:
		return NewEnvelope(TypeUserStatusChange, UserStatusChangePayload{
			UserID:    string(evt.Identity),
			Status:    string(evt.Status),
			LastSeen:  evt.LastSeen,
			Timestamp: evt.At,
		})
	default:
		return Envelope{}, fmt.Errorf("no wire mapping for event %T", e)
	}
}

func toNewMessagePayload(msg domain.Message) NewMessagePayload {
	payload := NewMessagePayload{
		MessageID:      string(msg.ID),
		ConversationID: string(msg.Conversation),
		From:           string(msg.Sender),
		Seq:            msg.Seq,
		Type:           string(msg.Type),
		Content:        msg.Content,
		IV:             msg.IV,
		AuthTag:        msg.AuthTag,
		Timestamp:      msg.CreatedAt,
		Status:         string(msg.Status()),
	}
	if msg.Attachment != nil {
		payload.Attachment = &AttachmentPayload{
			Ref:  msg.Attachment.Ref,
			Name: msg.Attachment.Name,
			Size: msg.Attachment.Size,
		}
	}
	return payload
}
