package ws

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"parley/domain"
	"parley/domain/event"
	"parley/errors"
)

func Test_EnvelopeFromEvent_Covers_The_Union(t *testing.T) {
	req := require.New(t)
	now := time.Now().UTC()

	cases := []struct {
		event    event.DomainEvent
		wireType EventType
	}{
		{event.MessageCommitted{Message: domain.Message{ID: "m1", Conversation: "c1", Sender: "alice", Seq: 7, Type: domain.MessageText, Content: "hi", CreatedAt: now}}, TypeNewMessage},
		{event.MessageStatusChanged{MessageID: "m1", ConversationID: "c1", Status: domain.StatusRead, By: "bob", At: now}, TypeMessageStatusUpdate},
		{event.TypingStarted{ConversationID: "c1", Identity: "alice", DisplayName: "Alice", At: now}, TypeUserTyping},
		{event.TypingStopped{ConversationID: "c1", Identity: "alice", DisplayName: "Alice", At: now}, TypeUserStopTyping},
		{event.PresenceChanged{Identity: "alice", Status: domain.PresenceOnline, At: now}, TypeUserStatusChange},
	}

	for _, tc := range cases {
		env, err := EnvelopeFromEvent(tc.event)
		req.NoError(err)
		req.Equal(tc.wireType, env.Type)
		req.NotEmpty(env.Data)
	}
}

func Test_EnvelopeFromEvent_New_Message_Payload(t *testing.T) {
	req := require.New(t)
	now := time.Now().UTC()
	msg := domain.Message{
		ID:           "m1",
		Conversation: "c1",
		Sender:       "alice",
		Seq:          42,
		Type:         domain.MessageImage,
		Content:      "ciphertext",
		IV:           "iv-bytes",
		AuthTag:      "tag-bytes",
		Attachment:   &domain.Attachment{Ref: "blob://pic", Name: "pic.png", Size: 1024},
		CreatedAt:    now,
	}

	env, err := EnvelopeFromEvent(event.MessageCommitted{Message: msg})
	req.NoError(err)

	var payload NewMessagePayload
	req.NoError(json.Unmarshal(env.Data, &payload))
	req.Equal("m1", payload.MessageID)
	req.Equal(uint64(42), payload.Seq)
	req.Equal("image", payload.Type)
	req.Equal("ciphertext", payload.Content)
	req.Equal("iv-bytes", payload.IV)
	req.Equal("tag-bytes", payload.AuthTag)
	req.NotNil(payload.Attachment)
	req.Equal("blob://pic", payload.Attachment.Ref)
	req.Equal("sent", payload.Status)
}

func Test_MapErrorCode(t *testing.T) {
	req := require.New(t)

	req.Equal(CodeAuthenticationFailed, MapErrorCode(errors.ErrAuthenticationFailed))
	req.Equal(CodeUnauthorized, MapErrorCode(errors.ErrUnauthorized))
	req.Equal(CodeDuplicateConnection, MapErrorCode(errors.ErrDuplicateConnection))
	req.Equal(CodeRoomNotFound, MapErrorCode(errors.ErrRoomNotFound))
	req.Equal(CodeMessageNotFound, MapErrorCode(errors.ErrMessageNotFound))
	req.Equal(CodeInternal, MapErrorCode(fmt.Errorf("something else")))

	// Wrapped errors still map through the taxonomy
	wrapped := fmt.Errorf("%w: disk on fire", errors.ErrSendFailed)
	req.Equal(CodeSendFailed, MapErrorCode(wrapped))
}

func Test_Decode_Validates_Payloads(t *testing.T) {
	req := require.New(t)

	// Missing required fields
	_, err := decode[SendMessagePayload](json.RawMessage(`{"conversationId":"c1"}`))
	req.Error(err)

	// Unknown message type
	_, err = decode[SendMessagePayload](json.RawMessage(
		`{"conversationId":"c1","tempId":"t1","type":"carrier_pigeon","content":"x"}`))
	req.Error(err)

	// A valid payload decodes
	payload, err := decode[SendMessagePayload](json.RawMessage(
		`{"conversationId":"c1","tempId":"t1","type":"text","content":"hello"}`))
	req.NoError(err)
	req.Equal("c1", payload.ConversationID)
	req.Equal("text", payload.Type)

	// Malformed JSON
	_, err = decode[ConnectPayload](json.RawMessage(`{not json`))
	req.Error(err)
}
