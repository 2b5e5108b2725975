package ws

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"parley/domain"
	"parley/domain/event"
	"parley/errors"
)

func Test_Sink_Queues_In_Order(t *testing.T) {
	req := require.New(t)
	sink := NewSessionSink(4)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		err := sink.Consume(ctx, event.MessageCommitted{Message: domain.Message{
			ID: domain.MessageID(rune('a' + i)), Conversation: "c1", Seq: uint64(i), Type: domain.MessageText,
		}})
		req.NoError(err)
	}

	for i := 1; i <= 3; i++ {
		data := <-sink.Out()
		var env Envelope
		req.NoError(json.Unmarshal(data, &env))
		req.Equal(TypeNewMessage, env.Type)
		var payload NewMessagePayload
		req.NoError(json.Unmarshal(env.Data, &payload))
		req.Equal(uint64(i), payload.Seq)
	}
}

func Test_Sink_Overflow_Marks_Session_Dropped(t *testing.T) {
	req := require.New(t)
	sink := NewSessionSink(2)
	ctx := context.Background()
	e := event.TypingStarted{ConversationID: "c1", Identity: "alice", At: time.Now()}

	// The queue absorbs its capacity without blocking
	req.NoError(sink.Consume(ctx, e))
	req.NoError(sink.Consume(ctx, e))

	select {
	case <-sink.Dropped():
		t.Fatal("session marked dropped before overflow")
	default:
	}

	// One event past capacity overflows instead of blocking fan-out
	err := sink.Consume(ctx, e)
	req.ErrorIs(err, errors.ErrSinkOverflow)

	select {
	case <-sink.Dropped():
	default:
		t.Fatal("overflow did not mark the session dropped")
	}

	// Further consumes keep failing without panicking on the closed marker
	req.ErrorIs(sink.Consume(ctx, e), errors.ErrSinkOverflow)
}

func Test_Sink_SendEnvelope_Bypasses_Event_Mapping(t *testing.T) {
	req := require.New(t)
	sink := NewSessionSink(1)

	env, err := NewEnvelope(TypeError, ErrorPayload{Message: "nope", Code: CodeUnauthorized})
	req.NoError(err)
	req.NoError(sink.SendEnvelope(context.Background(), env))

	data := <-sink.Out()
	var got Envelope
	req.NoError(json.Unmarshal(data, &got))
	req.Equal(TypeError, got.Type)
}
