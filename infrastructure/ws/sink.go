package ws

import (
	"context"
	"encoding/json"
	"sync"

	"parley/domain/event"
	"parley/errors"
)

// SessionSink is the bounded outbound queue of one session. It isolates one
// slow consumer from the rest of the room: Consume never blocks, and an
// overflow marks the session for disconnection instead of stalling fan-out.
// A client that lost events has to re-sync through history anyway, so a hard
// disconnect makes the loss visible immediately.
type SessionSink struct {
	out      chan []byte
	dropped  chan struct{}
	dropOnce sync.Once
}

func NewSessionSink(bufferSize int) *SessionSink {
	return &SessionSink{
		out:     make(chan []byte, bufferSize),
		dropped: make(chan struct{}),
	}
}

// Consume is called by fan-out. The event is converted to its wire envelope
// here so the write pump only moves bytes.
func (s *SessionSink) Consume(ctx context.Context, e event.DomainEvent) error {
	env, err := EnvelopeFromEvent(e)
	if err != nil {
		return err
	}
	return s.push(ctx, env)
}

// SendEnvelope queues a frame addressed to this session only (acks, errors,
// the handshake response).
func (s *SessionSink) SendEnvelope(ctx context.Context, env Envelope) error {
	return s.push(ctx, env)
}

func (s *SessionSink) push(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	select {
	case s.out <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		s.dropOnce.Do(func() { close(s.dropped) })
		return errors.ErrSinkOverflow
	}
}

// Out is drained by the session's write pump.
func (s *SessionSink) Out() <-chan []byte { return s.out }

// Dropped is closed once on overflow; the write pump then tears the
// connection down.
func (s *SessionSink) Dropped() <-chan struct{} { return s.dropped }
