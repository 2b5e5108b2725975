package runtime

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"

	"parley/domain"
	"parley/domain/event"
	"parley/errors"
	"parley/observability"
	"parley/repositories"
)

// SendRequest is a client's intent to commit a message. Content, IV and
// AuthTag come from the external Encryption Service and pass through opaque.
type SendRequest struct {
	Conversation domain.ConversationID
	TempID       string
	Type         domain.MessageType
	Content      string
	IV           string
	AuthTag      string
	Attachment   *domain.Attachment
}

// DeliveryPipeline runs the message state machine: commit through the
// Conversation Store, fan out through the Room Router, then advance
// per-recipient status on delivery and read signals.
//
// A per-conversation lock is held across commit and broadcast, so the order
// in which the store assigns sequence numbers is exactly the order events
// reach the room. Cross-conversation ordering is neither guaranteed nor
// required.
type DeliveryPipeline struct {
	repo   repositories.IMessageRepository
	router *RoomRouter
	locks  *repositories.KeyedMutex
	clock  Clock
	stats  *observability.Manager
	log    *slog.Logger
}

func NewDeliveryPipeline(repo repositories.IMessageRepository, router *RoomRouter,
	clock Clock, stats *observability.Manager, log *slog.Logger) *DeliveryPipeline {
	return &DeliveryPipeline{
		repo:   repo,
		router: router,
		locks:  repositories.NewKeyedMutex(),
		clock:  clock,
		stats:  stats,
		log:    log,
	}
}

// Send commits the request and broadcasts the committed message to the room,
// excluding the originating session. Commit-then-broadcast ordering is
// mandatory: a message is never observable before it is durable. Retrying
// with the same temp id returns the already-committed message unchanged and
// re-broadcasts nothing.
func (p *DeliveryPipeline) Send(ctx context.Context, session domain.Session, req SendRequest) (domain.Message, error) {
	unlock := p.locks.Lock(string(req.Conversation))
	defer unlock()

	if !p.router.IsJoined(session.ID, req.Conversation) {
		return domain.Message{}, errors.ErrUnauthorized
	}

	draft := domain.Message{
		Conversation: req.Conversation,
		Sender:       session.Identity.ID,
		TempID:       req.TempID,
		Type:         req.Type,
		Content:      req.Content,
		IV:           req.IV,
		AuthTag:      req.AuthTag,
		Attachment:   req.Attachment,
		CreatedAt:    p.clock.Now(),
	}

	msg, duplicate, err := p.repo.AppendMessage(draft)
	if err != nil {
		if stderrors.Is(err, errors.ErrRoomNotFound) {
			return domain.Message{}, err
		}
		// Store failure: surfaced to the originator only; the client owns
		// the retry, idempotent via the temp id.
		return domain.Message{}, fmt.Errorf("%w: %v", errors.ErrSendFailed, err)
	}
	if duplicate {
		p.stats.IncrDuplicateSend()
		return msg, nil
	}
	p.stats.IncrCommitted()

	delivered, reached := p.router.Fanout(ctx, msg.Conversation, event.MessageCommitted{Message: msg}, session.ID)
	p.stats.AddFannedOut(delivered)

	recipients := otherParticipants(reached, msg.Sender)
	if len(recipients) == 0 {
		return msg, nil
	}

	// Fan-out reached at least one live session of another participant:
	// committed -> delivered, advisory only.
	updated, advanced, err := p.repo.MarkDelivered(msg.ID, recipients, p.clock.Now())
	if err != nil {
		p.log.Warn("Delivery receipt update failed", "message_id", string(msg.ID), "error", err)
		return msg, nil
	}
	if advanced {
		count, _ := p.router.Fanout(ctx, msg.Conversation, event.MessageStatusChanged{
			MessageID:      msg.ID,
			ConversationID: msg.Conversation,
			Status:         domain.StatusDelivered,
			At:             p.clock.Now(),
		}, "")
		p.stats.AddFannedOut(count)
		return updated, nil
	}
	return msg, nil
}

// MarkRead handles an explicit read signal from a recipient session. Self
// acknowledgments are ignored, not errors. The transition is broadcast to
// the room only when the recipient's status actually advanced, keeping
// status monotonic per recipient.
func (p *DeliveryPipeline) MarkRead(ctx context.Context, session domain.Session, messageID domain.MessageID, conv domain.ConversationID) error {
	unlock := p.locks.Lock(string(conv))
	defer unlock()

	if err := p.router.CheckParticipant(session, conv); err != nil {
		return err
	}

	msg, err := p.repo.GetByID(messageID)
	if err != nil {
		return err
	}
	if msg.Conversation != conv {
		return errors.ErrMessageNotFound
	}
	if msg.Sender == session.Identity.ID {
		return nil
	}

	now := p.clock.Now()
	_, advanced, err := p.repo.MarkRead(messageID, session.Identity.ID, now)
	if err != nil {
		return err
	}
	if !advanced {
		return nil
	}
	p.stats.IncrReadReceipt()

	count, _ := p.router.Fanout(ctx, conv, event.MessageStatusChanged{
		MessageID:      messageID,
		ConversationID: conv,
		Status:         domain.StatusRead,
		By:             session.Identity.ID,
		At:             now,
	}, "")
	p.stats.AddFannedOut(count)
	return nil
}

func otherParticipants(reached map[domain.IdentityID]struct{}, sender domain.IdentityID) []domain.IdentityID {
	var recipients []domain.IdentityID
	for identity := range reached {
		if identity != sender {
			recipients = append(recipients, identity)
		}
	}
	return recipients
}
