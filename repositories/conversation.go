//go:generate go run go.uber.org/mock/mockgen -source=conversation.go -destination=../mocks/mock_conversation_repository.go -package=mocks
package repositories

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"parley/domain"
	"parley/errors"
)

type IConversationRepository interface {
	CreateConversation(participants []domain.IdentityID) (domain.Conversation, error)
	GetConversation(id domain.ConversationID) (domain.Conversation, error)
}

type ConversationRepository struct {
	db *badger.DB
}

func NewConversationRepository(db *badger.DB) *ConversationRepository {
	return &ConversationRepository{db: db}
}

// diskConversation is the stored shape of a conversation record.
type diskConversation struct {
	ID           string   `json:"id"`
	Participants []string `json:"participants"`
	LastActivity int64    `json:"last_activity"`
}

func conversationKey(id domain.ConversationID) []byte {
	return []byte(fmt.Sprintf("conv:%s", id))
}

// CreateConversation persists a new conversation with the given participant
// set and a fresh id. The sequence counter starts implicitly at zero: the
// first committed message receives sequence 1.
func (c *ConversationRepository) CreateConversation(participants []domain.IdentityID) (domain.Conversation, error) {
	conv := domain.Conversation{
		ID:           domain.ConversationID(uuid.NewString()),
		Participants: participants,
		LastActivity: time.Now().UTC(),
	}
	data, err := json.Marshal(fromConversation(conv))
	if err != nil {
		return domain.Conversation{}, err
	}
	err = c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(conversationKey(conv.ID), data)
	})
	if err != nil {
		return domain.Conversation{}, err
	}
	return conv, nil
}

func (c *ConversationRepository) GetConversation(id domain.ConversationID) (domain.Conversation, error) {
	var disk diskConversation
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(conversationKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &disk)
		})
	})
	if err == badger.ErrKeyNotFound {
		return domain.Conversation{}, errors.ErrRoomNotFound
	}
	if err != nil {
		return domain.Conversation{}, err
	}
	return toConversation(disk), nil
}

func fromConversation(conv domain.Conversation) diskConversation {
	return diskConversation{
		ID: string(conv.ID),
		Participants: lo.Map(conv.Participants, func(p domain.IdentityID, _ int) string {
			return string(p)
		}),
		LastActivity: conv.LastActivity.UnixNano(),
	}
}

func toConversation(disk diskConversation) domain.Conversation {
	return domain.Conversation{
		ID: domain.ConversationID(disk.ID),
		Participants: lo.Map(disk.Participants, func(p string, _ int) domain.IdentityID {
			return domain.IdentityID(p)
		}),
		LastActivity: time.Unix(0, disk.LastActivity).UTC(),
	}
}
