//go:generate go run go.uber.org/mock/mockgen -source=message.go -destination=../mocks/mock_message_repository.go -package=mocks
package repositories

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"parley/domain"
	"parley/errors"
)

type IMessageRepository interface {
	AppendMessage(draft domain.Message) (domain.Message, bool, error)
	HasTemp(conv domain.ConversationID, sender domain.IdentityID, tempID string) (domain.MessageID, bool, error)
	GetByID(id domain.MessageID) (domain.Message, error)
	GetMessages(conv domain.ConversationID, cursor *string) ([]domain.Message, *string, error)
	MarkDelivered(id domain.MessageID, recipients []domain.IdentityID, at time.Time) (domain.Message, bool, error)
	MarkRead(id domain.MessageID, recipient domain.IdentityID, at time.Time) (domain.Message, bool, error)
}

// MessageRepository is the durable side of the Conversation Store: it
// appends messages under a conversation-scoped serialization point, assigns
// gapless per-conversation sequence numbers, and keeps the temp-id index
// that makes client retries idempotent.
type MessageRepository struct {
	db            *badger.DB
	log           *slog.Logger
	locks         *KeyedMutex
	limitMessages *int
}

func NewMessageRepository(db *badger.DB, log *slog.Logger, limitMessages *int) *MessageRepository {
	return &MessageRepository{db: db, log: log, locks: NewKeyedMutex(), limitMessages: limitMessages}
}

type diskReceipt struct {
	DeliveredAt *int64 `json:"delivered_at,omitempty"`
	ReadAt      *int64 `json:"read_at,omitempty"`
}

type diskAttachment struct {
	Ref  string `json:"ref"`
	Name string `json:"name,omitempty"`
	Size int64  `json:"size,omitempty"`
}

type diskMessage struct {
	ID           string                 `json:"id"`
	Conversation string                 `json:"conversation"`
	Sender       string                 `json:"sender"`
	TempID       string                 `json:"temp_id"`
	Seq          uint64                 `json:"seq"`
	Type         string                 `json:"type"`
	Content      string                 `json:"content"`
	IV           string                 `json:"iv,omitempty"`
	AuthTag      string                 `json:"auth_tag,omitempty"`
	Attachment   *diskAttachment        `json:"attachment,omitempty"`
	CreatedAt    int64                  `json:"created_at"`
	Receipts     map[string]diskReceipt `json:"receipts,omitempty"`
}

// Key layout. The primary key embeds the zero-padded sequence number so a
// lexicographic prefix scan yields canonical conversation order:
//  1. "msg:{conv}:{seq padded to 19 digits}" -> message record
//  2. "msgid:{message id}"                   -> primary key (point lookups)
//  3. "tmp:{conv}:{sender}:{temp id}"        -> message id (dedup under retry)
//  4. "seq:{conv}"                           -> last assigned sequence
func messageKey(conv domain.ConversationID, seq uint64) []byte {
	return []byte(fmt.Sprintf("msg:%s:%019d", conv, seq))
}

func messageIDKey(id domain.MessageID) []byte {
	return []byte(fmt.Sprintf("msgid:%s", id))
}

func tempKey(conv domain.ConversationID, sender domain.IdentityID, tempID string) []byte {
	return []byte(fmt.Sprintf("tmp:%s:%s:%s", conv, sender, tempID))
}

func seqKey(conv domain.ConversationID) []byte {
	return []byte(fmt.Sprintf("seq:%s", conv))
}

// AppendMessage durably commits a draft, assigning the message id and the
// next sequence number for its conversation. If the same (sender,
// conversation, temp id) was already committed, the existing message is
// returned unchanged with duplicate=true and nothing is written. The
// per-conversation lock is the serialization point: two concurrent sends to
// the same conversation never receive the same sequence number, and the
// counter only advances on a successful commit, so sequences stay gapless.
func (m *MessageRepository) AppendMessage(draft domain.Message) (domain.Message, bool, error) {
	unlock := m.locks.Lock("append:" + string(draft.Conversation))
	defer unlock()

	var result domain.Message
	var duplicate bool
	err := m.db.Update(func(txn *badger.Txn) error {
		convItem, err := txn.Get(conversationKey(draft.Conversation))
		if err == badger.ErrKeyNotFound {
			return errors.ErrRoomNotFound
		}
		if err != nil {
			return err
		}

		// Idempotency: an already-committed temp id short-circuits.
		existingID, found, err := readTempIndex(txn, draft.Conversation, draft.Sender, draft.TempID)
		if err != nil {
			return err
		}
		if found {
			existing, err := readByID(txn, existingID)
			if err != nil {
				return err
			}
			result = existing
			duplicate = true
			return nil
		}

		last, err := readSeq(txn, draft.Conversation)
		if err != nil {
			return err
		}

		msg := draft
		msg.ID = domain.MessageID(uuid.NewString())
		msg.Seq = last + 1
		if msg.Receipts == nil {
			msg.Receipts = make(map[domain.IdentityID]domain.Receipt)
		}

		primary := messageKey(msg.Conversation, msg.Seq)
		data, err := json.Marshal(fromMessage(msg))
		if err != nil {
			return err
		}
		if err := txn.Set(primary, data); err != nil {
			return err
		}
		if err := txn.Set(messageIDKey(msg.ID), primary); err != nil {
			return err
		}
		if err := txn.Set(tempKey(msg.Conversation, msg.Sender, msg.TempID), []byte(msg.ID)); err != nil {
			return err
		}
		if err := txn.Set(seqKey(msg.Conversation), []byte(strconv.FormatUint(msg.Seq, 10))); err != nil {
			return err
		}

		// Conversation activity advances with the commit.
		var disk diskConversation
		if err := convItem.Value(func(val []byte) error {
			return json.Unmarshal(val, &disk)
		}); err != nil {
			return err
		}
		disk.LastActivity = msg.CreatedAt.UnixNano()
		convData, err := json.Marshal(disk)
		if err != nil {
			return err
		}
		if err := txn.Set(conversationKey(msg.Conversation), convData); err != nil {
			return err
		}

		result = msg
		return nil
	})
	if err != nil {
		return domain.Message{}, false, err
	}
	return result, duplicate, nil
}

// HasTemp reports whether a temp id has already been committed for this
// sender and conversation.
func (m *MessageRepository) HasTemp(conv domain.ConversationID, sender domain.IdentityID, tempID string) (domain.MessageID, bool, error) {
	var id domain.MessageID
	var found bool
	err := m.db.View(func(txn *badger.Txn) error {
		var err error
		id, found, err = readTempIndex(txn, conv, sender, tempID)
		return err
	})
	return id, found, err
}

func (m *MessageRepository) GetByID(id domain.MessageID) (domain.Message, error) {
	var msg domain.Message
	err := m.db.View(func(txn *badger.Txn) error {
		var err error
		msg, err = readByID(txn, id)
		return err
	})
	return msg, err
}

// MarkDelivered records delivery receipts for the given recipients. A
// recipient already at delivered or read is left untouched; advanced reports
// whether any receipt actually moved forward.
func (m *MessageRepository) MarkDelivered(id domain.MessageID, recipients []domain.IdentityID, at time.Time) (domain.Message, bool, error) {
	return m.updateReceipts(id, func(msg *domain.Message) bool {
		advanced := false
		for _, r := range recipients {
			if r == msg.Sender {
				continue
			}
			rec := msg.Receipts[r]
			if rec.DeliveredAt != nil || rec.ReadAt != nil {
				continue
			}
			ts := at
			rec.DeliveredAt = &ts
			msg.Receipts[r] = rec
			advanced = true
		}
		return advanced
	})
}

// MarkRead records a read receipt for one recipient. Read implies delivered:
// a read signal arriving before any delivery signal still lands on read.
// Receipts only move forward, so a later delivered signal cannot regress it.
func (m *MessageRepository) MarkRead(id domain.MessageID, recipient domain.IdentityID, at time.Time) (domain.Message, bool, error) {
	return m.updateReceipts(id, func(msg *domain.Message) bool {
		rec := msg.Receipts[recipient]
		if rec.ReadAt != nil {
			return false
		}
		ts := at
		rec.ReadAt = &ts
		if rec.DeliveredAt == nil {
			rec.DeliveredAt = &ts
		}
		msg.Receipts[recipient] = rec
		return true
	})
}

func (m *MessageRepository) updateReceipts(id domain.MessageID, mutate func(*domain.Message) bool) (domain.Message, bool, error) {
	unlock := m.locks.Lock("receipt:" + string(id))
	defer unlock()

	var result domain.Message
	var advanced bool
	err := m.db.Update(func(txn *badger.Txn) error {
		msg, err := readByID(txn, id)
		if err != nil {
			return err
		}
		advanced = mutate(&msg)
		result = msg
		if !advanced {
			return nil
		}
		data, err := json.Marshal(fromMessage(msg))
		if err != nil {
			return err
		}
		return txn.Set(messageKey(msg.Conversation, msg.Seq), data)
	})
	if err != nil {
		return domain.Message{}, false, err
	}
	return result, advanced, nil
}

// GetMessages retrieves messages for a conversation newest-first using a
// reverse prefix scan; the padded sequence in the key keeps them sorted. The
// returned cursor resumes the scan on the next call and is nil once the
// scan is exhausted. This backs the history pagination boundary clients use
// to catch up after a disconnect.
func (m *MessageRepository) GetMessages(conv domain.ConversationID, cursor *string) ([]domain.Message, *string, error) {
	var raw [][]byte
	var lastKey string
	var more bool
	err := m.db.View(func(txn *badger.Txn) error {
		prefixStr := fmt.Sprintf("msg:%s:", conv)
		prefix := []byte(prefixStr)
		options := badger.DefaultIteratorOptions
		options.Reverse = true
		it := txn.NewIterator(options)
		defer it.Close()

		var seekKey []byte
		switch cursor {
		case nil:
			// Seek past the highest possible sequence, then walk backwards.
			seekKey = append(prefix, []byte("9999999999999999999")...)
		default:
			seekKey = append(prefix, []byte(*cursor)...)
		}

		it.Seek(seekKey)
		if cursor != nil && it.ValidForPrefix(prefix) {
			it.Next()
		}

		for ; it.ValidForPrefix(prefix); it.Next() {
			if m.limitMessages != nil && len(raw) == *m.limitMessages {
				m.log.Debug(fmt.Sprintf("Maximum of %d messages reached", *m.limitMessages))
				more = true
				break
			}
			item := it.Item()
			lastKey = string(item.Key()[len(prefixStr):])
			if err := item.Value(func(value []byte) error {
				raw = append(raw, append([]byte(nil), value...))
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	var messages []domain.Message
	for _, b := range raw {
		var disk diskMessage
		if err := json.Unmarshal(b, &disk); err != nil {
			return nil, nil, err
		}
		messages = append(messages, toMessage(disk))
	}
	if !more {
		return messages, nil, nil
	}
	return messages, &lastKey, nil
}

func readTempIndex(txn *badger.Txn, conv domain.ConversationID, sender domain.IdentityID, tempID string) (domain.MessageID, bool, error) {
	item, err := txn.Get(tempKey(conv, sender, tempID))
	if err == badger.ErrKeyNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	var id domain.MessageID
	err = item.Value(func(val []byte) error {
		id = domain.MessageID(val)
		return nil
	})
	return id, err == nil, err
}

func readByID(txn *badger.Txn, id domain.MessageID) (domain.Message, error) {
	idxItem, err := txn.Get(messageIDKey(id))
	if err == badger.ErrKeyNotFound {
		return domain.Message{}, errors.ErrMessageNotFound
	}
	if err != nil {
		return domain.Message{}, err
	}
	var primary []byte
	if err := idxItem.Value(func(val []byte) error {
		primary = append([]byte(nil), val...)
		return nil
	}); err != nil {
		return domain.Message{}, err
	}

	item, err := txn.Get(primary)
	if err == badger.ErrKeyNotFound {
		return domain.Message{}, errors.ErrMessageNotFound
	}
	if err != nil {
		return domain.Message{}, err
	}
	var disk diskMessage
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &disk)
	}); err != nil {
		return domain.Message{}, err
	}
	return toMessage(disk), nil
}

func readSeq(txn *badger.Txn, conv domain.ConversationID) (uint64, error) {
	item, err := txn.Get(seqKey(conv))
	if err == badger.ErrKeyNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var last uint64
	err = item.Value(func(val []byte) error {
		var parseErr error
		last, parseErr = strconv.ParseUint(string(val), 10, 64)
		return parseErr
	})
	return last, err
}

func fromMessage(msg domain.Message) diskMessage {
	disk := diskMessage{
		ID:           string(msg.ID),
		Conversation: string(msg.Conversation),
		Sender:       string(msg.Sender),
		TempID:       msg.TempID,
		Seq:          msg.Seq,
		Type:         string(msg.Type),
		Content:      msg.Content,
		IV:           msg.IV,
		AuthTag:      msg.AuthTag,
		CreatedAt:    msg.CreatedAt.UnixNano(),
	}
	if msg.Attachment != nil {
		disk.Attachment = &diskAttachment{
			Ref:  msg.Attachment.Ref,
			Name: msg.Attachment.Name,
			Size: msg.Attachment.Size,
		}
	}
	if len(msg.Receipts) > 0 {
		disk.Receipts = make(map[string]diskReceipt, len(msg.Receipts))
		for identity, rec := range msg.Receipts {
			disk.Receipts[string(identity)] = diskReceipt{
				DeliveredAt: nanosPtr(rec.DeliveredAt),
				ReadAt:      nanosPtr(rec.ReadAt),
			}
		}
	}
	return disk
}

func toMessage(disk diskMessage) domain.Message {
	msg := domain.Message{
		ID:           domain.MessageID(disk.ID),
		Conversation: domain.ConversationID(disk.Conversation),
		Sender:       domain.IdentityID(disk.Sender),
		TempID:       disk.TempID,
		Seq:          disk.Seq,
		Type:         domain.MessageType(disk.Type),
		Content:      disk.Content,
		IV:           disk.IV,
		AuthTag:      disk.AuthTag,
		CreatedAt:    time.Unix(0, disk.CreatedAt).UTC(),
		Receipts:     make(map[domain.IdentityID]domain.Receipt),
	}
	if disk.Attachment != nil {
		msg.Attachment = &domain.Attachment{
			Ref:  disk.Attachment.Ref,
			Name: disk.Attachment.Name,
			Size: disk.Attachment.Size,
		}
	}
	for identity, rec := range disk.Receipts {
		msg.Receipts[domain.IdentityID(identity)] = domain.Receipt{
			DeliveredAt: timePtr(rec.DeliveredAt),
			ReadAt:      timePtr(rec.ReadAt),
		}
	}
	return msg
}

func nanosPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	n := t.UnixNano()
	return &n
}

func timePtr(n *int64) *time.Time {
	if n == nil {
		return nil
	}
	t := time.Unix(0, *n).UTC()
	return &t
}
