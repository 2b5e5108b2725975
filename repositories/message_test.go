package repositories

import (
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"parley/domain"
	"parley/errors"
)

func openTestDB(t *testing.T) *badger.DB {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLoggingLevel(badger.ERROR))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestConversation(t *testing.T, db *badger.DB, participants ...string) domain.Conversation {
	t.Helper()
	ids := make([]domain.IdentityID, 0, len(participants))
	for _, p := range participants {
		ids = append(ids, domain.IdentityID(p))
	}
	conv, err := NewConversationRepository(db).CreateConversation(ids)
	require.NoError(t, err)
	return conv
}

func draftFor(conv domain.ConversationID, sender, tempID, content string) domain.Message {
	return domain.Message{
		Conversation: conv,
		Sender:       domain.IdentityID(sender),
		TempID:       tempID,
		Type:         domain.MessageText,
		Content:      content,
		CreatedAt:    time.Now().UTC(),
	}
}

func Test_Append_Assigns_Gapless_Sequence(t *testing.T) {
	req := require.New(t)
	db := openTestDB(t)
	conv := newTestConversation(t, db, "alice", "bob")
	repository := NewMessageRepository(db, slog.Default(), nil)

	for i := 1; i <= 3; i++ {
		msg, duplicate, err := repository.AppendMessage(
			draftFor(conv.ID, "alice", uuid.NewString(), fmt.Sprintf("message %d", i)))
		req.NoError(err)
		req.False(duplicate)
		req.Equal(uint64(i), msg.Seq)
		req.NotEmpty(msg.ID)
	}
}

func Test_Append_Concurrent_Sequences_Are_Unique_And_Gapless(t *testing.T) {
	req := require.New(t)
	db := openTestDB(t)
	conv := newTestConversation(t, db, "alice", "bob")
	repository := NewMessageRepository(db, slog.Default(), nil)

	const senders = 20
	var wg sync.WaitGroup
	seqs := make(chan uint64, senders)

	// When many goroutines append to the same conversation at once
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg, _, err := repository.AppendMessage(
				draftFor(conv.ID, "alice", uuid.NewString(), fmt.Sprintf("concurrent %d", i)))
			req.NoError(err)
			seqs <- msg.Seq
		}(i)
	}
	wg.Wait()
	close(seqs)

	// Then every sequence 1..N is assigned exactly once
	seen := make(map[uint64]bool)
	for seq := range seqs {
		req.False(seen[seq], "sequence %d assigned twice", seq)
		seen[seq] = true
	}
	for i := uint64(1); i <= senders; i++ {
		req.True(seen[i], "sequence %d missing", i)
	}
}

func Test_Append_Duplicate_TempID_Returns_Existing(t *testing.T) {
	req := require.New(t)
	db := openTestDB(t)
	conv := newTestConversation(t, db, "alice", "bob")
	repository := NewMessageRepository(db, slog.Default(), nil)

	tempID := uuid.NewString()
	first, duplicate, err := repository.AppendMessage(draftFor(conv.ID, "alice", tempID, "hello"))
	req.NoError(err)
	req.False(duplicate)

	// When the client retries with the same temp id
	retry, duplicate, err := repository.AppendMessage(draftFor(conv.ID, "alice", tempID, "hello"))
	req.NoError(err)
	req.True(duplicate)
	req.Equal(first.ID, retry.ID)
	req.Equal(first.Seq, retry.Seq)

	// Then the sequence counter did not advance
	next, _, err := repository.AppendMessage(draftFor(conv.ID, "alice", uuid.NewString(), "after"))
	req.NoError(err)
	req.Equal(first.Seq+1, next.Seq)
}

func Test_Append_Same_TempID_Different_Sender_Both_Commit(t *testing.T) {
	req := require.New(t)
	db := openTestDB(t)
	conv := newTestConversation(t, db, "alice", "bob")
	repository := NewMessageRepository(db, slog.Default(), nil)

	tempID := uuid.NewString()
	first, duplicate, err := repository.AppendMessage(draftFor(conv.ID, "alice", tempID, "from alice"))
	req.NoError(err)
	req.False(duplicate)

	second, duplicate, err := repository.AppendMessage(draftFor(conv.ID, "bob", tempID, "from bob"))
	req.NoError(err)
	req.False(duplicate)
	req.NotEqual(first.ID, second.ID)
}

func Test_Append_Unknown_Conversation(t *testing.T) {
	req := require.New(t)
	db := openTestDB(t)
	repository := NewMessageRepository(db, slog.Default(), nil)

	_, _, err := repository.AppendMessage(
		draftFor(domain.ConversationID(uuid.NewString()), "alice", uuid.NewString(), "void"))
	req.ErrorIs(err, errors.ErrRoomNotFound)
}

func Test_GetMessages_Paginates_Newest_First(t *testing.T) {
	req := require.New(t)
	db := openTestDB(t)
	conv := newTestConversation(t, db, "alice", "bob")
	limit := 2
	repository := NewMessageRepository(db, slog.Default(), &limit)

	for i := 1; i <= 5; i++ {
		_, _, err := repository.AppendMessage(
			draftFor(conv.ID, "alice", uuid.NewString(), fmt.Sprintf("message %d", i)))
		req.NoError(err)
	}

	// First page: newest two
	page, cursor, err := repository.GetMessages(conv.ID, nil)
	req.NoError(err)
	req.Len(page, 2)
	req.Equal(uint64(5), page[0].Seq)
	req.Equal(uint64(4), page[1].Seq)
	req.NotNil(cursor)

	// Second page resumes behind the cursor
	page, cursor, err = repository.GetMessages(conv.ID, cursor)
	req.NoError(err)
	req.Len(page, 2)
	req.Equal(uint64(3), page[0].Seq)
	req.Equal(uint64(2), page[1].Seq)
	req.NotNil(cursor)

	// Final short page signals exhaustion with a nil cursor
	page, cursor, err = repository.GetMessages(conv.ID, cursor)
	req.NoError(err)
	req.Len(page, 1)
	req.Equal(uint64(1), page[0].Seq)
	req.Nil(cursor)
}

func Test_GetMessages_Exact_Page_Boundary_Ends_Without_Cursor(t *testing.T) {
	req := require.New(t)
	db := openTestDB(t)
	conv := newTestConversation(t, db, "alice", "bob")
	limit := 2
	repository := NewMessageRepository(db, slog.Default(), &limit)

	for i := 1; i <= 4; i++ {
		_, _, err := repository.AppendMessage(
			draftFor(conv.ID, "alice", uuid.NewString(), fmt.Sprintf("message %d", i)))
		req.NoError(err)
	}

	// The second page is full but the scan is exhausted, so no cursor
	page, cursor, err := repository.GetMessages(conv.ID, nil)
	req.NoError(err)
	req.Len(page, 2)
	req.NotNil(cursor)

	page, cursor, err = repository.GetMessages(conv.ID, cursor)
	req.NoError(err)
	req.Len(page, 2)
	req.Equal(uint64(1), page[1].Seq)
	req.Nil(cursor)

	// An empty conversation reads as an empty page without a cursor
	empty := newTestConversation(t, db, "alice", "bob")
	page, cursor, err = repository.GetMessages(empty.ID, nil)
	req.NoError(err)
	req.Empty(page)
	req.Nil(cursor)
}

func Test_Receipts_Advance_Monotonically(t *testing.T) {
	req := require.New(t)
	db := openTestDB(t)
	conv := newTestConversation(t, db, "alice", "bob", "clara")
	repository := NewMessageRepository(db, slog.Default(), nil)

	msg, _, err := repository.AppendMessage(draftFor(conv.ID, "alice", uuid.NewString(), "receipts"))
	req.NoError(err)

	at := time.Now().UTC()
	updated, advanced, err := repository.MarkDelivered(msg.ID, []domain.IdentityID{"bob"}, at)
	req.NoError(err)
	req.True(advanced)
	req.Equal(domain.StatusDelivered, updated.Receipts["bob"].Status())

	// Read advances past delivered
	updated, advanced, err = repository.MarkRead(msg.ID, "bob", at.Add(time.Second))
	req.NoError(err)
	req.True(advanced)
	req.Equal(domain.StatusRead, updated.Receipts["bob"].Status())

	// A second read signal changes nothing
	_, advanced, err = repository.MarkRead(msg.ID, "bob", at.Add(2*time.Second))
	req.NoError(err)
	req.False(advanced)

	// A late delivery signal cannot regress a read receipt
	updated, advanced, err = repository.MarkDelivered(msg.ID, []domain.IdentityID{"bob"}, at.Add(3*time.Second))
	req.NoError(err)
	req.False(advanced)
	req.Equal(domain.StatusRead, updated.Receipts["bob"].Status())
}

func Test_Read_Before_Delivery_Implies_Delivered(t *testing.T) {
	req := require.New(t)
	db := openTestDB(t)
	conv := newTestConversation(t, db, "alice", "bob")
	repository := NewMessageRepository(db, slog.Default(), nil)

	msg, _, err := repository.AppendMessage(draftFor(conv.ID, "alice", uuid.NewString(), "rushed read"))
	req.NoError(err)

	// When the read signal arrives before any delivery signal
	at := time.Now().UTC()
	updated, advanced, err := repository.MarkRead(msg.ID, "bob", at)
	req.NoError(err)
	req.True(advanced)

	// Then the receipt holds both timestamps
	receipt := updated.Receipts["bob"]
	req.NotNil(receipt.DeliveredAt)
	req.NotNil(receipt.ReadAt)
	req.Equal(domain.StatusRead, receipt.Status())
	req.Equal(domain.StatusRead, updated.Status())
}

func Test_MarkDelivered_Skips_Sender(t *testing.T) {
	req := require.New(t)
	db := openTestDB(t)
	conv := newTestConversation(t, db, "alice", "bob")
	repository := NewMessageRepository(db, slog.Default(), nil)

	msg, _, err := repository.AppendMessage(draftFor(conv.ID, "alice", uuid.NewString(), "self"))
	req.NoError(err)

	_, advanced, err := repository.MarkDelivered(msg.ID, []domain.IdentityID{"alice"}, time.Now().UTC())
	req.NoError(err)
	req.False(advanced)
}

func Test_GetByID_Unknown_Message(t *testing.T) {
	req := require.New(t)
	db := openTestDB(t)
	repository := NewMessageRepository(db, slog.Default(), nil)

	_, err := repository.GetByID(domain.MessageID(uuid.NewString()))
	req.ErrorIs(err, errors.ErrMessageNotFound)
}
