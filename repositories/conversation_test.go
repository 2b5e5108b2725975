package repositories

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"parley/domain"
	"parley/errors"
)

func Test_Create_And_Get_Conversation(t *testing.T) {
	req := require.New(t)
	db := openTestDB(t)
	repository := NewConversationRepository(db)

	participants := []domain.IdentityID{"alice", "bob", "clara"}
	created, err := repository.CreateConversation(participants)
	req.NoError(err)
	req.NotEmpty(created.ID)
	req.Equal(participants, created.Participants)

	fetched, err := repository.GetConversation(created.ID)
	req.NoError(err)
	req.Equal(created.ID, fetched.ID)
	req.Equal(participants, fetched.Participants)
	req.True(fetched.HasParticipant("bob"))
	req.False(fetched.HasParticipant("mallory"))
}

func Test_Get_Unknown_Conversation(t *testing.T) {
	req := require.New(t)
	db := openTestDB(t)
	repository := NewConversationRepository(db)

	_, err := repository.GetConversation(domain.ConversationID(uuid.NewString()))
	req.ErrorIs(err, errors.ErrRoomNotFound)
}
