package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"parley/domain"
	"parley/errors"
)

func Test_Token_Round_Trip(t *testing.T) {
	req := require.New(t)
	verifier := NewVerifier("secret", "parley")
	identity := domain.Identity{ID: "alice", DisplayName: "Alice", AvatarRef: "blob://avatar"}

	token, err := verifier.GenerateToken(identity, time.Hour)
	req.NoError(err)

	validated, err := verifier.ValidateToken(token)
	req.NoError(err)
	req.Equal(identity, validated)
}

func Test_Token_Wrong_Secret(t *testing.T) {
	req := require.New(t)
	issuer := NewVerifier("secret-a", "parley")
	verifier := NewVerifier("secret-b", "parley")

	token, err := issuer.GenerateToken(domain.Identity{ID: "alice"}, time.Hour)
	req.NoError(err)

	_, err = verifier.ValidateToken(token)
	req.ErrorIs(err, errors.ErrAuthenticationFailed)
}

func Test_Token_Expired(t *testing.T) {
	req := require.New(t)
	verifier := NewVerifier("secret", "parley")

	token, err := verifier.GenerateToken(domain.Identity{ID: "alice"}, -time.Minute)
	req.NoError(err)

	_, err = verifier.ValidateToken(token)
	req.ErrorIs(err, errors.ErrAuthenticationFailed)
}

func Test_Token_Garbage(t *testing.T) {
	req := require.New(t)
	verifier := NewVerifier("secret", "parley")

	_, err := verifier.ValidateToken("not.a.token")
	req.ErrorIs(err, errors.ErrAuthenticationFailed)
}

func Test_Token_Missing_Subject(t *testing.T) {
	req := require.New(t)
	verifier := NewVerifier("secret", "parley")

	token, err := verifier.GenerateToken(domain.Identity{}, time.Hour)
	req.NoError(err)

	_, err = verifier.ValidateToken(token)
	req.ErrorIs(err, errors.ErrAuthenticationFailed)
}
