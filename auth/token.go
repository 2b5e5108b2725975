// Package auth is the Identity Provider boundary: it turns a bearer
// credential into a stable Identity. Credential issuance and verification
// internals live outside this core; only token validation happens here.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"parley/domain"
	"parley/errors"
)

// CustomClaims defines the structure of the data stored inside the JWT.
type CustomClaims struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	AvatarRef   string `json:"avatar_ref,omitempty"`
	jwt.RegisteredClaims
}

// Verifier validates bearer credentials against a shared signing secret.
type Verifier struct {
	secret []byte
	issuer string
}

func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer}
}

// GenerateToken creates a signed JWT for a specific identity. The engine
// itself never issues tokens at runtime; this exists for the probe CLI and
// for tests standing in for the external provider.
func (v *Verifier) GenerateToken(identity domain.Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &CustomClaims{
		UserID:      string(identity.ID),
		DisplayName: identity.DisplayName,
		AvatarRef:   identity.AvatarRef,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    v.issuer,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// ValidateToken parses and validates the signature and expiration of a JWT
// string and yields the identity it asserts.
func (v *Verifier) ValidateToken(tokenString string) (domain.Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &CustomClaims{}, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		return domain.Identity{}, fmt.Errorf("%w: %v", errors.ErrAuthenticationFailed, err)
	}

	claims, ok := token.Claims.(*CustomClaims)
	if !ok || !token.Valid || claims.UserID == "" {
		return domain.Identity{}, errors.ErrAuthenticationFailed
	}

	return domain.Identity{
		ID:          domain.IdentityID(claims.UserID),
		DisplayName: claims.DisplayName,
		AvatarRef:   claims.AvatarRef,
	}, nil
}
