// Package domain contains core concepts of the conversation engine.
// This file defines identities as seen by this core: they are owned by the
// external Identity Provider and are referenced, never mutated, here.
package domain

type IdentityID string

// Identity is the stable, provider-owned description of a user.
type Identity struct {
	ID          IdentityID
	DisplayName string
	AvatarRef   string
}
