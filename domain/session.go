package domain

import "time"

type SessionID string

// Session is the live binding between one connection and one authenticated
// identity. A session never outlives its connection; the same identity may
// hold many concurrent sessions (multi-device).
type Session struct {
	ID        SessionID
	Identity  Identity
	CreatedAt time.Time
}
