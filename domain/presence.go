package domain

import "time"

type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceOffline PresenceStatus = "offline"
)

// PresenceRecord is the aggregate presence of an identity, derived from its
// session count. LastSeen is meaningful only when offline.
type PresenceRecord struct {
	Identity IdentityID
	Status   PresenceStatus
	LastSeen time.Time
}
