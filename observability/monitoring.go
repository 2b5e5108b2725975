package observability

import (
	"sync/atomic"
	"time"
)

// Stats is a point-in-time snapshot of engine activity, served on /statsz
// and logged by the telemetry worker.
type Stats struct {
	SessionsOpen      int64     `json:"sessions_open"`
	MessagesCommitted uint64    `json:"messages_committed"`
	DuplicateSends    uint64    `json:"duplicate_sends"`
	EventsFannedOut   uint64    `json:"events_fanned_out"`
	ReadReceipts      uint64    `json:"read_receipts"`
	DroppedSessions   uint64    `json:"dropped_sessions"`
	TypingExpired     uint64    `json:"typing_expired"`
	CollectedAt       time.Time `json:"collected_at"`
}

// Manager aggregates engine counters. All mutation is atomic; Snapshot is
// safe from any goroutine.
type Manager struct {
	sessionsOpen      atomic.Int64
	messagesCommitted atomic.Uint64
	duplicateSends    atomic.Uint64
	eventsFannedOut   atomic.Uint64
	readReceipts      atomic.Uint64
	droppedSessions   atomic.Uint64
	typingExpired     atomic.Uint64
}

func NewManager() *Manager {
	return &Manager{}
}

func (m *Manager) SessionOpened()      { m.sessionsOpen.Add(1) }
func (m *Manager) SessionClosed()      { m.sessionsOpen.Add(-1) }
func (m *Manager) IncrCommitted()      { m.messagesCommitted.Add(1) }
func (m *Manager) IncrDuplicateSend()  { m.duplicateSends.Add(1) }
func (m *Manager) AddFannedOut(n int)  { m.eventsFannedOut.Add(uint64(n)) }
func (m *Manager) IncrReadReceipt()    { m.readReceipts.Add(1) }
func (m *Manager) IncrDroppedSession() { m.droppedSessions.Add(1) }
func (m *Manager) IncrTypingExpired()  { m.typingExpired.Add(1) }

func (m *Manager) Snapshot() Stats {
	return Stats{
		SessionsOpen:      m.sessionsOpen.Load(),
		MessagesCommitted: m.messagesCommitted.Load(),
		DuplicateSends:    m.duplicateSends.Load(),
		EventsFannedOut:   m.eventsFannedOut.Load(),
		ReadReceipts:      m.readReceipts.Load(),
		DroppedSessions:   m.droppedSessions.Load(),
		TypingExpired:     m.typingExpired.Load(),
		CollectedAt:       time.Now().UTC(),
	}
}
