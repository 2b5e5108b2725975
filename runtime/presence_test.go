package runtime

import (
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"parley/contract"
	"parley/domain"
	"parley/domain/event"
)

// staticLister hands the tracker a fixed broadcast audience.
type staticLister struct {
	sinks []contract.EventSink
}

func (l staticLister) SinksExcept(domain.IdentityID) []contract.EventSink {
	return l.sinks
}

func presenceEvents(sink *recordSink) []event.PresenceChanged {
	var out []event.PresenceChanged
	for _, e := range sink.Events() {
		if pc, ok := e.(event.PresenceChanged); ok {
			out = append(out, pc)
		}
	}
	return out
}

func Test_Presence_First_Session_Emits_Online_Once(t *testing.T) {
	req := require.New(t)
	clock := newFakeClock(time.Now().UTC())
	tracker := NewPresenceTracker(clock, slog.Default())
	audience := &recordSink{}
	tracker.Bind(staticLister{sinks: []contract.EventSink{audience}})
	alice := domain.Identity{ID: "alice", DisplayName: "Alice"}

	// When the first device connects
	tracker.SessionCountChanged(alice, 1, clock.Now())

	// Then exactly one online event reaches the audience
	events := presenceEvents(audience)
	req.Len(events, 1)
	req.Equal(domain.PresenceOnline, events[0].Status)
	req.Nil(events[0].LastSeen)

	// And a second device connecting re-emits nothing
	tracker.SessionCountChanged(alice, 2, clock.Now())
	req.Len(presenceEvents(audience), 1)
}

func Test_Presence_Last_Session_Emits_Offline_With_LastSeen(t *testing.T) {
	req := require.New(t)
	start := time.Now().UTC()
	clock := newFakeClock(start)
	tracker := NewPresenceTracker(clock, slog.Default())
	audience := &recordSink{}
	tracker.Bind(staticLister{sinks: []contract.EventSink{audience}})
	alice := domain.Identity{ID: "alice", DisplayName: "Alice"}

	// Given two devices online
	tracker.SessionCountChanged(alice, 1, clock.Now())
	tracker.SessionCountChanged(alice, 2, clock.Now())

	// When one device drops, nothing is emitted
	clock.Advance(time.Minute)
	tracker.SessionCountChanged(alice, 1, clock.Now())
	req.Len(presenceEvents(audience), 1)

	// When the last device drops, exactly one offline event carries lastSeen
	clock.Advance(time.Minute)
	offlineAt := clock.Now()
	tracker.SessionCountChanged(alice, 0, offlineAt)

	events := presenceEvents(audience)
	req.Len(events, 2)
	req.Equal(domain.PresenceOffline, events[1].Status)
	req.NotNil(events[1].LastSeen)
	req.Equal(offlineAt, *events[1].LastSeen)

	record := tracker.Status("alice")
	req.Equal(domain.PresenceOffline, record.Status)
	req.Equal(offlineAt, record.LastSeen)
}

func Test_Presence_Unknown_Identity_Reads_Offline(t *testing.T) {
	req := require.New(t)
	tracker := NewPresenceTracker(SystemClock(), slog.Default())

	record := tracker.Status("ghost")
	req.Equal(domain.PresenceOffline, record.Status)
	req.True(record.LastSeen.IsZero())
}

func Test_Presence_Survives_Concurrent_Reconnect(t *testing.T) {
	req := require.New(t)
	clock := SystemClock()
	tracker := NewPresenceTracker(clock, slog.Default())
	registry := NewSessionRegistry(tracker, clock)
	tracker.Bind(registry)
	alice := domain.Identity{ID: "alice", DisplayName: "Alice"}

	for i := 0; i < 500; i++ {
		// Given alice online through a single session
		old, err := registry.Register("alice-old", alice, &recordSink{})
		req.NoError(err)

		// When the drop of the old connection races the reconnect
		var wg sync.WaitGroup
		wg.Add(2)
		var fresh domain.Session
		go func() {
			defer wg.Done()
			registry.Deregister(old.ID)
		}()
		go func() {
			defer wg.Done()
			s, err := registry.Register("alice-new", alice, &recordSink{})
			req.NoError(err)
			fresh = s
		}()
		wg.Wait()

		// Then with one session live the tracker must read online
		req.Len(registry.SessionsFor("alice"), 1)
		req.Equal(domain.PresenceOnline, tracker.Status("alice").Status)

		registry.Deregister(fresh.ID)
		req.Equal(domain.PresenceOffline, tracker.Status("alice").Status)
	}
}

func Test_Presence_Through_Registry_Excludes_Own_Sessions(t *testing.T) {
	req := require.New(t)
	clock := newFakeClock(time.Now().UTC())
	tracker := NewPresenceTracker(clock, slog.Default())
	registry := NewSessionRegistry(tracker, clock)
	tracker.Bind(registry)

	bobSink := &recordSink{}
	_, err := registry.Register("bob-conn", domain.Identity{ID: "bob"}, bobSink)
	req.NoError(err)

	// When alice comes online, bob hears it but alice's own sink does not
	aliceSink := &recordSink{}
	session, err := registry.Register("alice-conn", domain.Identity{ID: "alice", DisplayName: "Alice"}, aliceSink)
	req.NoError(err)

	req.Len(presenceEvents(bobSink), 1)
	req.Empty(presenceEvents(aliceSink))

	// And when alice disconnects, bob hears the offline transition
	registry.Deregister(session.ID)
	events := presenceEvents(bobSink)
	req.Len(events, 2)
	req.Equal(domain.PresenceOffline, events[1].Status)
}
