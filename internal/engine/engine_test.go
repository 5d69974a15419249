package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"marketsync/internal/catalog"
	"marketsync/internal/feed"
	"marketsync/internal/journal"
	"marketsync/internal/push"
)

const waitFor = 2 * time.Second

func record(id string, extra map[string]any) map[string]any {
	r := map[string]any{"Id": id, "Title": "Car " + id, "Price": 1000, "status": "Active"}
	for k, v := range extra {
		r[k] = v
	}
	return r
}

type harness struct {
	hub     *push.MemoryHub
	local   *feed.StaticSource
	journal *journal.MemoryJournal
	engine  *Engine
}

func newHarness(t *testing.T, sources ...feed.Source) *harness {
	t.Helper()
	local, err := feed.NewStaticSource("local", record("1", nil), record("2", nil))
	require.NoError(t, err)
	if len(sources) == 0 {
		sources = []feed.Source{local}
	}
	hub := push.NewMemoryHub(HubRelay)
	j := journal.NewMemoryJournal(100)
	e := New(zap.NewNop(), feed.NewAggregator(zap.NewNop(), sources), hub, j,
		WithSchedule(push.ZeroSchedule),
		WithResyncOnReconnect(true),
	)
	t.Cleanup(func() { e.Close() })
	return &harness{hub: hub, local: local, journal: j, engine: e}
}

func (h *harness) has(id string) func() bool {
	return func() bool {
		_, ok := h.engine.Catalog().Lookup(id)
		return ok
	}
}

func TestStart_SeedsFromFeedAndAppliesLiveEvents(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.Start(context.Background()))

	st := h.engine.Status()
	assert.True(t, st.Seeded)
	assert.Equal(t, 2, st.Listings)
	assert.Equal(t, push.StateConnected, st.Push)
	assert.False(t, st.Degraded)

	require.NoError(t, h.hub.Broadcast("ListingUpdated", map[string]any{"id": "1", "highestBid": 1500}))
	assert.Eventually(t, func() bool {
		l, _ := h.engine.Catalog().Lookup("1")
		return l.HighestBid != nil && *l.HighestBid == 1500
	}, waitFor, time.Millisecond)

	entries, err := h.journal.ForListing(context.Background(), "1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "ListingUpdated", entries[0].Kind)
	assert.Equal(t, string(catalog.OutcomeApplied), entries[0].Outcome)
	assert.Equal(t, h.engine.Session(), entries[0].SessionID)
}

func TestStart_EventDuringLoadIsNotLost(t *testing.T) {
	var h *harness
	slow := feed.SourceFunc{SourceName: "local", Fn: func(ctx context.Context) ([]json.RawMessage, error) {
		// The hub already delivers to the subscribed channel while the feed loads.
		assert.NoError(t, h.hub.Broadcast("ListingCreated", record("9", nil)))
		assert.NoError(t, h.hub.Broadcast("ListingUpdated", map[string]any{"id": "1", "price": 42}))
		time.Sleep(20 * time.Millisecond)
		raw, _ := json.Marshal(record("1", nil))
		return []json.RawMessage{raw}, nil
	}}
	h = newHarness(t, slow)

	require.NoError(t, h.engine.Start(context.Background()))

	assert.Eventually(t, h.has("9"), waitFor, time.Millisecond)
	assert.Eventually(t, func() bool {
		l, _ := h.engine.Catalog().Lookup("1")
		return l.Price == 42
	}, waitFor, time.Millisecond)
}

func TestStart_BufferedEventOutcomeIsJournaled(t *testing.T) {
	var h *harness
	slow := feed.SourceFunc{SourceName: "local", Fn: func(ctx context.Context) ([]json.RawMessage, error) {
		assert.NoError(t, h.hub.Broadcast("ListingCreated", record("9", nil)))
		assert.Eventually(t, func() bool { return h.journal.Len() == 1 }, waitFor, time.Millisecond, "event not buffered")
		raw, _ := json.Marshal(record("1", nil))
		return []json.RawMessage{raw}, nil
	}}
	h = newHarness(t, slow)

	require.NoError(t, h.engine.Start(context.Background()))

	var entries []journal.Entry
	require.Eventually(t, func() bool {
		entries, _ = h.journal.ForListing(context.Background(), "9", 10)
		return len(entries) == 2
	}, waitFor, time.Millisecond)
	outcomes := []string{entries[0].Outcome, entries[1].Outcome}
	assert.ElementsMatch(t, []string{string(catalog.OutcomeBuffered), string(catalog.OutcomeApplied)}, outcomes)
	for _, e := range entries {
		if e.Outcome == string(catalog.OutcomeApplied) {
			assert.Equal(t, true, e.Metadata["replayed"])
			assert.Equal(t, "ListingCreated", e.Kind)
		}
	}
}

func TestReload_EventDuringLoadIsNotLost(t *testing.T) {
	var (
		h     *harness
		calls atomic.Int32
	)
	src := feed.SourceFunc{SourceName: "local", Fn: func(ctx context.Context) ([]json.RawMessage, error) {
		if calls.Add(1) == 2 {
			// The reload is in flight when these land.
			assert.NoError(t, h.hub.Broadcast("ListingDeleted", "2"))
			assert.NoError(t, h.hub.Broadcast("ListingUpdated", map[string]any{"id": "1", "price": 42}))
			assert.Eventually(t, func() bool {
				l, _ := h.engine.Catalog().Lookup("1")
				_, present := h.engine.Catalog().Lookup("2")
				return l.Price == 42 && !present
			}, waitFor, time.Millisecond, "live events not applied")
		}
		var out []json.RawMessage
		for _, id := range []string{"1", "2"} {
			raw, _ := json.Marshal(record(id, nil))
			out = append(out, raw)
		}
		return out, nil
	}}
	h = newHarness(t, src)
	require.NoError(t, h.engine.Start(context.Background()))

	require.NoError(t, h.engine.Reload(context.Background()))

	l, ok := h.engine.Catalog().Lookup("1")
	require.True(t, ok)
	assert.Equal(t, int64(42), l.Price)
	_, ok = h.engine.Catalog().Lookup("2")
	assert.False(t, ok, "deleted listing came back after reload")
}

func TestStart_AllSourcesDownStillSeeds(t *testing.T) {
	down := feed.SourceFunc{SourceName: "local", Fn: func(context.Context) ([]json.RawMessage, error) {
		return nil, errors.New("connection refused")
	}}
	h := newHarness(t, down)

	err := h.engine.Start(context.Background())
	assert.ErrorIs(t, err, feed.ErrAllSourcesUnavailable)
	st := h.engine.Status()
	assert.True(t, st.Seeded)
	assert.True(t, st.Degraded)
	require.Len(t, st.SourceErrors, 1)

	require.NoError(t, h.hub.Broadcast("ListingCreated", record("5", nil)))
	assert.Eventually(t, h.has("5"), waitFor, time.Millisecond)
}

func TestStart_HubDownIsNotFatal(t *testing.T) {
	h := newHarness(t)
	h.hub.Refuse(true)

	require.NoError(t, h.engine.Start(context.Background()))
	assert.Equal(t, 2, h.engine.Catalog().Len())
	assert.NotEqual(t, push.StateConnected, h.engine.Status().Push)

	h.hub.Refuse(false)
	assert.Eventually(t, func() bool { return h.engine.Status().Push == push.StateConnected }, waitFor, time.Millisecond)
}

func TestAnnounce_RoundTripsThroughHub(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.Start(context.Background()))

	l := catalog.Listing{ID: "7", Title: "Tractor", Price: 5_000_000, Status: catalog.StatusActive}
	require.NoError(t, h.engine.AnnounceCreated(context.Background(), l))
	assert.Eventually(t, h.has("7"), waitFor, time.Millisecond)

	l.Price = 4_500_000
	require.NoError(t, h.engine.AnnounceUpdated(context.Background(), l))
	assert.Eventually(t, func() bool {
		got, _ := h.engine.Catalog().Lookup("7")
		return got.Price == 4_500_000
	}, waitFor, time.Millisecond)

	published := h.hub.Published()
	require.Len(t, published, 2)
	assert.Equal(t, catalog.BroadcastCreated, published[0].Target)
}

func TestRemoveLocal(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.Start(context.Background()))

	require.NoError(t, h.engine.RemoveLocal(context.Background(), "2"))
	_, ok := h.engine.Catalog().Lookup("2")
	assert.False(t, ok)

	published := h.hub.Published()
	require.Len(t, published, 1)
	assert.Equal(t, catalog.BroadcastDeleted, published[0].Target)
	assert.JSONEq(t, `"2"`, string(published[0].Payload))
}

func TestRemoveLocal_BroadcastFailureKeepsLocalRemoval(t *testing.T) {
	h := newHarness(t)
	h.hub.Refuse(true)
	require.NoError(t, h.engine.Start(context.Background()))

	err := h.engine.RemoveLocal(context.Background(), "1")
	assert.ErrorIs(t, err, push.ErrNotConnected)
	_, ok := h.engine.Catalog().Lookup("1")
	assert.False(t, ok)
}

func TestMalformedEventIsJournaledAsDropped(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.Start(context.Background()))

	require.NoError(t, h.hub.Broadcast("ListingCreated", map[string]any{"title": "no id"}))
	assert.Eventually(t, func() bool { return h.journal.Len() == 1 }, waitFor, time.Millisecond)

	entries, err := h.journal.Stream(context.Background(), 0, 10)
	require.NoError(t, err)
	assert.Equal(t, string(catalog.OutcomeDropped), entries[0].Outcome)
	assert.NotEmpty(t, entries[0].Error)
	assert.Equal(t, 2, h.engine.Catalog().Len())
}

func TestReconnectTriggersResync(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.Start(context.Background()))

	// A listing created while the channel is down is only visible in the feed.
	require.NoError(t, h.local.Set(record("1", nil), record("2", nil), record("3", nil)))
	h.hub.DropAll()

	assert.Eventually(t, h.has("3"), waitFor, time.Millisecond)
	assert.Eventually(t, func() bool { return h.engine.Status().Reconnects >= 1 }, waitFor, time.Millisecond)
}

func TestClose_IsIdempotentAndStopsDelivery(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.Start(context.Background()))

	require.NoError(t, h.engine.Close())
	require.NoError(t, h.engine.Close())
	assert.Equal(t, push.StateClosed, h.engine.Status().Push)
	assert.Equal(t, 0, h.hub.Connections())
}
