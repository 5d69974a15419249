package catalog

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"
)

func ptr[T any](v T) *T { return &v }

func listing(id string) Listing {
	return Listing{ID: id, Title: "listing " + id, Status: StatusActive, Photos: []string{id + ".jpg"}}
}

type diffRecorder struct {
	mu    sync.Mutex
	diffs []Diff
}

func (d *diffRecorder) record(diff Diff) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.diffs = append(d.diffs, diff)
}

func (d *diffRecorder) all() []Diff {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Diff(nil), d.diffs...)
}

func seeded(t *testing.T, listings ...Listing) (*Reconciler, *diffRecorder) {
	t.Helper()
	r := NewReconciler(zap.NewNop())
	require.NoError(t, r.Seed(context.Background(), listings))
	rec := &diffRecorder{}
	r.Subscribe(rec.record)
	return r, rec
}

func ids(listings []Listing) []string {
	out := make([]string, len(listings))
	for i, l := range listings {
		out[i] = l.ID
	}
	return out
}

func TestReconciler_DuplicateUpdateEmitsTwoDiffs(t *testing.T) {
	l := listing("1")
	l.HighestBid = ptr(int64(100))
	r, rec := seeded(t, l)
	ctx := context.Background()

	upd := Updated(ListingPatch{ID: "1", HighestBid: ptr(int64(150))})
	for i := 0; i < 2; i++ {
		out, err := r.Apply(ctx, upd)
		require.NoError(t, err)
		assert.Equal(t, OutcomeApplied, out)
	}

	got, ok := r.Lookup("1")
	require.True(t, ok)
	require.NotNil(t, got.HighestBid)
	assert.Equal(t, int64(150), *got.HighestBid)
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, []Diff{{Changed: []string{"1"}}, {Changed: []string{"1"}}}, rec.all())
}

func TestReconciler_CreatedIsIdempotent(t *testing.T) {
	r, rec := seeded(t, listing("1"))
	ctx := context.Background()

	changed := listing("1")
	changed.Title = "different"
	out, err := r.Apply(ctx, Created(changed))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, out)

	got, _ := r.Lookup("1")
	assert.Equal(t, "listing 1", got.Title)
	assert.Empty(t, rec.all())
}

func TestReconciler_NewestCreatedFirst(t *testing.T) {
	r, _ := seeded(t, listing("a"), listing("b"))
	ctx := context.Background()

	_, err := r.Apply(ctx, Created(listing("c")))
	require.NoError(t, err)
	_, err = r.Apply(ctx, Updated(ListingPatch{ID: "b", Title: ptr("renamed")}))
	require.NoError(t, err)
	_, err = r.Apply(ctx, Created(listing("d")))
	require.NoError(t, err)
	_, err = r.Apply(ctx, Deleted("a"))
	require.NoError(t, err)

	assert.Equal(t, []string{"d", "c", "b"}, ids(r.Snapshot()))
}

func TestReconciler_UpdateForUnknownIDSynthesizes(t *testing.T) {
	r, rec := seeded(t, listing("a"))

	out, err := r.Apply(context.Background(), Updated(ListingPatch{ID: "z", Title: ptr("late"), Price: ptr(int64(10))}))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, out)

	got, ok := r.Lookup("z")
	require.True(t, ok)
	assert.Equal(t, "late", got.Title)
	assert.Equal(t, int64(10), got.Price)
	assert.Equal(t, StatusActive, got.Status)
	assert.Equal(t, []string{PlaceholderPhoto}, got.Photos)
	assert.Equal(t, []string{"z", "a"}, ids(r.Snapshot()))
	assert.Equal(t, []Diff{{Added: []string{"z"}}}, rec.all())
}

func TestReconciler_DeleteOfAbsentIsNoop(t *testing.T) {
	r, rec := seeded(t, listing("a"))

	out, err := r.Apply(context.Background(), Deleted("missing"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, out)
	assert.Empty(t, rec.all())
	assert.Equal(t, 1, r.Len())
}

func TestReconciler_MalformedEventDropped(t *testing.T) {
	r, rec := seeded(t, listing("a"))

	out, err := r.Apply(context.Background(), Updated(ListingPatch{}))
	assert.ErrorIs(t, err, ErrMalformedEvent)
	assert.Equal(t, OutcomeDropped, out)

	out, err = r.Apply(context.Background(), Event{Kind: "ListingSold", ID: "a"})
	assert.ErrorIs(t, err, ErrMalformedEvent)
	assert.Equal(t, OutcomeDropped, out)

	assert.Empty(t, rec.all())
	assert.Equal(t, 1, r.Len())
}

func TestReconciler_BuffersUntilSeeded(t *testing.T) {
	r := NewReconciler(zap.NewNop())
	ctx := context.Background()
	rec := &diffRecorder{}
	r.Subscribe(rec.record)

	out, err := r.Apply(ctx, Updated(ListingPatch{ID: "1", Title: ptr("from push")}))
	require.NoError(t, err)
	assert.Equal(t, OutcomeBuffered, out)
	out, err = r.Apply(ctx, Created(listing("2")))
	require.NoError(t, err)
	assert.Equal(t, OutcomeBuffered, out)
	assert.Equal(t, 0, r.Len())
	assert.False(t, r.Seeded())

	require.NoError(t, r.Seed(ctx, []Listing{listing("1"), listing("3")}))

	got, _ := r.Lookup("1")
	assert.Equal(t, "from push", got.Title)
	assert.Equal(t, []string{"2", "1", "3"}, ids(r.Snapshot()))
	assert.Equal(t, []Diff{
		{Added: []string{"1", "3"}},
		{Changed: []string{"1"}},
		{Added: []string{"2"}},
	}, rec.all())

	assert.ErrorIs(t, r.Seed(ctx, nil), ErrAlreadySeeded)
}

func TestReconciler_SeedKeepsFirstDuplicate(t *testing.T) {
	first := listing("1")
	second := listing("1")
	second.Title = "second"
	r, _ := seeded(t, first, second)

	got, _ := r.Lookup("1")
	assert.Equal(t, "listing 1", got.Title)
	assert.Equal(t, 1, r.Len())
}

func TestReconciler_ConfirmedHighestBidIsMonotonic(t *testing.T) {
	l := listing("1")
	l.HighestBid = ptr(int64(200))
	r, _ := seeded(t, l)

	_, err := r.Apply(context.Background(), Updated(ListingPatch{ID: "1", HighestBid: ptr(int64(150)), Title: ptr("late event")}))
	require.NoError(t, err)

	got, _ := r.Lookup("1")
	assert.Equal(t, int64(200), *got.HighestBid)
	assert.Equal(t, "late event", got.Title)
}

func TestReconciler_OptimisticBid(t *testing.T) {
	l := listing("1")
	l.HighestBid = ptr(int64(100))
	r, rec := seeded(t, l)
	ctx := context.Background()

	require.NoError(t, r.ApplyOptimisticBid(ctx, "1", 120))
	got, _ := r.Lookup("1")
	assert.Equal(t, int64(120), *got.HighestBid)
	confirmed, ok := r.ConfirmedHighestBid("1")
	require.True(t, ok)
	assert.Equal(t, int64(100), confirmed)

	assert.ErrorIs(t, r.ApplyOptimisticBid(ctx, "1", 120), ErrStaleBid)
	assert.ErrorIs(t, r.ApplyOptimisticBid(ctx, "nope", 500), ErrUnknownListing)

	assert.False(t, r.RollbackOptimisticBid(ctx, "1", 999))
	assert.True(t, r.RollbackOptimisticBid(ctx, "1", 120))
	got, _ = r.Lookup("1")
	assert.Equal(t, int64(100), *got.HighestBid)
	assert.Len(t, rec.all(), 2)
}

func TestReconciler_ConfirmationClearsOverlay(t *testing.T) {
	r, _ := seeded(t, listing("1"))
	ctx := context.Background()

	require.NoError(t, r.ApplyOptimisticBid(ctx, "1", 300))
	_, err := r.Apply(ctx, Updated(ListingPatch{ID: "1", HighestBid: ptr(int64(300))}))
	require.NoError(t, err)

	assert.False(t, r.RollbackOptimisticBid(ctx, "1", 300))
	got, _ := r.Lookup("1")
	assert.Equal(t, int64(300), *got.HighestBid)
}

func TestReconciler_LowerConfirmationKeepsOverlay(t *testing.T) {
	r, _ := seeded(t, listing("1"))
	ctx := context.Background()

	require.NoError(t, r.ApplyOptimisticBid(ctx, "1", 300))
	_, err := r.Apply(ctx, Updated(ListingPatch{ID: "1", HighestBid: ptr(int64(250))}))
	require.NoError(t, err)

	got, _ := r.Lookup("1")
	assert.Equal(t, int64(300), *got.HighestBid)

	require.True(t, r.RollbackOptimisticBid(ctx, "1", 300))
	got, _ = r.Lookup("1")
	assert.Equal(t, int64(250), *got.HighestBid)
}

func TestReconciler_ResyncNeverRemoves(t *testing.T) {
	r, _ := seeded(t, listing("a"), listing("b"))

	fresh := listing("a")
	fresh.Title = "fresh"
	require.NoError(t, r.Resync(context.Background(), []Listing{fresh, listing("c")}))

	got, _ := r.Lookup("a")
	assert.Equal(t, "fresh", got.Title)
	assert.Equal(t, 3, r.Len())
	_, ok := r.Lookup("b")
	assert.True(t, ok)
}

func TestReconciler_ResyncKeepsLiveChanges(t *testing.T) {
	r, rec := seeded(t, listing("a"), listing("b"))
	ctx := context.Background()

	r.BeginResync()
	// Live events land while the bulk load is in flight.
	_, err := r.Apply(ctx, Deleted("b"))
	require.NoError(t, err)
	_, err = r.Apply(ctx, Updated(ListingPatch{ID: "a", Title: ptr("live")}))
	require.NoError(t, err)

	stale := listing("a")
	stale.Title = "stale"
	require.NoError(t, r.Resync(ctx, []Listing{stale, listing("b"), listing("c")}))

	got, _ := r.Lookup("a")
	assert.Equal(t, "live", got.Title)
	_, ok := r.Lookup("b")
	assert.False(t, ok, "deleted listing came back")
	_, ok = r.Lookup("c")
	assert.True(t, ok)
	assert.Equal(t, Diff{Added: []string{"c"}}, rec.all()[len(rec.all())-1])

	// The window is closed: the next resync merges everything.
	require.NoError(t, r.Resync(ctx, []Listing{stale}))
	got, _ = r.Lookup("a")
	assert.Equal(t, "stale", got.Title)
}

func TestReconciler_CancelResyncClosesWindow(t *testing.T) {
	r, _ := seeded(t, listing("a"))
	ctx := context.Background()

	r.BeginResync()
	_, err := r.Apply(ctx, Updated(ListingPatch{ID: "a", Title: ptr("live")}))
	require.NoError(t, err)
	r.CancelResync()

	fresh := listing("a")
	fresh.Title = "fresh"
	require.NoError(t, r.Resync(ctx, []Listing{fresh}))
	got, _ := r.Lookup("a")
	assert.Equal(t, "fresh", got.Title)
}

func TestReconciler_ResyncBeforeSeedIsDiscarded(t *testing.T) {
	r := NewReconciler(zap.NewNop())
	ctx := context.Background()

	require.NoError(t, r.Resync(ctx, []Listing{listing("a")}))
	assert.Equal(t, 0, r.Len())
	assert.False(t, r.Seeded())

	require.NoError(t, r.Seed(ctx, []Listing{listing("b")}))
	assert.Equal(t, []string{"b"}, ids(r.Snapshot()))
}

func TestReconciler_OnReplayReportsFinalOutcome(t *testing.T) {
	r := NewReconciler(zap.NewNop())
	ctx := context.Background()

	type replay struct {
		id      string
		outcome Outcome
	}
	var got []replay
	r.OnReplay(func(ev Event, o Outcome) { got = append(got, replay{ev.ListingID(), o}) })

	_, err := r.Apply(ctx, Created(listing("1")))
	require.NoError(t, err)
	_, err = r.Apply(ctx, Deleted("9"))
	require.NoError(t, err)
	require.NoError(t, r.Seed(ctx, []Listing{listing("2")}))

	assert.Equal(t, []replay{{"1", OutcomeApplied}, {"9", OutcomeIgnored}}, got)
}

func TestReconciler_HighestBidBelowMinimumIsIgnored(t *testing.T) {
	l := listing("1")
	l.MinimumBid = ptr(int64(600))
	low := listing("2")
	low.MinimumBid = ptr(int64(600))
	low.HighestBid = ptr(int64(50))
	r, _ := seeded(t, l, low)
	ctx := context.Background()

	got, _ := r.Lookup("2")
	assert.Nil(t, got.HighestBid, "seeded bid below minimum")

	out, err := r.Apply(ctx, Updated(ListingPatch{ID: "1", HighestBid: ptr(int64(50)), Title: ptr("kept")}))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, out)
	got, _ = r.Lookup("1")
	assert.Nil(t, got.HighestBid)
	assert.Equal(t, "kept", got.Title)
	_, ok := r.ConfirmedHighestBid("1")
	assert.False(t, ok)

	created := listing("3")
	created.MinimumBid = ptr(int64(100))
	created.HighestBid = ptr(int64(99))
	_, err = r.Apply(ctx, Created(created))
	require.NoError(t, err)
	got, _ = r.Lookup("3")
	assert.Nil(t, got.HighestBid)

	assert.ErrorIs(t, r.ApplyOptimisticBid(ctx, "1", 599), ErrBelowMinimumBid)
}

func TestReconciler_MinimumAboveHighestBidIsIgnored(t *testing.T) {
	l := listing("1")
	l.MinimumBid = ptr(int64(600))
	l.HighestBid = ptr(int64(700))
	r, _ := seeded(t, l)

	_, err := r.Apply(context.Background(), Updated(ListingPatch{ID: "1", MinimumBid: ptr(int64(800))}))
	require.NoError(t, err)

	got, _ := r.Lookup("1")
	assert.Equal(t, int64(600), *got.MinimumBid)
	assert.Equal(t, int64(700), *got.HighestBid)
}

func TestReconciler_SnapshotIsACopy(t *testing.T) {
	r, _ := seeded(t, listing("a"))

	snap := r.Snapshot()
	snap[0].Photos[0] = "mutated"
	snap[0].Title = "mutated"

	got, _ := r.Lookup("a")
	assert.Equal(t, "listing a", got.Title)
	assert.Equal(t, []string{"a.jpg"}, got.Photos)
}

func TestReconciler_ListenerPanicDoesNotBreakApply(t *testing.T) {
	r, rec := seeded(t, listing("a"))
	r.Subscribe(func(Diff) { panic("boom") })

	_, err := r.Apply(context.Background(), Deleted("a"))
	require.NoError(t, err)
	assert.Len(t, rec.all(), 1)
}

func TestReconciler_Unsubscribe(t *testing.T) {
	r, _ := seeded(t, listing("a"))
	rec := &diffRecorder{}
	cancel := r.Subscribe(rec.record)
	cancel()
	cancel()

	_, err := r.Apply(context.Background(), Deleted("a"))
	require.NoError(t, err)
	assert.Empty(t, rec.all())
}

func TestReconciler_ConcurrentApply(t *testing.T) {
	r, rec := seeded(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("%d", i%10)
			_, _ = r.Apply(ctx, Created(listing(id)))
			_, _ = r.Apply(ctx, Updated(ListingPatch{ID: id, Price: ptr(int64(i))}))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 10, r.Len())
	added := 0
	for _, d := range rec.all() {
		added += len(d.Added)
	}
	assert.Equal(t, 10, added)
}

func genListing(id string) *rapid.Generator[Listing] {
	return rapid.Custom(func(t *rapid.T) Listing {
		l := Listing{
			ID:     id,
			Title:  rapid.StringMatching(`[a-z]{1,8}`).Draw(t, "title"),
			Price:  rapid.Int64Range(0, 10_000_000).Draw(t, "price"),
			Status: StatusActive,
			Photos: []string{rapid.StringMatching(`[a-z]{1,5}\.jpg`).Draw(t, "photo")},
		}
		if rapid.Bool().Draw(t, "hasBid") {
			l.HighestBid = ptr(rapid.Int64Range(1, 1000).Draw(t, "highestBid"))
		}
		return l
	})
}

func genPatch(id string) *rapid.Generator[ListingPatch] {
	return rapid.Custom(func(t *rapid.T) ListingPatch {
		p := ListingPatch{ID: id}
		if rapid.Bool().Draw(t, "hasTitle") {
			p.Title = ptr(rapid.StringMatching(`[a-z]{1,8}`).Draw(t, "title"))
		}
		if rapid.Bool().Draw(t, "hasPrice") {
			p.Price = ptr(rapid.Int64Range(0, 10_000_000).Draw(t, "price"))
		}
		if rapid.Bool().Draw(t, "hasBid") {
			p.HighestBid = ptr(rapid.Int64Range(1, 1000).Draw(t, "highestBid"))
		}
		if rapid.Bool().Draw(t, "hasPhotos") {
			p.Photos = rapid.SliceOfN(rapid.StringMatching(`[a-z]{1,5}\.jpg`), 0, 3).Draw(t, "photos")
		}
		return p
	})
}

func TestReconcilerProperty_DuplicateCreatedIsIdempotent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ctx := context.Background()
		n := rapid.IntRange(1, 8).Draw(t, "n")
		var once, dup []Event
		for i := 0; i < n; i++ {
			id := rapid.SampledFrom([]string{"1", "2", "3", "4"}).Draw(t, "id")
			ev := Created(genListing(id).Draw(t, "listing"))
			once = append(once, ev)
			copies := rapid.IntRange(1, 3).Draw(t, "copies")
			for c := 0; c < copies; c++ {
				dup = append(dup, ev)
			}
		}

		a := NewReconciler(zap.NewNop())
		b := NewReconciler(zap.NewNop())
		if err := a.Seed(ctx, nil); err != nil {
			t.Fatal(err)
		}
		if err := b.Seed(ctx, nil); err != nil {
			t.Fatal(err)
		}
		for _, ev := range once {
			_, _ = a.Apply(ctx, ev)
		}
		for _, ev := range dup {
			_, _ = b.Apply(ctx, ev)
		}
		if !assert.ObjectsAreEqual(a.Snapshot(), b.Snapshot()) {
			t.Fatalf("snapshots differ:\n%v\n%v", a.Snapshot(), b.Snapshot())
		}
	})
}

func TestReconcilerProperty_UpdateBeforeCreatedSelfHeals(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ctx := context.Background()
		patch := genPatch("x").Draw(t, "patch")
		late := genListing("x").Draw(t, "late")

		healed := NewReconciler(zap.NewNop())
		_ = healed.Seed(ctx, nil)
		_, _ = healed.Apply(ctx, Updated(patch))
		_, _ = healed.Apply(ctx, Created(late))

		synth := NewReconciler(zap.NewNop())
		_ = synth.Seed(ctx, nil)
		_, _ = synth.Apply(ctx, Created(Listing{ID: "x", Status: StatusActive, Photos: []string{PlaceholderPhoto}}))
		_, _ = synth.Apply(ctx, Updated(patch))

		got, _ := healed.Lookup("x")
		want, _ := synth.Lookup("x")
		if !assert.ObjectsAreEqual(want, got) {
			t.Fatalf("self-healed record differs:\nwant %+v\ngot  %+v", want, got)
		}
	})
}

func TestReconcilerProperty_HighestBidNeverDecreases(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ctx := context.Background()
		r := NewReconciler(zap.NewNop())
		_ = r.Seed(ctx, []Listing{listing("1")})

		var last int64
		steps := rapid.IntRange(1, 20).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			bid := rapid.Int64Range(1, 1000).Draw(t, "bid")
			_, _ = r.Apply(ctx, Updated(ListingPatch{ID: "1", HighestBid: &bid}))
			got, _ := r.Lookup("1")
			if got.HighestBid == nil || *got.HighestBid < last {
				t.Fatalf("highestBid went from %d to %v", last, got.HighestBid)
			}
			last = *got.HighestBid
		}
	})
}

func TestReconcilerProperty_HighestBidRespectsMinimum(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ctx := context.Background()
		l := listing("1")
		l.MinimumBid = ptr(rapid.Int64Range(0, 1000).Draw(t, "minimum"))
		if rapid.Bool().Draw(t, "seedBid") {
			l.HighestBid = ptr(rapid.Int64Range(0, 1000).Draw(t, "seededBid"))
		}
		r := NewReconciler(zap.NewNop())
		_ = r.Seed(ctx, []Listing{l})

		steps := rapid.IntRange(1, 20).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			p := ListingPatch{ID: "1"}
			if rapid.Bool().Draw(t, "raiseMinimum") {
				p.MinimumBid = ptr(rapid.Int64Range(0, 1500).Draw(t, "newMinimum"))
			}
			if rapid.Bool().Draw(t, "bid") {
				p.HighestBid = ptr(rapid.Int64Range(0, 1500).Draw(t, "highest"))
			}
			_, _ = r.Apply(ctx, Updated(p))
			got, _ := r.Lookup("1")
			if got.HighestBid != nil && got.MinimumBid != nil && *got.HighestBid < *got.MinimumBid {
				t.Fatalf("highestBid %d below minimumBid %d", *got.HighestBid, *got.MinimumBid)
			}
		}
	})
}
