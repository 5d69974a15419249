// internal/catalog/reconciler.go
package catalog

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var (
	ErrAlreadySeeded   = errors.New("catalog already seeded")
	ErrUnknownListing  = errors.New("listing not in catalog")
	ErrStaleBid        = errors.New("bid does not exceed the current highest bid")
	ErrBelowMinimumBid = errors.New("bid is below the minimum bid")
)

// Outcome reports what Apply did with an event.
type Outcome string

const (
	OutcomeApplied  Outcome = "applied"
	OutcomeIgnored  Outcome = "ignored"
	OutcomeBuffered Outcome = "buffered"
	OutcomeDropped  Outcome = "dropped"
)

type entry struct {
	listing Listing
	// confirmed is the highest bid the server has acknowledged. It only grows.
	confirmed *int64
	// optimistic overlays confirmed until a confirmation or a rollback.
	optimistic *int64
}

func (e *entry) refreshHighestBid() {
	switch {
	case e.optimistic != nil && (e.confirmed == nil || *e.optimistic > *e.confirmed):
		e.listing.HighestBid = clonePtr(e.optimistic)
	default:
		e.listing.HighestBid = clonePtr(e.confirmed)
	}
}

// confirm records a server-acknowledged highest bid. It reports false for a
// bid below the listing's minimum, which is never stored.
func (e *entry) confirm(bid *int64) bool {
	if bid == nil {
		return true
	}
	if e.listing.MinimumBid != nil && *bid < *e.listing.MinimumBid {
		return false
	}
	if e.confirmed == nil || *bid > *e.confirmed {
		e.confirmed = clonePtr(bid)
	}
	if e.optimistic != nil && *e.confirmed >= *e.optimistic {
		e.optimistic = nil
	}
	return true
}

// floorBid is the highest bid that survives a rollback: the confirmed value,
// or the optimistic one when nothing is confirmed yet.
func (e *entry) floorBid() *int64 {
	if e.confirmed != nil {
		return e.confirmed
	}
	return e.optimistic
}

// Reconciler owns the canonical id→Listing mapping. Every mutation goes
// through queue, so seed, apply and listener notification never interleave.
// Readers take a consistent view under mu.
type Reconciler struct {
	queue sync.Mutex

	mu      sync.RWMutex
	entries map[string]*entry
	order   []string // newest first
	seeded  bool
	pending []Event
	// touched holds the ids live events changed while a resync is open.
	touched map[string]struct{}

	lmu          sync.Mutex
	listeners    map[int]func(Diff)
	nextListener int

	onReplay func(Event, Outcome)

	logger  *zap.Logger
	tracer  trace.Tracer
	applied metric.Int64Counter
	dropped metric.Int64Counter
}

// NewReconciler creates an empty, unseeded reconciler.
func NewReconciler(logger *zap.Logger) *Reconciler {
	meter := otel.Meter("marketsync/catalog")
	applied, _ := meter.Int64Counter("catalog.events.applied")
	dropped, _ := meter.Int64Counter("catalog.events.dropped")
	return &Reconciler{
		entries:   make(map[string]*entry),
		listeners: make(map[int]func(Diff)),
		logger:    logger.Named("reconciler"),
		tracer:    otel.Tracer("marketsync/catalog"),
		applied:   applied,
		dropped:   dropped,
	}
}

// Seed populates the mapping from the initial snapshot, then replays every
// event that arrived before it. It may be called once.
func (r *Reconciler) Seed(ctx context.Context, listings []Listing) error {
	ctx, span := r.tracer.Start(ctx, "catalog.seed",
		trace.WithAttributes(attribute.Int("listings.count", len(listings))),
	)
	defer span.End()

	r.queue.Lock()
	defer r.queue.Unlock()

	r.mu.Lock()
	if r.seeded {
		r.mu.Unlock()
		return ErrAlreadySeeded
	}
	var added []string
	for _, l := range listings {
		if l.ID == "" {
			continue
		}
		if _, exists := r.entries[l.ID]; exists {
			continue
		}
		e := r.newEntry(l.Clone())
		r.entries[l.ID] = e
		r.order = append(r.order, l.ID)
		added = append(added, l.ID)
	}
	r.seeded = true
	buffered := r.pending
	r.pending = nil
	onReplay := r.onReplay
	r.mu.Unlock()

	if len(added) > 0 {
		r.notify(Diff{Added: added})
	}

	span.SetAttributes(attribute.Int("replayed.count", len(buffered)))
	for _, ev := range buffered {
		r.mu.Lock()
		diff, outcome := r.applyLocked(ev)
		r.mu.Unlock()
		r.record(ctx, ev, outcome)
		if outcome == OutcomeApplied {
			r.notify(diff)
		}
		if onReplay != nil {
			onReplay(ev, outcome)
		}
	}

	r.logger.Info("catalog seeded",
		zap.Int("listings", len(added)),
		zap.Int("replayed", len(buffered)),
	)
	return nil
}

// Apply merges one push event into the mapping. Events that arrive before
// Seed are buffered and replayed by it.
func (r *Reconciler) Apply(ctx context.Context, ev Event) (Outcome, error) {
	ctx, span := r.tracer.Start(ctx, "catalog.apply",
		trace.WithAttributes(
			attribute.String("event.kind", string(ev.Kind)),
			attribute.String("listing.id", ev.ListingID()),
		),
	)
	defer span.End()

	if err := validate(ev); err != nil {
		r.record(ctx, ev, OutcomeDropped)
		span.RecordError(err)
		return OutcomeDropped, err
	}

	r.queue.Lock()
	defer r.queue.Unlock()

	r.mu.Lock()
	if !r.seeded {
		r.pending = append(r.pending, ev)
		r.mu.Unlock()
		return OutcomeBuffered, nil
	}
	if r.touched != nil {
		r.touched[ev.ListingID()] = struct{}{}
	}
	diff, outcome := r.applyLocked(ev)
	r.mu.Unlock()

	r.record(ctx, ev, outcome)
	span.SetAttributes(attribute.String("outcome", string(outcome)))
	if outcome == OutcomeApplied {
		r.notify(diff)
	}
	return outcome, nil
}

// OnReplay registers fn to learn the final outcome of every event Seed
// replays from the pre-seed buffer. It runs under the mutation lock and must
// not call back into the reconciler.
func (r *Reconciler) OnReplay(fn func(Event, Outcome)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onReplay = fn
}

// BeginResync opens a resync window before the bulk load is fetched. Ids
// that live events touch while it is open are left alone by Resync, so a
// reload never reverts an update or brings back a deleted listing.
func (r *Reconciler) BeginResync() {
	r.queue.Lock()
	defer r.queue.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.touched == nil {
		r.touched = make(map[string]struct{})
	}
}

// CancelResync closes the window without merging anything.
func (r *Reconciler) CancelResync() {
	r.queue.Lock()
	defer r.queue.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touched = nil
}

// Resync merges a fresh bulk load into an already running catalog and closes
// the resync window. Records are applied as full updates, except for ids a
// live event touched since BeginResync. Nothing is removed because a listing
// missing from a reload may only mean its source was unavailable. Before
// Seed there is nothing to merge into and the load is discarded.
func (r *Reconciler) Resync(ctx context.Context, listings []Listing) error {
	ctx, span := r.tracer.Start(ctx, "catalog.resync",
		trace.WithAttributes(attribute.Int("listings.count", len(listings))),
	)
	defer span.End()

	r.queue.Lock()
	defer r.queue.Unlock()

	r.mu.Lock()
	touched := r.touched
	r.touched = nil
	if !r.seeded {
		r.mu.Unlock()
		r.logger.Debug("resync before seed discarded", zap.Int("listings", len(listings)))
		return nil
	}
	var (
		merged  Diff
		skipped int
	)
	for _, l := range listings {
		if l.ID == "" {
			continue
		}
		if _, live := touched[l.ID]; live {
			skipped++
			continue
		}
		ev := Updated(FullPatch(l))
		diff, outcome := r.applyLocked(ev)
		r.record(ctx, ev, outcome)
		merged.Added = append(merged.Added, diff.Added...)
		merged.Changed = append(merged.Changed, diff.Changed...)
	}
	r.mu.Unlock()

	span.SetAttributes(attribute.Int("skipped.count", skipped))
	if skipped > 0 {
		r.logger.Debug("resync kept live changes", zap.Int("listings", skipped))
	}
	if !merged.Empty() {
		r.notify(merged)
	}
	return nil
}

func validate(ev Event) error {
	switch ev.Kind {
	case EventCreated, EventUpdated, EventDeleted:
	default:
		return fmt.Errorf("%w: unknown event kind %q", ErrMalformedEvent, ev.Kind)
	}
	if ev.ListingID() == "" {
		return fmt.Errorf("%w: %s without id", ErrMalformedEvent, ev.Kind)
	}
	return nil
}

func (r *Reconciler) applyLocked(ev Event) (Diff, Outcome) {
	switch ev.Kind {
	case EventCreated:
		l := ev.Listing
		if _, exists := r.entries[l.ID]; exists {
			return Diff{}, OutcomeIgnored
		}
		r.insertHead(r.newEntry(withPhotos(l.Clone())))
		return Diff{Added: []string{l.ID}}, OutcomeApplied

	case EventUpdated:
		p := ev.Patch
		e, exists := r.entries[p.ID]
		if !exists {
			// A missed Created heals itself from the partial fields.
			base := Listing{ID: p.ID, Status: StatusActive}
			r.insertHead(r.newEntry(withPhotos(p.ApplyTo(base))))
			return Diff{Added: []string{p.ID}}, OutcomeApplied
		}
		bid := p.HighestBid
		p.HighestBid = nil
		if cur := e.floorBid(); p.MinimumBid != nil && cur != nil && *p.MinimumBid > *cur {
			r.logger.Warn("ignoring minimum bid above the highest bid",
				zap.String("listing_id", p.ID),
				zap.Int64("minimum_bid", *p.MinimumBid),
				zap.Int64("highest_bid", *cur),
			)
			p.MinimumBid = nil
		}
		e.listing = p.ApplyTo(e.listing)
		if !e.confirm(bid) {
			r.warnBelowMinimum(p.ID, *bid, *e.listing.MinimumBid)
		}
		e.refreshHighestBid()
		return Diff{Changed: []string{p.ID}}, OutcomeApplied

	case EventDeleted:
		if _, exists := r.entries[ev.ID]; !exists {
			return Diff{}, OutcomeIgnored
		}
		delete(r.entries, ev.ID)
		for i, id := range r.order {
			if id == ev.ID {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
		return Diff{Removed: []string{ev.ID}}, OutcomeApplied
	}
	return Diff{}, OutcomeDropped
}

// newEntry takes l's highest bid as confirmed unless it breaks the minimum.
func (r *Reconciler) newEntry(l Listing) *entry {
	bid := l.HighestBid
	l.HighestBid = nil
	e := &entry{listing: l}
	if !e.confirm(bid) {
		r.warnBelowMinimum(l.ID, *bid, *l.MinimumBid)
	}
	e.refreshHighestBid()
	return e
}

func (r *Reconciler) warnBelowMinimum(id string, bid, minimum int64) {
	r.logger.Warn("ignoring highest bid below minimum bid",
		zap.String("listing_id", id),
		zap.Int64("highest_bid", bid),
		zap.Int64("minimum_bid", minimum),
	)
}

func (r *Reconciler) insertHead(e *entry) {
	r.entries[e.listing.ID] = e
	r.order = append([]string{e.listing.ID}, r.order...)
}

func withPhotos(l Listing) Listing {
	if len(l.Photos) == 0 {
		l.Photos = normalizePhotos(nil)
	}
	return l
}

func (r *Reconciler) record(ctx context.Context, ev Event, outcome Outcome) {
	attrs := metric.WithAttributes(
		attribute.String("kind", string(ev.Kind)),
		attribute.String("outcome", string(outcome)),
	)
	if outcome == OutcomeDropped {
		r.dropped.Add(ctx, 1, attrs)
		return
	}
	r.applied.Add(ctx, 1, attrs)
}

// ApplyOptimisticBid overlays an unconfirmed highest bid on a listing.
func (r *Reconciler) ApplyOptimisticBid(ctx context.Context, id string, amount int64) error {
	_, span := r.tracer.Start(ctx, "catalog.optimistic_bid",
		trace.WithAttributes(attribute.String("listing.id", id), attribute.Int64("bid.amount", amount)),
	)
	defer span.End()

	r.queue.Lock()
	defer r.queue.Unlock()

	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownListing
	}
	if e.listing.HighestBid != nil && amount <= *e.listing.HighestBid {
		r.mu.Unlock()
		return ErrStaleBid
	}
	if e.listing.MinimumBid != nil && amount < *e.listing.MinimumBid {
		r.mu.Unlock()
		return ErrBelowMinimumBid
	}
	e.optimistic = &amount
	e.refreshHighestBid()
	r.mu.Unlock()

	r.notify(Diff{Changed: []string{id}})
	return nil
}

// RollbackOptimisticBid removes the overlay for amount, restoring the last
// server-confirmed value. It reports false when the overlay is already gone,
// either confirmed or superseded by a later optimistic bid.
func (r *Reconciler) RollbackOptimisticBid(ctx context.Context, id string, amount int64) bool {
	_, span := r.tracer.Start(ctx, "catalog.rollback_bid",
		trace.WithAttributes(attribute.String("listing.id", id), attribute.Int64("bid.amount", amount)),
	)
	defer span.End()

	r.queue.Lock()
	defer r.queue.Unlock()

	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok || e.optimistic == nil || *e.optimistic != amount {
		r.mu.Unlock()
		return false
	}
	e.optimistic = nil
	e.refreshHighestBid()
	r.mu.Unlock()

	r.notify(Diff{Changed: []string{id}})
	return true
}

// ConfirmedHighestBid returns the highest bid the server has acknowledged.
func (r *Reconciler) ConfirmedHighestBid(id string) (int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok || e.confirmed == nil {
		return 0, false
	}
	return *e.confirmed, true
}

// Snapshot returns every listing, newest first.
func (r *Reconciler) Snapshot() []Listing {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Listing, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.entries[id].listing.Clone())
	}
	return out
}

// Lookup returns a copy of one listing.
func (r *Reconciler) Lookup(id string) (Listing, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return Listing{}, false
	}
	return e.listing.Clone(), true
}

func (r *Reconciler) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *Reconciler) Seeded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.seeded
}

// Subscribe registers fn for every diff produced from now on. Listeners run
// on the mutating goroutine in apply order and must not call Apply.
func (r *Reconciler) Subscribe(fn func(Diff)) (unsubscribe func()) {
	r.lmu.Lock()
	id := r.nextListener
	r.nextListener++
	r.listeners[id] = fn
	r.lmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.lmu.Lock()
			delete(r.listeners, id)
			r.lmu.Unlock()
		})
	}
}

func (r *Reconciler) notify(d Diff) {
	r.lmu.Lock()
	ids := make([]int, 0, len(r.listeners))
	for id := range r.listeners {
		ids = append(ids, id)
	}
	fns := make([]func(Diff), 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		fns = append(fns, r.listeners[id])
	}
	r.lmu.Unlock()

	for _, fn := range fns {
		r.safeCall(fn, d)
	}
}

func (r *Reconciler) safeCall(fn func(Diff), d Diff) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("diff listener panicked", zap.Any("panic", rec))
		}
	}()
	fn(d)
}
