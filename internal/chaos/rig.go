// internal/chaos/rig.go
package chaos

import (
	"context"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"marketsync/internal/catalog"
	"marketsync/internal/engine"
	"marketsync/internal/feed"
	"marketsync/internal/journal"
	"marketsync/internal/push"
)

// RigConfig sizes a Rig.
type RigConfig struct {
	Listings int
	Seed     uint64
	Schedule push.Schedule
	Logger   *zap.Logger
}

func (c RigConfig) withDefaults() RigConfig {
	if c.Listings <= 0 {
		c.Listings = 20
	}
	if len(c.Schedule) == 0 {
		c.Schedule = push.Schedule{0, 10 * time.Millisecond}
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Mix weighs the kinds of mutation Mutate generates.
type Mix struct {
	Create, Update, Bid, Delete int
}

// Rig runs a real engine against an in-memory hub and two bulk sources
// while keeping the ground truth the catalog should converge to.
type Rig struct {
	Hub       *push.MemoryHub
	Transport *FaultyTransport
	Local     *FlakySource
	External  *FlakySource
	Engine    *engine.Engine

	local, external *feed.StaticSource

	mu      sync.Mutex
	rng     *rand.Rand
	truth   map[string]catalog.Listing
	home    map[string]string
	order   []string
	deleted map[string]bool
	nextID  int
	events  int
}

func NewRig(cfg RigConfig) (*Rig, error) {
	cfg = cfg.withDefaults()

	local, err := feed.NewStaticSource("local")
	if err != nil {
		return nil, err
	}
	external, err := feed.NewStaticSource("external")
	if err != nil {
		return nil, err
	}
	hub := push.NewMemoryHub(engine.HubRelay)

	r := &Rig{
		Hub:       hub,
		Transport: NewFaultyTransport(hub, cfg.Seed),
		Local:     NewFlakySource(local, cfg.Seed+2),
		External:  NewFlakySource(external, cfg.Seed+3),
		local:     local,
		external:  external,
		rng:       rand.New(rand.NewPCG(cfg.Seed, cfg.Seed+4)),
		truth:     make(map[string]catalog.Listing),
		home:      make(map[string]string),
		deleted:   make(map[string]bool),
	}
	for i := 0; i < cfg.Listings; i++ {
		r.create()
	}
	if err := r.syncSources(); err != nil {
		return nil, err
	}

	aggregator := feed.NewAggregator(cfg.Logger, []feed.Source{r.Local, r.External}, feed.WithTimeout(time.Second))
	r.Engine = engine.New(cfg.Logger, aggregator, r.Transport, journal.NewMemoryJournal(0),
		engine.WithSchedule(cfg.Schedule),
		engine.WithResyncOnReconnect(true),
	)
	return r, nil
}

func (r *Rig) Start(ctx context.Context) error {
	return r.Engine.Start(ctx)
}

func (r *Rig) Close() {
	r.Engine.Close()
}

// Events returns how many mutations were broadcast so far.
func (r *Rig) Events() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events
}

// create adds a new listing to the truth. Even listings are tenders.
func (r *Rig) create() catalog.Listing {
	r.nextID++
	id := fmt.Sprintf("L%04d", r.nextID)
	l := catalog.Listing{
		ID:       id,
		SellerID: fmt.Sprintf("seller-%d", r.nextID%5),
		Title:    "Lot " + id,
		Price:    int64(100_000 + r.rng.IntN(5_000_000)),
		Location: "Lagos",
		Type:     "Car",
		Photos:   []string{catalog.PlaceholderPhoto},
		Status:   catalog.StatusActive,
	}
	if r.nextID%2 == 0 {
		start := time.Now().Add(-time.Hour).UTC().Truncate(time.Second)
		end := start.Add(48 * time.Hour)
		minBid := l.Price / 2
		l.IsTender = true
		l.SaleStartTime = &start
		l.SaleEndTime = &end
		l.MinimumBid = &minBid
		l.HighestBid = &minBid
	}
	r.truth[id] = l
	r.order = append(r.order, id)
	if r.nextID%3 == 0 {
		r.home[id] = "external"
	} else {
		r.home[id] = "local"
	}
	return l
}

func (r *Rig) syncSources() error {
	var local, external []any
	for _, id := range r.order {
		l, ok := r.truth[id]
		if !ok {
			continue
		}
		if r.home[id] == "external" {
			external = append(external, l)
		} else {
			local = append(local, l)
		}
	}
	if err := r.local.Set(local...); err != nil {
		return err
	}
	return r.external.Set(external...)
}

// Mutate changes the truth n times and broadcasts each change over the hub.
// Updates, bids and deletes only target listings that existed before the
// call, so reordering within a call never puts a change ahead of the
// creation it depends on.
func (r *Rig) Mutate(ctx context.Context, n int, mix Mix) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	candidates := slices.Clone(r.order)
	total := mix.Create + mix.Update + mix.Bid + mix.Delete
	if total <= 0 {
		return fmt.Errorf("chaos: empty mutation mix")
	}
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		target, payload, ok := r.mutation(mix, total, &candidates)
		if !ok {
			continue
		}
		if err := r.syncSources(); err != nil {
			return err
		}
		if err := r.Hub.Broadcast(target, payload); err != nil {
			return err
		}
		r.events++
	}
	return nil
}

func (r *Rig) mutation(mix Mix, total int, candidates *[]string) (string, any, bool) {
	pick := func(filter func(catalog.Listing) bool) (catalog.Listing, bool) {
		var live []string
		for _, id := range *candidates {
			if l, ok := r.truth[id]; ok && filter(l) {
				live = append(live, id)
			}
		}
		if len(live) == 0 {
			return catalog.Listing{}, false
		}
		return r.truth[live[r.rng.IntN(len(live))]], true
	}

	roll := r.rng.IntN(total)
	switch {
	case roll < mix.Create:
		l := r.create()
		return string(catalog.EventCreated), l, true

	case roll < mix.Create+mix.Update:
		l, ok := pick(func(catalog.Listing) bool { return true })
		if !ok {
			return "", nil, false
		}
		l.Price += int64(1 + r.rng.IntN(50_000))
		r.truth[l.ID] = l
		return string(catalog.EventUpdated), l, true

	case roll < mix.Create+mix.Update+mix.Bid:
		l, ok := pick(func(l catalog.Listing) bool { return l.IsTender })
		if !ok {
			return "", nil, false
		}
		bid := *l.HighestBid + int64(1+r.rng.IntN(10_000))
		l.HighestBid = &bid
		r.truth[l.ID] = l
		return string(catalog.EventUpdated), map[string]any{"id": l.ID, "highestBid": bid}, true

	default:
		l, ok := pick(func(catalog.Listing) bool { return true })
		if !ok {
			return "", nil, false
		}
		delete(r.truth, l.ID)
		r.deleted[l.ID] = true
		*candidates = slices.DeleteFunc(*candidates, func(id string) bool { return id == l.ID })
		return string(catalog.EventDeleted), l.ID, true
	}
}

// Consistency is the fraction of ground truth the catalog matches: every
// live listing held with the same title, price, status and highest bid, and
// every deleted listing absent.
func (r *Rig) Consistency(context.Context) (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	total := len(r.truth) + len(r.deleted)
	if total == 0 {
		return 1, nil
	}
	matched := 0
	for id, want := range r.truth {
		if got, ok := r.Engine.Catalog().Lookup(id); ok && sameListing(got, want) {
			matched++
		}
	}
	for id := range r.deleted {
		if _, ok := r.Engine.Catalog().Lookup(id); !ok {
			matched++
		}
	}
	return float64(matched) / float64(total), nil
}

func sameListing(got, want catalog.Listing) bool {
	if got.Title != want.Title || got.Price != want.Price || got.Status != want.Status {
		return false
	}
	switch {
	case got.HighestBid == nil && want.HighestBid == nil:
		return true
	case got.HighestBid == nil || want.HighestBid == nil:
		return false
	default:
		return *got.HighestBid == *want.HighestBid
	}
}
