// internal/catalog/service.go
package catalog

import (
	"context"
)

// Reader is the read side of the catalog.
type Reader interface {
	Snapshot() []Listing
	Lookup(id string) (Listing, bool)
	Len() int
	Seeded() bool
}

// Service defines the interface for the catalog service. The Reconciler is
// its only implementation; consumers depend on the narrowest slice they need.
type Service interface {
	Reader
	Seed(ctx context.Context, listings []Listing) error
	Apply(ctx context.Context, ev Event) (Outcome, error)
	BeginResync()
	CancelResync()
	Resync(ctx context.Context, listings []Listing) error
	Subscribe(fn func(Diff)) (unsubscribe func())
}

// BidLedger is the slice of the catalog the bid submitter writes through.
type BidLedger interface {
	Lookup(id string) (Listing, bool)
	Subscribe(fn func(Diff)) (unsubscribe func())
	ApplyOptimisticBid(ctx context.Context, id string, amount int64) error
	RollbackOptimisticBid(ctx context.Context, id string, amount int64) bool
	ConfirmedHighestBid(id string) (int64, bool)
}

var (
	_ Service   = (*Reconciler)(nil)
	_ BidLedger = (*Reconciler)(nil)
)
