// internal/bidding/service.go
package bidding

import (
	"context"

	"marketsync/internal/clients"
)

// Service defines the interface for the bidding service.
type Service interface {
	Submit(ctx context.Context, listingID string, amount int64) (*Bid, error)
	AcceptBid(ctx context.Context, bidID string) error
	BidsFor(ctx context.Context, listingID string) ([]clients.BidRecord, error)
}

// Client is the external bid-acceptance collaborator.
type Client interface {
	PlaceBid(ctx context.Context, listingID string, amount int64) (*clients.BidReceipt, error)
	AcceptBid(ctx context.Context, bidID string) error
	ListBids(ctx context.Context, listingID string) ([]clients.BidRecord, error)
}

var _ Client = (*clients.BidClient)(nil)
