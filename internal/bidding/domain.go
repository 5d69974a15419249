// internal/bidding/domain.go
package bidding

import (
	"errors"
	"fmt"
	"time"

	"marketsync/internal/auction"
	"marketsync/internal/catalog"
)

// Bid is client-side state for one submission. Only its effect on
// highestBid ever reaches the catalog.
type Bid struct {
	ID          string    `json:"id"`
	ServerID    string    `json:"serverId,omitempty"`
	ListingID   string    `json:"listingId"`
	BidderID    string    `json:"bidderId,omitempty"`
	Amount      int64     `json:"amount"`
	SubmittedAt time.Time `json:"submittedAt"`
	Confirmed   bool      `json:"confirmed"`
}

var (
	ErrListingNotFound     = errors.New("listing not found")
	ErrAuctionNotActive    = errors.New("auction not active")
	ErrBelowMinimum        = errors.New("bid below minimum")
	ErrBelowHighest        = errors.New("bid does not exceed highest bid")
	ErrServerRejected      = errors.New("bid rejected by server")
	ErrConfirmationTimeout = errors.New("bid not confirmed in time")
)

// Reason classifies a rejected bid.
type Reason string

const (
	ReasonListingNotFound  Reason = "ListingNotFound"
	ReasonAuctionNotActive Reason = "AuctionNotActive"
	ReasonBelowMinimum     Reason = "BelowMinimum"
	ReasonBelowHighest     Reason = "BelowHighest"
	ReasonServerRejected   Reason = "ServerRejected"
)

var reasonErrors = map[Reason]error{
	ReasonListingNotFound:  ErrListingNotFound,
	ReasonAuctionNotActive: ErrAuctionNotActive,
	ReasonBelowMinimum:     ErrBelowMinimum,
	ReasonBelowHighest:     ErrBelowHighest,
	ReasonServerRejected:   ErrServerRejected,
}

// RejectedError is a bid that must not be retried as is. It matches its
// reason's sentinel with errors.Is.
type RejectedError struct {
	Reason    Reason
	ListingID string
	Amount    int64
	// Limit is the bound the amount failed against, when there is one.
	Limit int64
	Phase auction.Phase
	Cause error
}

func (e *RejectedError) Error() string {
	switch e.Reason {
	case ReasonBelowMinimum:
		return fmt.Sprintf("bid %d on %s rejected: below minimum %d", e.Amount, e.ListingID, e.Limit)
	case ReasonBelowHighest:
		return fmt.Sprintf("bid %d on %s rejected: highest bid is %d", e.Amount, e.ListingID, e.Limit)
	case ReasonAuctionNotActive:
		return fmt.Sprintf("bid on %s rejected: auction is %s", e.ListingID, e.Phase)
	case ReasonServerRejected:
		return fmt.Sprintf("bid %d on %s rejected by server: %v", e.Amount, e.ListingID, e.Cause)
	default:
		return fmt.Sprintf("bid on %s rejected: %s", e.ListingID, e.Reason)
	}
}

func (e *RejectedError) Unwrap() []error {
	errs := []error{reasonErrors[e.Reason]}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

// Validate checks amount against the listing's auction state at now, in
// order: phase, minimum bid, highest bid.
func Validate(l catalog.Listing, amount int64, now time.Time) error {
	if phase := auction.PhaseAt(l, now); phase != auction.PhaseActive {
		return &RejectedError{Reason: ReasonAuctionNotActive, ListingID: l.ID, Amount: amount, Phase: phase}
	}
	if l.MinimumBid != nil && amount < *l.MinimumBid {
		return &RejectedError{Reason: ReasonBelowMinimum, ListingID: l.ID, Amount: amount, Limit: *l.MinimumBid}
	}
	if l.HighestBid != nil && amount <= *l.HighestBid {
		return &RejectedError{Reason: ReasonBelowHighest, ListingID: l.ID, Amount: amount, Limit: *l.HighestBid}
	}
	return nil
}
