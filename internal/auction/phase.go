// internal/auction/phase.go
package auction

import (
	"fmt"
	"time"

	"marketsync/internal/catalog"
)

// Phase is the derived lifecycle phase of a listing. It is never stored.
type Phase string

const (
	PhaseNotAnAuction Phase = "not_an_auction"
	PhasePending      Phase = "pending"
	PhaseActive       Phase = "active"
	PhaseEnded        Phase = "ended"
)

// PhaseAt derives the auction phase of l at now. A tender without an end time
// is treated as ended; a missing start time counts as already elapsed.
func PhaseAt(l catalog.Listing, now time.Time) Phase {
	if !l.IsTender {
		return PhaseNotAnAuction
	}
	if l.SaleEndTime == nil {
		return PhaseEnded
	}
	if l.SaleStartTime != nil && now.Before(*l.SaleStartTime) {
		return PhasePending
	}
	if now.Before(*l.SaleEndTime) {
		return PhaseActive
	}
	return PhaseEnded
}

// Countdown is a duration broken into display units. Hours are not wrapped
// at 24.
type Countdown struct {
	Hours   int64         `json:"hours"`
	Minutes int64         `json:"minutes"`
	Seconds int64         `json:"seconds"`
	Total   time.Duration `json:"-"`
}

func NewCountdown(d time.Duration) Countdown {
	if d < 0 {
		d = 0
	}
	secs := int64(d / time.Second)
	return Countdown{
		Hours:   secs / 3600,
		Minutes: secs % 3600 / 60,
		Seconds: secs % 60,
		Total:   d,
	}
}

func (c Countdown) Zero() bool { return c.Total <= 0 }

func (c Countdown) String() string {
	return fmt.Sprintf("%dh %dm %ds", c.Hours, c.Minutes, c.Seconds)
}

// RemainingAt is the time left until the sale ends. It is zero once the
// auction has ended and for listings that are not auctions.
func RemainingAt(l catalog.Listing, now time.Time) Countdown {
	switch PhaseAt(l, now) {
	case PhasePending, PhaseActive:
		return NewCountdown(l.SaleEndTime.Sub(now))
	default:
		return Countdown{}
	}
}

// UntilStart is the time left before a pending auction opens.
func UntilStart(l catalog.Listing, now time.Time) Countdown {
	if PhaseAt(l, now) != PhasePending {
		return Countdown{}
	}
	return NewCountdown(l.SaleStartTime.Sub(now))
}

// Status bundles the derived auction view of one listing.
type Status struct {
	Phase      Phase     `json:"phase"`
	Remaining  Countdown `json:"remaining"`
	StartsIn   Countdown `json:"startsIn"`
	MinimumBid *int64    `json:"minimumBid,omitempty"`
	HighestBid *int64    `json:"highestBid,omitempty"`
}

func StatusAt(l catalog.Listing, now time.Time) Status {
	return Status{
		Phase:      PhaseAt(l, now),
		Remaining:  RemainingAt(l, now),
		StartsIn:   UntilStart(l, now),
		MinimumBid: l.MinimumBid,
		HighestBid: l.HighestBid,
	}
}
