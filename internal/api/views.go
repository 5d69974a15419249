package api

import (
	"time"

	"marketsync/internal/auction"
	"marketsync/internal/catalog"
)

type listingView struct {
	catalog.Listing
	Thumbnail      string             `json:"thumbnail"`
	DisplayPrice   string             `json:"displayPrice"`
	DisplayHighest string             `json:"displayHighestBid,omitempty"`
	Phase          auction.Phase      `json:"phase"`
	Countdown      *auction.Countdown `json:"countdown,omitempty"`
	StartsIn       *auction.Countdown `json:"startsIn,omitempty"`
}

func newListingView(l catalog.Listing, now time.Time) listingView {
	v := listingView{
		Listing:      l,
		Thumbnail:    l.Thumbnail(),
		DisplayPrice: FormatNaira(l.Price),
		Phase:        auction.PhaseAt(l, now),
	}
	if l.HighestBid != nil {
		v.DisplayHighest = FormatNaira(*l.HighestBid)
	}
	switch v.Phase {
	case auction.PhaseActive:
		c := auction.RemainingAt(l, now)
		v.Countdown = &c
	case auction.PhasePending:
		c := auction.RemainingAt(l, now)
		v.Countdown = &c
		s := auction.UntilStart(l, now)
		v.StartsIn = &s
	}
	return v
}

func newListingViews(ls []catalog.Listing, now time.Time) []listingView {
	out := make([]listingView, 0, len(ls))
	for _, l := range ls {
		out = append(out, newListingView(l, now))
	}
	return out
}

type bidView struct {
	ID          string    `json:"id"`
	ServerID    string    `json:"serverId,omitempty"`
	ListingID   string    `json:"listingId"`
	Amount      int64     `json:"amount"`
	Display     string    `json:"display"`
	SubmittedAt time.Time `json:"submittedAt"`
	Confirmed   bool      `json:"confirmed"`
}

type errorView struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
	Limit  int64  `json:"limit,omitempty"`
}
