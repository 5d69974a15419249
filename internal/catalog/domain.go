// internal/catalog/domain.go
package catalog

import (
	"time"
)

// Status is the lifecycle status of a listing as reported by the marketplace.
type Status string

const (
	StatusActive  Status = "active"
	StatusRemoved Status = "removed"
)

// PlaceholderPhoto is assigned to listings that arrive without any photo.
const PlaceholderPhoto = "https://picsum.photos/seed/placeholder/800/600"

// Listing is the canonical record held in the catalog.
type Listing struct {
	ID            string     `json:"id"`
	SellerID      string     `json:"sellerId"`
	Title         string     `json:"title"`
	Price         int64      `json:"price"`
	Year          *int       `json:"year,omitempty"`
	Location      string     `json:"location"`
	Description   string     `json:"description"`
	Type          string     `json:"type"`
	Photos        []string   `json:"photos"`
	Status        Status     `json:"status"`
	IsTender      bool       `json:"isTender"`
	SaleStartTime *time.Time `json:"saleStartTime,omitempty"`
	SaleEndTime   *time.Time `json:"saleEndTime,omitempty"`
	MinimumBid    *int64     `json:"minimumBid,omitempty"`
	HighestBid    *int64     `json:"highestBid,omitempty"`
	// Source names the bulk source the record was loaded from. Empty for
	// records that first arrived over the push channel.
	Source string `json:"source,omitempty"`
}

// Clone returns a deep copy so callers can never alias catalog state.
func (l Listing) Clone() Listing {
	c := l
	if l.Photos != nil {
		c.Photos = append([]string(nil), l.Photos...)
	}
	c.Year = clonePtr(l.Year)
	c.SaleStartTime = clonePtr(l.SaleStartTime)
	c.SaleEndTime = clonePtr(l.SaleEndTime)
	c.MinimumBid = clonePtr(l.MinimumBid)
	c.HighestBid = clonePtr(l.HighestBid)
	return c
}

// Thumbnail is the first photo in display order.
func (l Listing) Thumbnail() string {
	if len(l.Photos) == 0 {
		return PlaceholderPhoto
	}
	return l.Photos[0]
}

// ListingPatch carries the fields of a partial update. Nil means "not present".
type ListingPatch struct {
	ID            string     `json:"id"`
	SellerID      *string    `json:"sellerId,omitempty"`
	Title         *string    `json:"title,omitempty"`
	Price         *int64     `json:"price,omitempty"`
	Year          *int       `json:"year,omitempty"`
	Location      *string    `json:"location,omitempty"`
	Description   *string    `json:"description,omitempty"`
	Type          *string    `json:"type,omitempty"`
	Photos        []string   `json:"photos,omitempty"`
	Status        *Status    `json:"status,omitempty"`
	IsTender      *bool      `json:"isTender,omitempty"`
	SaleStartTime *time.Time `json:"saleStartTime,omitempty"`
	SaleEndTime   *time.Time `json:"saleEndTime,omitempty"`
	MinimumBid    *int64     `json:"minimumBid,omitempty"`
	HighestBid    *int64     `json:"highestBid,omitempty"`
}

// ApplyTo merges the present fields of p into l. HighestBid is copied as is;
// the reconciler owns the monotonic bookkeeping for it.
func (p ListingPatch) ApplyTo(l Listing) Listing {
	out := l.Clone()
	if p.SellerID != nil {
		out.SellerID = *p.SellerID
	}
	if p.Title != nil {
		out.Title = *p.Title
	}
	if p.Price != nil {
		out.Price = *p.Price
	}
	if p.Year != nil {
		out.Year = clonePtr(p.Year)
	}
	if p.Location != nil {
		out.Location = *p.Location
	}
	if p.Description != nil {
		out.Description = *p.Description
	}
	if p.Type != nil {
		out.Type = *p.Type
	}
	if p.Photos != nil {
		out.Photos = normalizePhotos(p.Photos)
	}
	if p.Status != nil {
		out.Status = *p.Status
	}
	if p.IsTender != nil {
		out.IsTender = *p.IsTender
	}
	if p.SaleStartTime != nil {
		out.SaleStartTime = clonePtr(p.SaleStartTime)
	}
	if p.SaleEndTime != nil {
		out.SaleEndTime = clonePtr(p.SaleEndTime)
	}
	if p.MinimumBid != nil {
		out.MinimumBid = clonePtr(p.MinimumBid)
	}
	if p.HighestBid != nil {
		out.HighestBid = clonePtr(p.HighestBid)
	}
	return out
}

// FullPatch turns a complete listing into a patch that sets every field.
func FullPatch(l Listing) ListingPatch {
	l = l.Clone()
	status := l.Status
	return ListingPatch{
		ID:            l.ID,
		SellerID:      &l.SellerID,
		Title:         &l.Title,
		Price:         &l.Price,
		Year:          l.Year,
		Location:      &l.Location,
		Description:   &l.Description,
		Type:          &l.Type,
		Photos:        l.Photos,
		Status:        &status,
		IsTender:      &l.IsTender,
		SaleStartTime: l.SaleStartTime,
		SaleEndTime:   l.SaleEndTime,
		MinimumBid:    l.MinimumBid,
		HighestBid:    l.HighestBid,
	}
}

// EventKind names an inbound hub event.
type EventKind string

const (
	EventCreated EventKind = "ListingCreated"
	EventUpdated EventKind = "ListingUpdated"
	EventDeleted EventKind = "ListingDeleted"
)

// Outbound hub invocations mirroring the inbound events.
const (
	BroadcastCreated = "BroadcastListingCreated"
	BroadcastUpdated = "BroadcastListingUpdated"
	BroadcastDeleted = "BroadcastListingDeleted"
)

// Event is a catalog change delivered by the push channel. Exactly one of
// Listing (Created), Patch (Updated) or ID (Deleted) is meaningful.
type Event struct {
	Kind    EventKind
	Listing Listing
	Patch   ListingPatch
	ID      string
}

func Created(l Listing) Event {
	return Event{Kind: EventCreated, Listing: l, ID: l.ID}
}

func Updated(p ListingPatch) Event {
	return Event{Kind: EventUpdated, Patch: p, ID: p.ID}
}

func Deleted(id string) Event {
	return Event{Kind: EventDeleted, ID: id}
}

// ListingID returns the id the event refers to.
func (e Event) ListingID() string {
	switch e.Kind {
	case EventCreated:
		return e.Listing.ID
	case EventUpdated:
		return e.Patch.ID
	default:
		return e.ID
	}
}

// Diff describes the ids touched by one applied mutation.
type Diff struct {
	Added   []string `json:"added,omitempty"`
	Changed []string `json:"changed,omitempty"`
	Removed []string `json:"removed,omitempty"`
}

func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Changed) == 0 && len(d.Removed) == 0
}

// Touches reports whether id appears anywhere in the diff.
func (d Diff) Touches(id string) bool {
	for _, set := range [][]string{d.Added, d.Changed, d.Removed} {
		for _, x := range set {
			if x == id {
				return true
			}
		}
	}
	return false
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
