// internal/catalog/normalize.go
package catalog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

var (
	ErrMalformedRecord = errors.New("malformed listing record")
	ErrMalformedEvent  = errors.New("malformed push event")
)

// aliases maps every canonical field to the spellings accepted on input, in
// lookup order. Sources disagree on casing; nothing downstream of decoding
// ever sees a non-canonical name.
var aliases = map[string][]string{
	"id":            {"id", "Id", "ID"},
	"sellerId":      {"sellerId", "SellerId", "sellerID", "SellerID"},
	"title":         {"title", "Title"},
	"price":         {"price", "Price"},
	"year":          {"year", "Year"},
	"location":      {"location", "Location"},
	"description":   {"description", "Description"},
	"type":          {"type", "Type"},
	"photos":        {"photos", "Photos"},
	"photo":         {"photo", "Photo", "imageUrl", "ImageUrl"},
	"status":        {"status", "Status"},
	"isTender":      {"isTender", "IsTender"},
	"saleStartTime": {"saleStartTime", "SaleStartTime"},
	"saleEndTime":   {"saleEndTime", "SaleEndTime"},
	"minimumBid":    {"minimumBid", "MinimumBid"},
	"highestBid":    {"highestBid", "HighestBid"},
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.9999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

type record map[string]json.RawMessage

func parseRecord(raw []byte) (record, error) {
	var r record
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	if r == nil {
		return nil, fmt.Errorf("%w: null record", ErrMalformedRecord)
	}
	return r, nil
}

// field returns the first present, non-null spelling of canonical.
func (r record) field(canonical string) (json.RawMessage, bool) {
	for _, name := range aliases[canonical] {
		v, ok := r[name]
		if !ok {
			continue
		}
		if bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
			continue
		}
		return v, true
	}
	return nil, false
}

// DecodeListing decodes a full listing record in any accepted casing.
func DecodeListing(raw []byte) (Listing, error) {
	r, err := parseRecord(raw)
	if err != nil {
		return Listing{}, err
	}
	p, err := r.patch()
	if err != nil {
		return Listing{}, err
	}
	l := p.ApplyTo(Listing{ID: p.ID, Status: StatusActive})
	if p.Photos == nil {
		l.Photos = normalizePhotos(nil)
	}
	return l, nil
}

// DecodePatch decodes a partial record. Only the id is required.
func DecodePatch(raw []byte) (ListingPatch, error) {
	r, err := parseRecord(raw)
	if err != nil {
		return ListingPatch{}, err
	}
	return r.patch()
}

// DecodeEvent turns a hub payload into a typed event.
func DecodeEvent(kind EventKind, payload []byte) (Event, error) {
	switch kind {
	case EventCreated:
		l, err := DecodeListing(payload)
		if err != nil {
			return Event{}, fmt.Errorf("%w: %s: %w", ErrMalformedEvent, kind, err)
		}
		return Created(l), nil
	case EventUpdated:
		p, err := DecodePatch(payload)
		if err != nil {
			return Event{}, fmt.Errorf("%w: %s: %w", ErrMalformedEvent, kind, err)
		}
		return Updated(p), nil
	case EventDeleted:
		id, err := decodeBareID(payload)
		if err != nil {
			return Event{}, fmt.Errorf("%w: %s: %w", ErrMalformedEvent, kind, err)
		}
		return Deleted(id), nil
	default:
		return Event{}, fmt.Errorf("%w: unknown event kind %q", ErrMalformedEvent, kind)
	}
}

// decodeBareID accepts a bare string or number, or an object carrying an id.
func decodeBareID(payload []byte) (string, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		p, err := DecodePatch(trimmed)
		if err != nil {
			return "", err
		}
		return p.ID, nil
	}
	id, err := decodeID(trimmed)
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", fmt.Errorf("%w: empty id", ErrMalformedRecord)
	}
	return id, nil
}

func (r record) patch() (ListingPatch, error) {
	var p ListingPatch

	rawID, ok := r.field("id")
	if !ok {
		return p, fmt.Errorf("%w: missing id", ErrMalformedRecord)
	}
	id, err := decodeID(rawID)
	if err != nil {
		return p, err
	}
	if id == "" {
		return p, fmt.Errorf("%w: empty id", ErrMalformedRecord)
	}
	p.ID = id

	if p.SellerID, err = optional(r, "sellerId", decodeID); err != nil {
		return p, err
	}
	if p.Title, err = optional(r, "title", decodeString); err != nil {
		return p, err
	}
	if p.Price, err = optional(r, "price", decodeAmount); err != nil {
		return p, err
	}
	if p.Year, err = optional(r, "year", decodeYear); err != nil {
		return p, err
	}
	if p.Location, err = optional(r, "location", decodeString); err != nil {
		return p, err
	}
	if p.Description, err = optional(r, "description", decodeString); err != nil {
		return p, err
	}
	if p.Type, err = optional(r, "type", decodeString); err != nil {
		return p, err
	}
	if p.Status, err = optional(r, "status", decodeStatus); err != nil {
		return p, err
	}
	if p.IsTender, err = optional(r, "isTender", decodeBool); err != nil {
		return p, err
	}
	if p.SaleStartTime, err = optional(r, "saleStartTime", decodeTime); err != nil {
		return p, err
	}
	if p.SaleEndTime, err = optional(r, "saleEndTime", decodeTime); err != nil {
		return p, err
	}
	if p.MinimumBid, err = optional(r, "minimumBid", decodeAmount); err != nil {
		return p, err
	}
	if p.HighestBid, err = optional(r, "highestBid", decodeAmount); err != nil {
		return p, err
	}

	if raw, ok := r.field("photos"); ok {
		var photos []string
		if err := json.Unmarshal(raw, &photos); err != nil {
			return p, fmt.Errorf("%w: photos: %v", ErrMalformedRecord, err)
		}
		p.Photos = normalizePhotos(photos)
	} else if raw, ok := r.field("photo"); ok {
		single, err := decodeString(raw)
		if err != nil {
			return p, err
		}
		p.Photos = normalizePhotos([]string{single})
	}
	return p, nil
}

func optional[T any](r record, canonical string, decode func(json.RawMessage) (T, error)) (*T, error) {
	raw, ok := r.field(canonical)
	if !ok {
		return nil, nil
	}
	v, err := decode(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", canonical, err)
	}
	return &v, nil
}

// normalizePhotos keeps display order, drops blanks and never returns an
// empty slice.
func normalizePhotos(photos []string) []string {
	out := make([]string, 0, len(photos))
	for _, p := range photos {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		out = append(out, PlaceholderPhoto)
	}
	return out
}

func decodeID(raw json.RawMessage) (string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		return decodeString(trimmed)
	}
	var n json.Number
	if err := json.Unmarshal(trimmed, &n); err != nil {
		return "", fmt.Errorf("%w: id must be a string or number", ErrMalformedRecord)
	}
	return n.String(), nil
}

func decodeString(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	return strings.TrimSpace(s), nil
}

func decodeBool(raw json.RawMessage) (bool, error) {
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		s, serr := decodeString(raw)
		if serr != nil {
			return false, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
		}
		if b, err = strconv.ParseBool(s); err != nil {
			return false, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
		}
	}
	return b, nil
}

// decodeAmount accepts non-negative integral JSON numbers, fractional numbers
// (rounded) and numeric strings. Anything an int64 cannot hold is malformed.
func decodeAmount(raw json.RawMessage) (int64, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		s, err := decodeString(trimmed)
		if err != nil {
			return 0, err
		}
		trimmed = []byte(strings.ReplaceAll(s, ",", ""))
	}
	var n json.Number
	if err := json.Unmarshal(trimmed, &n); err != nil {
		return 0, fmt.Errorf("%w: amount: %v", ErrMalformedRecord, err)
	}
	if i, err := n.Int64(); err == nil {
		if i < 0 {
			return 0, fmt.Errorf("%w: negative amount %d", ErrMalformedRecord, i)
		}
		return i, nil
	}
	f, err := n.Float64()
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%w: amount %q", ErrMalformedRecord, n.String())
	}
	// float64(math.MaxInt64) rounds up to 2^63, which no int64 holds.
	f = math.Round(f)
	if f < 0 || f >= float64(math.MaxInt64) {
		return 0, fmt.Errorf("%w: amount %s out of range", ErrMalformedRecord, n.String())
	}
	return int64(f), nil
}

func decodeYear(raw json.RawMessage) (int, error) {
	v, err := decodeAmount(raw)
	if err != nil {
		return 0, err
	}
	return int(v), nil
}

func decodeStatus(raw json.RawMessage) (Status, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] != '"' {
		var n int
		if err := json.Unmarshal(trimmed, &n); err != nil {
			return "", fmt.Errorf("%w: status: %v", ErrMalformedRecord, err)
		}
		if n == 0 {
			return StatusActive, nil
		}
		return StatusRemoved, nil
	}
	s, err := decodeString(trimmed)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(s) {
	case "", "active":
		return StatusActive, nil
	case "removed", "deleted", "inactive":
		return StatusRemoved, nil
	default:
		return "", fmt.Errorf("%w: unknown status %q", ErrMalformedRecord, s)
	}
}

// decodeTime parses RFC 3339 and offset-less timestamps; the latter are UTC.
func decodeTime(raw json.RawMessage) (time.Time, error) {
	s, err := decodeString(raw)
	if err != nil {
		return time.Time{}, err
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: timestamp %q", ErrMalformedRecord, s)
}
