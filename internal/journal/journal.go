// internal/journal/journal.go
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrClosed        = errors.New("journal closed")
	ErrSchemaMissing = errors.New("journal schema missing")
)

// Entry is one push event as received, with what the catalog did with it.
type Entry struct {
	ID         int64           `json:"id"`
	SessionID  uuid.UUID       `json:"sessionId"`
	Kind       string          `json:"kind"`
	ListingID  string          `json:"listingId,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	Outcome    string          `json:"outcome"`
	Error      string          `json:"error,omitempty"`
	Metadata   map[string]any  `json:"metadata,omitempty"`
	ReceivedAt time.Time       `json:"receivedAt"`
}

// Journal is an append-only log of received push events.
type Journal interface {
	// Append stores e and returns its assigned id. Ids are strictly increasing.
	Append(ctx context.Context, e Entry) (int64, error)
	// Stream returns up to limit entries with id greater than fromID, oldest first.
	Stream(ctx context.Context, fromID int64, limit int) ([]Entry, error)
	// ForListing returns the most recent entries for one listing, oldest first.
	ForListing(ctx context.Context, listingID string, limit int) ([]Entry, error)
	Close() error
}

// safePayload keeps the payload storable as JSON even when the wire sent
// something that is not.
func safePayload(p json.RawMessage) json.RawMessage {
	if len(p) == 0 {
		return json.RawMessage("null")
	}
	if json.Valid(p) {
		return p
	}
	quoted, _ := json.Marshal(string(p))
	return quoted
}
