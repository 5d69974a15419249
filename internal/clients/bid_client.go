// internal/clients/bid_client.go
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// BidReceipt is the server's acknowledgement of a submitted bid. Accepting a
// bid for submission is not confirming it; confirmation arrives as a push event.
type BidReceipt struct {
	ID string `json:"id"`
}

// BidRecord is one bid as listed by the bid service.
type BidRecord struct {
	ID        string    `json:"id"`
	ListingID string    `json:"listingId"`
	BidderID  string    `json:"bidderId"`
	Amount    int64     `json:"amount"`
	Accepted  bool      `json:"accepted"`
	CreatedAt time.Time `json:"createdAt"`
}

type BidClient struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	tracer  trace.Tracer
}

// NewBidClient creates a client for the bid endpoints under baseURL. A nil
// limiter disables client-side throttling.
func NewBidClient(baseURL string, httpClient *http.Client, limiter *rate.Limiter) *BidClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &BidClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		limiter: limiter,
		tracer:  otel.Tracer("marketsync/clients"),
	}
}

func (c *BidClient) PlaceBid(ctx context.Context, listingID string, amount int64) (*BidReceipt, error) {
	ctx, span := c.tracer.Start(ctx, "bids.place",
		trace.WithAttributes(attribute.String("listing.id", listingID), attribute.Int64("bid.amount", amount)),
	)
	defer span.End()

	if err := c.allow(); err != nil {
		return nil, err
	}

	body, err := json.Marshal(struct {
		ListingID string `json:"listingId"`
		Amount    int64  `json:"amount"`
	}{listingID, amount})
	if err != nil {
		return nil, err
	}

	var receipt BidReceipt
	if err := c.do(ctx, http.MethodPost, "/api/bids", body, &receipt); err != nil {
		span.RecordError(err)
		return nil, err
	}
	if receipt.ID == "" {
		receipt.ID = uuid.NewString()
	}
	return &receipt, nil
}

func (c *BidClient) AcceptBid(ctx context.Context, bidID string) error {
	ctx, span := c.tracer.Start(ctx, "bids.accept", trace.WithAttributes(attribute.String("bid.id", bidID)))
	defer span.End()

	if err := c.allow(); err != nil {
		return err
	}
	if err := c.do(ctx, http.MethodPost, "/api/bids/accept/"+url.PathEscape(bidID), nil, nil); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

func (c *BidClient) ListBids(ctx context.Context, listingID string) ([]BidRecord, error) {
	ctx, span := c.tracer.Start(ctx, "bids.list", trace.WithAttributes(attribute.String("listing.id", listingID)))
	defer span.End()

	var bids []BidRecord
	if err := c.do(ctx, http.MethodGet, "/api/bids/listing/"+url.PathEscape(listingID), nil, &bids); err != nil {
		span.RecordError(err)
		return nil, err
	}
	return bids, nil
}

func (c *BidClient) allow() error {
	if c.limiter != nil && !c.limiter.Allow() {
		return ErrRateLimited
	}
	return nil
}

func (c *BidClient) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}
