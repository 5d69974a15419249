// internal/bidding/implementation.go
package bidding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"marketsync/internal/auction"
	"marketsync/internal/catalog"
	"marketsync/internal/clients"
)

// DefaultConfirmTimeout bounds the wait for the confirming push event.
const DefaultConfirmTimeout = 10 * time.Second

// service implements the Service interface.
type service struct {
	ledger   catalog.BidLedger
	client   Client
	clock    auction.Clock
	timeout  time.Duration
	bidderID string

	logger     *zap.Logger
	tracer     trace.Tracer
	rejected   metric.Int64Counter
	rolledBack metric.Int64Counter
}

type Option func(*service)

func WithClock(c auction.Clock) Option {
	return func(s *service) { s.clock = c }
}

func WithConfirmTimeout(d time.Duration) Option {
	return func(s *service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func WithBidderID(id string) Option {
	return func(s *service) { s.bidderID = id }
}

// NewService creates a new bidding service instance.
func NewService(logger *zap.Logger, ledger catalog.BidLedger, client Client, opts ...Option) Service {
	meter := otel.Meter("marketsync/bidding")
	rejected, _ := meter.Int64Counter("bids.rejected")
	rolledBack, _ := meter.Int64Counter("bids.rolled_back")
	s := &service{
		ledger:     ledger,
		client:     client,
		clock:      auction.SystemClock{},
		timeout:    DefaultConfirmTimeout,
		logger:     logger.Named("bidding"),
		tracer:     otel.Tracer("marketsync/bidding"),
		rejected:   rejected,
		rolledBack: rolledBack,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit validates and places a bid. The catalog shows the bid optimistically
// until a push event confirms a highest bid of at least amount; a server
// rejection or a missing confirmation rolls it back.
func (s *service) Submit(ctx context.Context, listingID string, amount int64) (*Bid, error) {
	ctx, span := s.tracer.Start(ctx, "bidding.submit",
		trace.WithAttributes(attribute.String("listing.id", listingID), attribute.Int64("bid.amount", amount)),
	)
	defer span.End()

	// Step 1: Validate against the current snapshot
	l, ok := s.ledger.Lookup(listingID)
	if !ok {
		return nil, s.reject(ctx, span, &RejectedError{Reason: ReasonListingNotFound, ListingID: listingID, Amount: amount})
	}
	if err := Validate(l, amount, s.clock.Now()); err != nil {
		return nil, s.reject(ctx, span, err)
	}

	bid := &Bid{
		ID:          uuid.NewString(),
		ListingID:   listingID,
		BidderID:    s.bidderID,
		Amount:      amount,
		SubmittedAt: s.clock.Now(),
	}
	log := s.logger.With(zap.String("bid_id", bid.ID), zap.String("listing_id", listingID), zap.Int64("amount", amount))

	// Step 2: Watch for confirmation before patching so none is missed
	confirmed := make(chan struct{}, 1)
	unsubscribe := s.ledger.Subscribe(func(d catalog.Diff) {
		if !d.Touches(listingID) {
			return
		}
		if v, ok := s.ledger.ConfirmedHighestBid(listingID); ok && v >= amount {
			select {
			case confirmed <- struct{}{}:
			default:
			}
		}
	})
	defer unsubscribe()

	// Step 3: Optimistic patch (with compensation)
	if err := s.ledger.ApplyOptimisticBid(ctx, listingID, amount); err != nil {
		switch {
		case errors.Is(err, catalog.ErrUnknownListing):
			return nil, s.reject(ctx, span, &RejectedError{Reason: ReasonListingNotFound, ListingID: listingID, Amount: amount})
		case errors.Is(err, catalog.ErrStaleBid):
			current, _ := s.ledger.Lookup(listingID)
			var limit int64
			if current.HighestBid != nil {
				limit = *current.HighestBid
			}
			return nil, s.reject(ctx, span, &RejectedError{Reason: ReasonBelowHighest, ListingID: listingID, Amount: amount, Limit: limit})
		case errors.Is(err, catalog.ErrBelowMinimumBid):
			current, _ := s.ledger.Lookup(listingID)
			var limit int64
			if current.MinimumBid != nil {
				limit = *current.MinimumBid
			}
			return nil, s.reject(ctx, span, &RejectedError{Reason: ReasonBelowMinimum, ListingID: listingID, Amount: amount, Limit: limit})
		default:
			return nil, fmt.Errorf("apply optimistic bid: %w", err)
		}
	}

	compensation := func(why string) {
		if s.ledger.RollbackOptimisticBid(context.WithoutCancel(ctx), listingID, amount) {
			s.rolledBack.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", why)))
			log.Warn("rolled back optimistic bid", zap.String("reason", why))
		}
	}

	// Step 4: Submit to the bid service
	receipt, err := s.client.PlaceBid(ctx, listingID, amount)
	if err != nil {
		compensation("submit_failed")
		if clients.IsClientError(err) {
			return nil, s.reject(ctx, span, &RejectedError{Reason: ReasonServerRejected, ListingID: listingID, Amount: amount, Cause: err})
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "submit failed")
		return nil, fmt.Errorf("failed to submit bid: %w", err)
	}
	bid.ServerID = receipt.ID

	// Step 5: Wait for the confirming event
	if v, ok := s.ledger.ConfirmedHighestBid(listingID); ok && v >= amount {
		bid.Confirmed = true
		return bid, nil
	}
	timer := time.NewTimer(s.timeout)
	defer timer.Stop()
	select {
	case <-confirmed:
		bid.Confirmed = true
		log.Info("bid confirmed")
		return bid, nil
	case <-timer.C:
		compensation("confirmation_timeout")
		span.SetStatus(codes.Error, "confirmation timeout")
		return bid, fmt.Errorf("%w: bid %s on %s after %s", ErrConfirmationTimeout, bid.ID, listingID, s.timeout)
	case <-ctx.Done():
		compensation("cancelled")
		return bid, ctx.Err()
	}
}

func (s *service) reject(ctx context.Context, span trace.Span, err error) error {
	var rej *RejectedError
	if errors.As(err, &rej) {
		s.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", string(rej.Reason))))
		span.SetAttributes(attribute.String("bid.rejected", string(rej.Reason)))
	}
	s.logger.Info("bid rejected", zap.Error(err))
	return err
}

// AcceptBid is the seller path; it passes straight through to the bid service.
func (s *service) AcceptBid(ctx context.Context, bidID string) error {
	if err := s.client.AcceptBid(ctx, bidID); err != nil {
		return fmt.Errorf("failed to accept bid %s: %w", bidID, err)
	}
	return nil
}

func (s *service) BidsFor(ctx context.Context, listingID string) ([]clients.BidRecord, error) {
	bids, err := s.client.ListBids(ctx, listingID)
	if err != nil {
		return nil, fmt.Errorf("failed to list bids for %s: %w", listingID, err)
	}
	return bids, nil
}
