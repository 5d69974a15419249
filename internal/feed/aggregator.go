// internal/feed/aggregator.go
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"marketsync/internal/catalog"
)

var ErrAllSourcesUnavailable = errors.New("all feed sources unavailable")

// Source is one bulk-retrieval endpoint. Fetch returns the raw records in the
// order the source lists them.
type Source interface {
	Name() string
	Fetch(ctx context.Context) ([]json.RawMessage, error)
}

// SourceError reports a source that contributed nothing to a load.
type SourceError struct {
	Source string `json:"source"`
	Err    error  `json:"-"`
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("source %s unavailable: %v", e.Source, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

func (e *SourceError) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Source string `json:"source"`
		Error  string `json:"error"`
	}{e.Source, e.Err.Error()})
}

// Result is the outcome of one LoadFeed call.
type Result struct {
	// Listings is deduplicated by id, first occurrence in source order wins.
	Listings     []catalog.Listing
	SourceErrors []*SourceError
	// Skipped counts malformed records dropped from working sources.
	Skipped int
}

// Degraded reports whether at least one source failed.
func (r Result) Degraded() bool { return len(r.SourceErrors) > 0 }

// BySource returns the listings that came from the named source.
func (r Result) BySource(name string) []catalog.Listing {
	var out []catalog.Listing
	for _, l := range r.Listings {
		if l.Source == name {
			out = append(out, l)
		}
	}
	return out
}

// Aggregator queries every configured source concurrently and merges the
// results into one canonical, ordered sequence.
type Aggregator struct {
	sources []Source
	timeout time.Duration
	logger  *zap.Logger
	tracer  trace.Tracer
}

type Option func(*Aggregator)

// WithTimeout bounds each individual source fetch. Zero means no bound.
func WithTimeout(d time.Duration) Option {
	return func(a *Aggregator) { a.timeout = d }
}

func NewAggregator(logger *zap.Logger, sources []Source, opts ...Option) *Aggregator {
	a := &Aggregator{
		sources: sources,
		logger:  logger.Named("feed"),
		tracer:  otel.Tracer("marketsync/feed"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Aggregator) Sources() []string {
	names := make([]string, len(a.sources))
	for i, s := range a.sources {
		names[i] = s.Name()
	}
	return names
}

type fetched struct {
	records []json.RawMessage
	err     error
}

// LoadFeed fetches all sources and returns the merged result. It fails only
// when every source fails; a partial result is always returned alongside the
// per-source errors.
func (a *Aggregator) LoadFeed(ctx context.Context) (Result, error) {
	ctx, span := a.tracer.Start(ctx, "feed.load",
		trace.WithAttributes(attribute.Int("sources.count", len(a.sources))),
	)
	defer span.End()

	results := make([]fetched, len(a.sources))
	// The group never returns an error: a failing source must not cancel its
	// siblings, so failures are collected per slot instead.
	var g errgroup.Group
	for i, src := range a.sources {
		g.Go(func() error {
			results[i] = a.fetch(ctx, src)
			return nil
		})
	}
	_ = g.Wait()

	var (
		res  Result
		seen = make(map[string]struct{})
	)
	for i, src := range a.sources {
		f := results[i]
		if f.err != nil {
			serr := &SourceError{Source: src.Name(), Err: f.err}
			res.SourceErrors = append(res.SourceErrors, serr)
			a.logger.Warn("source unavailable", zap.String("source", src.Name()), zap.Error(f.err))
			continue
		}
		for _, raw := range f.records {
			l, err := catalog.DecodeListing(raw)
			if err != nil {
				res.Skipped++
				a.logger.Warn("skipping malformed record", zap.String("source", src.Name()), zap.Error(err))
				continue
			}
			if _, dup := seen[l.ID]; dup {
				continue
			}
			seen[l.ID] = struct{}{}
			l.Source = src.Name()
			res.Listings = append(res.Listings, l)
		}
	}

	span.SetAttributes(
		attribute.Int("listings.count", len(res.Listings)),
		attribute.Int("sources.failed", len(res.SourceErrors)),
		attribute.Int("records.skipped", res.Skipped),
	)

	if len(a.sources) > 0 && len(res.SourceErrors) == len(a.sources) {
		errs := make([]error, len(res.SourceErrors))
		for i, e := range res.SourceErrors {
			errs[i] = e
		}
		err := fmt.Errorf("%w: %w", ErrAllSourcesUnavailable, errors.Join(errs...))
		span.SetStatus(codes.Error, "all sources unavailable")
		a.logger.Error("feed load failed", zap.Error(err))
		return res, err
	}
	return res, nil
}

func (a *Aggregator) fetch(ctx context.Context, src Source) (f fetched) {
	ctx, span := a.tracer.Start(ctx, "feed.fetch",
		trace.WithAttributes(attribute.String("source", src.Name())),
	)
	defer span.End()

	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	defer func() {
		if rec := recover(); rec != nil {
			f = fetched{err: fmt.Errorf("source panicked: %v", rec)}
		}
		if f.err != nil {
			span.RecordError(f.err)
			span.SetStatus(codes.Error, f.err.Error())
		}
	}()

	records, err := src.Fetch(ctx)
	span.SetAttributes(attribute.Int("records.count", len(records)))
	return fetched{records: records, err: err}
}

// FilterSeller returns the listings owned by sellerID.
func FilterSeller(listings []catalog.Listing, sellerID string) []catalog.Listing {
	var out []catalog.Listing
	for _, l := range listings {
		if l.SellerID == sellerID {
			out = append(out, l)
		}
	}
	return out
}

// Auctions returns the flash-sale view: tenders and anything with a sale end.
func Auctions(listings []catalog.Listing) []catalog.Listing {
	var out []catalog.Listing
	for _, l := range listings {
		if l.IsTender || l.SaleEndTime != nil {
			out = append(out, l)
		}
	}
	return out
}
