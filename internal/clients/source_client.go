// internal/clients/source_client.go
package clients

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const maxErrorBody = 512

// SourceClient retrieves the listing array of one named bulk source.
type SourceClient struct {
	name    string
	url     string
	http    *http.Client
	retries uint64
	initial time.Duration
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
	tracer  trace.Tracer
}

type SourceOption func(*SourceClient)

func WithHTTPClient(c *http.Client) SourceOption {
	return func(s *SourceClient) { s.http = c }
}

// WithRetries sets how many times a transient failure is retried and the
// first retry interval.
func WithRetries(n uint64, initial time.Duration) SourceOption {
	return func(s *SourceClient) {
		s.retries = n
		s.initial = initial
	}
}

func NewSourceClient(logger *zap.Logger, name, url string, opts ...SourceOption) *SourceClient {
	s := &SourceClient{
		name:    name,
		url:     url,
		http:    http.DefaultClient,
		retries: 2,
		initial: 200 * time.Millisecond,
		logger:  logger.Named("source").With(zap.String("source", name)),
		tracer:  otel.Tracer("marketsync/clients"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		// A 4xx means the source is up and answering.
		IsSuccessful: func(err error) bool {
			return err == nil || IsClientError(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Info("source breaker state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return s
}

func (s *SourceClient) Name() string { return s.name }

// Fetch implements feed.Source.
func (s *SourceClient) Fetch(ctx context.Context) ([]json.RawMessage, error) {
	ctx, span := s.tracer.Start(ctx, "source.fetch",
		trace.WithAttributes(attribute.String("source", s.name), attribute.String("url", s.url)),
	)
	defer span.End()

	out, err := s.breaker.Execute(func() (interface{}, error) {
		return s.fetchWithRetry(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = fmt.Errorf("%w: %s: %w", ErrCircuitOpen, s.name, err)
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	records := out.([]json.RawMessage)
	span.SetAttributes(attribute.Int("records.count", len(records)))
	return records, nil
}

func (s *SourceClient) fetchWithRetry(ctx context.Context) ([]json.RawMessage, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.initial
	policy.MaxElapsedTime = 0

	var records []json.RawMessage
	attempt := 0
	op := func() error {
		attempt++
		var err error
		records, err = s.get(ctx)
		if err == nil {
			return nil
		}
		var se *StatusError
		if errors.As(err, &se) && !se.Temporary() {
			return backoff.Permanent(err)
		}
		var syntax *json.SyntaxError
		var typ *json.UnmarshalTypeError
		if errors.As(err, &syntax) || errors.As(err, &typ) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		s.logger.Debug("retrying source fetch",
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(policy, s.retries), ctx)
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return nil, err
	}
	return records, nil
}

func (s *SourceClient) get(ctx context.Context) ([]json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{Code: resp.StatusCode, Body: string(body)}
	}

	var records []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", s.name, err)
	}
	return records, nil
}
