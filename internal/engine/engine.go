// internal/engine/engine.go
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"marketsync/internal/catalog"
	"marketsync/internal/feed"
	"marketsync/internal/journal"
	"marketsync/internal/push"
)

// Status is a point-in-time view of the engine's health.
type Status struct {
	Session        uuid.UUID           `json:"session"`
	Push           push.State          `json:"push"`
	Seeded         bool                `json:"seeded"`
	Listings       int                 `json:"listings"`
	Degraded       bool                `json:"degraded"`
	SourceErrors   []*feed.SourceError `json:"sourceErrors,omitempty"`
	Skipped        int                 `json:"skipped"`
	LastLoad       time.Time           `json:"lastLoad,omitempty"`
	ConnectionLost bool                `json:"connectionLost"`
	Reconnects     int                 `json:"reconnects"`
}

type Option func(*options)

type options struct {
	schedule          push.Schedule
	ceilingAlertAfter int
	limiter           *rate.Limiter
	resyncOnReconnect bool
}

func WithSchedule(s push.Schedule) Option {
	return func(o *options) { o.schedule = s }
}

func WithCeilingAlert(n int) Option {
	return func(o *options) { o.ceilingAlertAfter = n }
}

func WithPublishLimiter(l *rate.Limiter) Option {
	return func(o *options) { o.limiter = l }
}

// WithResyncOnReconnect reloads the feed after every reconnect to cover
// events missed while the channel was down.
func WithResyncOnReconnect(on bool) Option {
	return func(o *options) { o.resyncOnReconnect = on }
}

// Engine wires the feed, the push channel, the catalog and the journal
// together and owns their startup order.
type Engine struct {
	session    uuid.UUID
	aggregator *feed.Aggregator
	catalog    *catalog.Reconciler
	channel    *push.Channel
	journal    journal.Journal
	resync     bool

	listeners map[catalog.EventKind]push.Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	reloadMu sync.Mutex

	mu         sync.RWMutex
	lastLoad   feed.Result
	loadedAt   time.Time
	lost       bool
	reconnects int

	logger *zap.Logger
	tracer trace.Tracer
}

func New(logger *zap.Logger, aggregator *feed.Aggregator, transport push.Transport, j journal.Journal, opts ...Option) *Engine {
	o := options{schedule: push.DefaultSchedule, ceilingAlertAfter: 5}
	for _, opt := range opts {
		opt(&o)
	}
	if j == nil {
		j = journal.NewMemoryJournal(0)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		session:    uuid.New(),
		aggregator: aggregator,
		catalog:    catalog.NewReconciler(logger),
		journal:    j,
		resync:     o.resyncOnReconnect,
		ctx:        ctx,
		cancel:     cancel,
		logger:     logger.Named("engine"),
		tracer:     otel.Tracer("marketsync/engine"),
	}

	channelOpts := []push.Option{
		push.WithSchedule(o.schedule),
		push.WithCeilingAlert(o.ceilingAlertAfter),
		push.WithHooks(push.Hooks{
			OnReconnected:    e.onReconnected,
			OnConnectionLost: e.onConnectionLost,
		}),
	}
	if o.limiter != nil {
		channelOpts = append(channelOpts, push.WithPublishLimiter(o.limiter))
	}
	e.channel = push.NewChannel(logger, transport, channelOpts...)
	e.catalog.OnReplay(e.replayed)

	e.listeners = make(map[catalog.EventKind]push.Listener, 3)
	for _, kind := range []catalog.EventKind{catalog.EventCreated, catalog.EventUpdated, catalog.EventDeleted} {
		e.listeners[kind] = push.NewListener(func(_ string, payload json.RawMessage) {
			e.handle(kind, payload)
		})
	}
	return e
}

// Catalog exposes the reconciler for readers and the bid path.
func (e *Engine) Catalog() *catalog.Reconciler { return e.catalog }

func (e *Engine) Journal() journal.Journal { return e.journal }

func (e *Engine) Session() uuid.UUID { return e.session }

// Start subscribes before connecting so no event is missed, then loads and
// seeds the catalog. Events received meanwhile are buffered by the catalog
// and replayed on seed. A failed initial connect is not fatal: the channel
// keeps retrying. If every source fails the catalog is still seeded empty
// so live events apply, and the error is returned.
func (e *Engine) Start(ctx context.Context) error {
	ctx, span := e.tracer.Start(ctx, "engine.start",
		trace.WithAttributes(attribute.String("session.id", e.session.String())),
	)
	defer span.End()

	for kind, l := range e.listeners {
		if err := e.channel.Subscribe(string(kind), l); err != nil {
			return fmt.Errorf("subscribe %s: %w", kind, err)
		}
	}

	if err := e.channel.Connect(ctx); err != nil {
		if errors.Is(err, push.ErrClosed) {
			return err
		}
		e.logger.Warn("push channel not connected yet", zap.Error(err))
	}

	res, loadErr := e.load(ctx)
	if err := e.catalog.Seed(ctx, res.Listings); err != nil {
		return fmt.Errorf("seed catalog: %w", err)
	}
	if loadErr != nil {
		span.RecordError(loadErr)
		return fmt.Errorf("initial feed load: %w", loadErr)
	}
	return nil
}

func (e *Engine) load(ctx context.Context) (feed.Result, error) {
	res, err := e.aggregator.LoadFeed(ctx)

	e.mu.Lock()
	e.lastLoad = res
	e.loadedAt = time.Now().UTC()
	e.mu.Unlock()
	return res, err
}

// Reload fetches every source again and merges the result without removing
// anything from the catalog.
func (e *Engine) Reload(ctx context.Context) error {
	e.reloadMu.Lock()
	defer e.reloadMu.Unlock()

	ctx, span := e.tracer.Start(ctx, "engine.reload")
	defer span.End()

	// Open the window before fetching so live events that land during the
	// load win over the older bulk records.
	e.catalog.BeginResync()
	res, err := e.load(ctx)
	if err != nil {
		e.catalog.CancelResync()
		return err
	}
	if err := e.catalog.Resync(ctx, res.Listings); err != nil {
		return err
	}
	e.logger.Info("catalog resynced", zap.Int("listings", len(res.Listings)), zap.Bool("degraded", res.Degraded()))
	return nil
}

func (e *Engine) onReconnected() {
	e.mu.Lock()
	e.lost = false
	e.reconnects++
	e.mu.Unlock()

	if !e.resync || e.ctx.Err() != nil {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.Reload(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.Warn("resync after reconnect failed", zap.Error(err))
		}
	}()
}

func (e *Engine) onConnectionLost(err error) {
	e.mu.Lock()
	e.lost = true
	e.mu.Unlock()
	e.logger.Error("push connection lost, catalog may be stale", zap.Error(err))
}

// handle decodes one inbound event, applies it and journals the outcome.
func (e *Engine) handle(kind catalog.EventKind, payload json.RawMessage) {
	ctx := e.ctx
	entry := journal.Entry{
		SessionID:  e.session,
		Kind:       string(kind),
		Payload:    payload,
		ReceivedAt: time.Now().UTC(),
	}

	ev, err := catalog.DecodeEvent(kind, payload)
	if err != nil {
		e.logger.Warn("dropping malformed event", zap.String("kind", string(kind)), zap.Error(err))
		entry.Outcome = string(catalog.OutcomeDropped)
		entry.Error = err.Error()
		e.append(ctx, entry)
		return
	}
	entry.ListingID = ev.ListingID()

	outcome, err := e.catalog.Apply(ctx, ev)
	entry.Outcome = string(outcome)
	if err != nil {
		e.logger.Warn("event rejected by catalog", zap.String("kind", string(kind)), zap.Error(err))
		entry.Error = err.Error()
	}
	e.append(ctx, entry)
}

// replayed journals the final outcome of an event that was buffered before
// the catalog was seeded. The earlier entry keeps its buffered outcome.
func (e *Engine) replayed(ev catalog.Event, outcome catalog.Outcome) {
	entry := journal.Entry{
		SessionID:  e.session,
		Kind:       string(ev.Kind),
		ListingID:  ev.ListingID(),
		Payload:    eventPayload(ev),
		Outcome:    string(outcome),
		Metadata:   map[string]any{"replayed": true},
		ReceivedAt: time.Now().UTC(),
	}
	e.append(e.ctx, entry)
}

func eventPayload(ev catalog.Event) json.RawMessage {
	var v any
	switch ev.Kind {
	case catalog.EventCreated:
		v = ev.Listing
	case catalog.EventUpdated:
		v = ev.Patch
	default:
		v = ev.ID
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}

func (e *Engine) append(ctx context.Context, entry journal.Entry) {
	if _, err := e.journal.Append(context.WithoutCancel(ctx), entry); err != nil {
		e.logger.Warn("journal append failed", zap.String("kind", entry.Kind), zap.Error(err))
	}
}

// AnnounceCreated asks the hub to broadcast a newly created listing.
func (e *Engine) AnnounceCreated(ctx context.Context, l catalog.Listing) error {
	return e.channel.Publish(ctx, catalog.BroadcastCreated, l)
}

// AnnounceUpdated asks the hub to broadcast a changed listing.
func (e *Engine) AnnounceUpdated(ctx context.Context, l catalog.Listing) error {
	return e.channel.Publish(ctx, catalog.BroadcastUpdated, l)
}

func (e *Engine) AnnounceDeleted(ctx context.Context, id string) error {
	return e.channel.Publish(ctx, catalog.BroadcastDeleted, id)
}

// RemoveLocal drops a listing whose deletion the server already confirmed,
// then tells other clients. The local removal stands even if the broadcast
// fails.
func (e *Engine) RemoveLocal(ctx context.Context, id string) error {
	if _, err := e.catalog.Apply(ctx, catalog.Deleted(id)); err != nil {
		return fmt.Errorf("remove %s: %w", id, err)
	}
	if err := e.AnnounceDeleted(ctx, id); err != nil {
		return fmt.Errorf("broadcast deletion of %s: %w", id, err)
	}
	return nil
}

func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Status{
		Session:        e.session,
		Push:           e.channel.State(),
		Seeded:         e.catalog.Seeded(),
		Listings:       e.catalog.Len(),
		Degraded:       e.lastLoad.Degraded(),
		SourceErrors:   e.lastLoad.SourceErrors,
		Skipped:        e.lastLoad.Skipped,
		LastLoad:       e.loadedAt,
		ConnectionLost: e.lost,
		Reconnects:     e.reconnects,
	}
}

// Close stops the push channel and waits for background resyncs. The
// journal is left open for its owner to close.
func (e *Engine) Close() error {
	e.cancel()
	err := e.channel.Close()
	<-e.channel.Done()
	e.wg.Wait()
	return err
}

// HubRelay is how the marketplace hub answers each broadcast invocation.
// In-process hubs use it to behave like the real one.
var HubRelay = map[string]string{
	catalog.BroadcastCreated: string(catalog.EventCreated),
	catalog.BroadcastUpdated: string(catalog.EventUpdated),
	catalog.BroadcastDeleted: string(catalog.EventDeleted),
}
