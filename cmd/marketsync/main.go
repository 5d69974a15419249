// cmd/marketsync/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"marketsync/internal/api"
	"marketsync/internal/auction"
	"marketsync/internal/bidding"
	"marketsync/internal/clients"
	"marketsync/internal/config"
	"marketsync/internal/engine"
	"marketsync/internal/feed"
	"marketsync/internal/journal"
	"marketsync/internal/platform/logger"
	"marketsync/internal/platform/tracer"
	"marketsync/internal/push"
)

func main() {
	cfg := config.MustLoad()

	appLogger, err := logger.New(logger.Config{
		Level:      cfg.Logger.Level,
		Encoding:   cfg.Logger.Encoding,
		TimeFormat: cfg.Logger.TimeFormat,
	})
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer appLogger.Sync()

	if err := run(cfg, appLogger); err != nil {
		appLogger.Fatal("marketsync stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := tracer.Init(ctx, logger, cfg.Tracing.Endpoint, cfg.Tracing.ServiceName)
	if err != nil {
		return err
	}
	defer shutdownTracer(context.Background())

	j, err := openJournal(ctx, cfg)
	if err != nil {
		return err
	}
	defer j.Close()

	sourceCfgs, err := cfg.FeedSources()
	if err != nil {
		return err
	}
	sources := make([]feed.Source, 0, len(sourceCfgs))
	for _, sc := range sourceCfgs {
		sources = append(sources, clients.NewSourceClient(logger, sc.Name, sc.URL,
			clients.WithRetries(uint64(cfg.Feed.Retries), cfg.Feed.RetryDelay),
		))
	}
	aggregator := feed.NewAggregator(logger, sources, feed.WithTimeout(cfg.Feed.Timeout))

	transport, err := newTransport(cfg, logger)
	if err != nil {
		return err
	}
	schedule, err := push.ParseSchedule(cfg.Push.Schedule)
	if err != nil {
		return err
	}
	engineOpts := []engine.Option{
		engine.WithSchedule(schedule),
		engine.WithCeilingAlert(cfg.Push.CeilingAlertAfter),
		engine.WithResyncOnReconnect(cfg.Push.ResyncOnReconnect),
	}
	if cfg.Push.PublishRate > 0 {
		engineOpts = append(engineOpts, engine.WithPublishLimiter(rate.NewLimiter(rate.Limit(cfg.Push.PublishRate), 1)))
	}
	eng := engine.New(logger, aggregator, transport, j, engineOpts...)
	defer eng.Close()

	if err := eng.Start(ctx); err != nil {
		if !errors.Is(err, feed.ErrAllSourcesUnavailable) {
			return err
		}
		logger.Error("starting with an empty catalog", zap.Error(err))
	}

	var limiter *rate.Limiter
	if cfg.Bids.RatePerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.Bids.RatePerMinute)), cfg.Bids.RatePerMinute)
	}
	bidClient := clients.NewBidClient(cfg.Bids.BaseURL, &http.Client{Timeout: 15 * time.Second}, limiter)
	bids := bidding.NewService(logger, eng.Catalog(), bidClient,
		bidding.WithConfirmTimeout(cfg.Bids.ConfirmTimeout),
		bidding.WithBidderID(cfg.Bids.BidderID),
	)

	handler := api.NewHandler(logger, eng.Catalog(), bids, eng, j, auction.SystemClock{})
	server := &http.Server{
		Addr:              ":" + cfg.HTTP.Port,
		Handler:           api.NewRouter(handler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting HTTP server", zap.String("address", server.Addr), zap.String("env", cfg.Env))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func openJournal(ctx context.Context, cfg *config.Config) (journal.Journal, error) {
	if cfg.Journal.DatabaseURL == "" {
		return journal.NewMemoryJournal(cfg.Journal.Capacity), nil
	}
	return journal.Open(ctx, cfg.Journal.DatabaseURL)
}

func newTransport(cfg *config.Config, logger *zap.Logger) (push.Transport, error) {
	switch cfg.Push.Transport {
	case "websocket":
		return push.NewWebSocketTransport(cfg.Push.HubURL), nil
	case "nats":
		return push.NewNATSTransport(logger, cfg.Push.NATSURL, cfg.Push.SubjectPrefix), nil
	case "memory":
		return push.NewMemoryHub(engine.HubRelay), nil
	default:
		return nil, fmt.Errorf("unknown push transport %q", cfg.Push.Transport)
	}
}
