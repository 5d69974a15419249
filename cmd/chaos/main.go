// cmd/chaos/main.go
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"time"

	"go.uber.org/zap"

	"marketsync/internal/chaos"
	"marketsync/internal/platform/logger"
)

func main() {
	listings := flag.Int("listings", 50, "listings in each rig")
	events := flag.Int("events", 200, "mutations per experiment")
	duration := flag.Duration("duration", 10*time.Second, "observation window per experiment")
	pause := flag.Duration("pause", 5*time.Second, "pause between experiments")
	seed := flag.Uint64("seed", uint64(time.Now().UnixNano()), "random seed")
	report := flag.String("report", "", "write results as JSON to this file")
	flag.Parse()

	appLogger, err := logger.New(logger.Config{Level: os.Getenv("LOG_LEVEL"), Encoding: "console"})
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer appLogger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	engine := chaos.NewEngine(appLogger, chaos.WithPause(*pause), chaos.WithSampleInterval(250*time.Millisecond))
	engine.RegisterExperiments(chaos.Settings{
		Rig:      chaos.RigConfig{Listings: *listings, Seed: *seed},
		Events:   *events,
		Duration: *duration,
	})

	gameDay := chaos.GameDay{
		Name:      "Catalog Sync Game Day",
		Date:      time.Now(),
		Scenarios: engine.Experiments(),
	}

	results, runErr := engine.ExecuteGameDay(ctx, gameDay)
	if *report != "" {
		data, err := json.MarshalIndent(results, "", "  ")
		if err == nil {
			err = os.WriteFile(*report, data, 0o644)
		}
		if err != nil {
			appLogger.Error("failed to write report", zap.String("path", *report), zap.Error(err))
		}
	}
	if runErr != nil {
		appLogger.Fatal("Chaos Game Day failed", zap.Uint64("seed", *seed), zap.Error(runErr))
	}
	appLogger.Info("all hypotheses held", zap.Int("experiments", len(results)), zap.Uint64("seed", *seed))
}
