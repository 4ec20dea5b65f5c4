// Responsible for collecting price, usage, renewables and forecast data
// from the Amber API and persisting it to the price store. Runs forever;
// only a termination signal or a startup validation failure stops it.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/nemwatch/amber_collector/pkg/amber"
	"github.com/nemwatch/amber_collector/pkg/collector"
	"github.com/nemwatch/amber_collector/pkg/config"
	"github.com/nemwatch/amber_collector/pkg/pricedb"
)

func main() {
	// Load config
	if err := config.LoadCollectorConfig(); err != nil {
		log.Fatalf("Failed to load collector config: %v", err)
	}
	cfg := config.ActiveCollectorConfig
	config.InitLogging(cfg.LogLevel)

	// Missing credentials or a bad start date abort here, before any
	// network call or database write.
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid collector config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := pricedb.Open(ctx, cfg.DatabaseUrl)
	if err != nil {
		log.Fatalf("Failed to open price store: %v", err)
	}
	defer store.Close()

	historicalStart, _ := cfg.HistoricalStart() // checked by Validate
	client := amber.NewClient(cfg.ApiUrl, cfg.ApiKey)
	coll := collector.New(store, client, collector.Config{
		HistoricalStart: historicalStart,
		State:           cfg.State,
		ForecastHours:   cfg.ForecastHours,
		ForceReinit:     cfg.ForceReinit,
	})
	sched := collector.NewScheduler(coll, store, cfg.Interval(), cfg.ForecastRetention())

	sched.Run(ctx)
	log.Info("Shutdown complete")
}
