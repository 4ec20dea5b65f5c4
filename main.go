// All-in-one binary: runs the price collector and the dashboard API in a
// single process, for deployments where two services are not worth the
// trouble. The split binaries live under cmd/.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/nemwatch/amber_collector/pkg/amber"
	"github.com/nemwatch/amber_collector/pkg/collector"
	"github.com/nemwatch/amber_collector/pkg/config"
	"github.com/nemwatch/amber_collector/pkg/dashboard"
	"github.com/nemwatch/amber_collector/pkg/pricedb"
)

func main() {
	// Load config
	if err := config.LoadCollectorConfig(); err != nil {
		log.Fatalf("Failed to load collector config: %v", err)
	}
	if err := config.LoadDashboardAPIConfig(); err != nil {
		log.Fatalf("Failed to load dashboard API config: %v", err)
	}
	collectorCfg := config.ActiveCollectorConfig
	apiCfg := config.ActiveDashboardAPIConfig
	config.InitLogging(collectorCfg.LogLevel)

	if err := collectorCfg.Validate(); err != nil {
		log.Fatalf("Invalid collector config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// One store handle for both halves; the collector is the only writer.
	store, err := pricedb.Open(ctx, collectorCfg.DatabaseUrl)
	if err != nil {
		log.Fatalf("Failed to open price store: %v", err)
	}
	defer store.Close()

	historicalStart, _ := collectorCfg.HistoricalStart()
	client := amber.NewClient(collectorCfg.ApiUrl, collectorCfg.ApiKey)
	coll := collector.New(store, client, collector.Config{
		HistoricalStart: historicalStart,
		State:           collectorCfg.State,
		ForecastHours:   collectorCfg.ForecastHours,
		ForceReinit:     collectorCfg.ForceReinit,
	})
	sched := collector.NewScheduler(coll, store, collectorCfg.Interval(), collectorCfg.ForecastRetention())
	go sched.Run(ctx)

	srv := dashboard.NewServer(store, apiCfg.State)
	srv.StartPolling(ctx, 0)

	listener := fmt.Sprintf("%s:%d", apiCfg.ListenAddress, apiCfg.ListenPort)
	log.Fatal(srv.Serve(listener))
}
