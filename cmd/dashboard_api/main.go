// Dashboard API serves collected price data over HTTP and pushes current
// price updates over a websocket. Read-only: it never writes to the store.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/nemwatch/amber_collector/pkg/config"
	"github.com/nemwatch/amber_collector/pkg/dashboard"
	"github.com/nemwatch/amber_collector/pkg/pricedb"
)

func main() {
	// Load config
	if err := config.LoadDashboardAPIConfig(); err != nil {
		log.Fatalf("Failed to load dashboard API config: %v", err)
	}
	cfg := config.ActiveDashboardAPIConfig
	config.InitLogging(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := pricedb.Open(ctx, cfg.DatabaseUrl)
	if err != nil {
		log.Fatalf("Failed to open price store: %v", err)
	}
	defer store.Close()

	srv := dashboard.NewServer(store, cfg.State)
	srv.StartPolling(ctx, 0)

	listener := fmt.Sprintf("%s:%d", cfg.ListenAddress, cfg.ListenPort)
	log.Fatal(srv.Serve(listener))
}
