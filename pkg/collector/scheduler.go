package collector

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/nemwatch/amber_collector/pkg/pricedb"
	"github.com/nemwatch/amber_collector/pkg/types"
)

// Wait after a failed cycle before trying again.
const errorBackoff = time.Minute

type Scheduler struct {
	collector         *Collector
	store             pricedb.Store
	interval          time.Duration
	forecastRetention time.Duration

	// Shortened in tests.
	backoff time.Duration

	bootstrapped bool
}

func NewScheduler(c *Collector, store pricedb.Store, interval, forecastRetention time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if forecastRetention <= 0 {
		forecastRetention = 7 * 24 * time.Hour
	}
	return &Scheduler{
		collector:         c,
		store:             store,
		interval:          interval,
		forecastRetention: forecastRetention,
		backoff:           errorBackoff,
	}
}

// Run drives collection until ctx is cancelled. The first cycle bootstraps
// (backfill, or a catch-up pass when the store already reaches the historical
// start); every later cycle is incremental. A failed cycle is logged and
// retried after a backoff. Transient API or store errors never end the loop;
// only cancellation does.
func (s *Scheduler) Run(ctx context.Context) {
	log.Infof("Starting collection loop (interval %s)", s.interval)
	for ctx.Err() == nil {
		err := s.runOnce(ctx)
		if ctx.Err() != nil {
			break
		}
		wait := s.interval
		if err != nil {
			log.Errorf("Collection cycle failed: %v (retrying in %s)", err, s.backoff)
			wait = s.backoff
		}
		if !sleepCtx(ctx, wait) {
			break
		}
	}
	log.Info("Collection loop stopped")
}

func (s *Scheduler) runOnce(ctx context.Context) error {
	sites, err := s.collector.SyncSites(ctx)
	if err != nil {
		return err
	}
	if len(sites) == 0 {
		return errors.New("no sites on the account")
	}

	if !s.bootstrapped {
		if err := s.bootstrap(ctx, sites); err != nil {
			return err
		}
	} else {
		s.collector.RunIncremental(ctx, sites)
	}

	s.collector.CollectForecasts(ctx, sites)
	s.collector.CollectRenewables(ctx)

	if n, err := s.store.Prune(ctx, s.forecastRetention); err != nil {
		log.Errorf("Error pruning old data: %v", err)
	} else if n > 0 {
		log.Debugf("Pruned %d expired rows", n)
	}
	return nil
}

// bootstrap decides between a full backfill and an incremental catch-up on
// the first cycle after startup.
func (s *Scheduler) bootstrap(ctx context.Context, sites []types.Site) error {
	initialized := false
	if s.collector.cfg.ForceReinit {
		log.Warn("Force reinit set, running full backfill")
	} else {
		var err error
		initialized, err = s.collector.IsInitialized(ctx, sites)
		if err != nil {
			return fmt.Errorf("checking store initialization: %w", err)
		}
	}

	if initialized {
		log.Info("Store already reaches the historical start, running catch-up pass")
		s.collector.RunIncremental(ctx, sites)
	} else {
		log.Infof("Backfilling from %s", s.collector.cfg.HistoricalStart.Format("2006-01-02"))
		s.collector.Backfill(ctx, sites)
	}
	s.bootstrapped = true
	return nil
}
