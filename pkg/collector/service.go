// Package collector implements the incremental collection core. Each pass
// decides what range every site still needs, splits it into API-sized
// chunks, fetches them with pacing and bounded retries, and reconciles the
// results into the store through idempotent upserts.
package collector

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/nemwatch/amber_collector/pkg/types"
)

// SyncSites fetches the site list and upserts it into the store. Sites are
// never deleted here, only added or updated.
func (c *Collector) SyncSites(ctx context.Context) ([]types.Site, error) {
	sites, err := c.source.ListSites(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing sites: %w", err)
	}
	if err := c.store.UpsertSites(ctx, sites); err != nil {
		return nil, fmt.Errorf("storing sites: %w", err)
	}
	log.Infof("Synced %d sites", len(sites))
	return sites, nil
}

// IsInitialized reports whether every tracked site already has price and
// usage data reaching back to the historical start date. When it does, a
// restart only needs an incremental catch-up instead of a backfill.
func (c *Collector) IsInitialized(ctx context.Context, sites []types.Site) (bool, error) {
	if len(sites) == 0 {
		return false, nil
	}
	for _, site := range sites {
		prices, err := c.store.CountPricesSince(ctx, site.ID, c.cfg.HistoricalStart)
		if err != nil {
			return false, fmt.Errorf("counting prices for site %s: %w", site.ID, err)
		}
		usage, err := c.store.CountUsageSince(ctx, site.ID, c.cfg.HistoricalStart)
		if err != nil {
			return false, fmt.Errorf("counting usage for site %s: %w", site.ID, err)
		}
		if prices == 0 || usage == 0 {
			return false, nil
		}
	}
	return true, nil
}

// Backfill collects everything from the historical start date to now for
// every site, prices and usage both.
func (c *Collector) Backfill(ctx context.Context, sites []types.Site) *types.CollectionRun {
	return c.collect(ctx, types.RunBackfill, sites)
}

// RunIncremental collects the gap between each site's stored watermark and
// now.
func (c *Collector) RunIncremental(ctx context.Context, sites []types.Site) *types.CollectionRun {
	return c.collect(ctx, types.RunIncremental, sites)
}

// collect drives one pass over all sites. Failures are isolated per site:
// one bad site or date range is logged and skipped, the rest of the pass
// still runs. The returned run record is also written to the store so
// shortfalls stay visible after the fact.
func (c *Collector) collect(ctx context.Context, runKind string, sites []types.Site) *types.CollectionRun {
	run := &types.CollectionRun{
		ID:         uuid.NewString(),
		Kind:       runKind,
		StartedAt:  c.nowFn(),
		SitesTotal: len(sites),
	}
	if err := c.store.RecordRun(ctx, run); err != nil {
		log.Errorf("Error recording %s run: %v", runKind, err)
	}

	var failures []string
	for _, site := range sites {
		if ctx.Err() != nil {
			break
		}
		written, err := c.collectSite(ctx, site.ID, runKind)
		run.RowsUpserted += written
		if err != nil {
			log.Errorf("Error collecting site %s: %v", site.ID, err)
			failures = append(failures, fmt.Sprintf("%s: %v", site.ID, err))
		}
	}

	run.SitesFailed = len(failures)
	run.Error = strings.Join(failures, "; ")
	run.FinishedAt = c.nowFn()
	if err := c.store.FinishRun(ctx, run); err != nil {
		log.Errorf("Error finishing %s run: %v", runKind, err)
	}
	log.Infof("%s pass done: %d/%d sites ok, %d rows in %s",
		runKind, run.SitesTotal-run.SitesFailed, run.SitesTotal,
		run.RowsUpserted, run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond))
	return run
}

// collectSite runs both data kinds for one site. The first kind that
// exhausts its retries abandons the site for this pass, matching the
// per-site isolation the pass loop expects.
func (c *Collector) collectSite(ctx context.Context, siteID string, runKind string) (int64, error) {
	now := c.nowFn()
	var written int64
	for _, kind := range []dataKind{kindPrices, kindUsage} {
		window, err := c.windowFor(ctx, siteID, kind, runKind, now)
		if err != nil {
			return written, err
		}
		n, err := c.collectRange(ctx, siteID, kind, window.start, window.end)
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

// windowFor derives the fetch window for one site and data kind. Backfills
// always open at the historical start; incremental passes open just past
// the stored watermark.
func (c *Collector) windowFor(ctx context.Context, siteID string, kind dataKind, runKind string, now time.Time) (timeRange, error) {
	if runKind == types.RunBackfill {
		return nextWindow(time.Time{}, false, c.cfg.HistoricalStart, now), nil
	}
	var (
		latest time.Time
		found  bool
		err    error
	)
	switch kind {
	case kindPrices:
		latest, found, err = c.store.LatestPriceTime(ctx, siteID)
	case kindUsage:
		latest, found, err = c.store.LatestUsageTime(ctx, siteID)
	}
	if err != nil {
		return timeRange{}, fmt.Errorf("reading %s watermark: %w", kind, err)
	}
	return nextWindow(latest, found, c.cfg.HistoricalStart, now), nil
}

// collectRange fetches and stores one data kind for one site over
// [start, end), one chunk at a time. On a chunk that fails all its retries
// the remaining chunks are abandoned; the next cycle's watermark-derived
// window covers them again.
func (c *Collector) collectRange(ctx context.Context, siteID string, kind dataKind, start, end time.Time) (int64, error) {
	ranges := chunkRanges(start, end, maxChunkSpan)
	if len(ranges) == 0 {
		return 0, nil
	}
	log.Debugf("Collecting %s for site %s over %s to %s (%d chunks)",
		kind, siteID, start.Format(time.RFC3339), end.Format(time.RFC3339), len(ranges))

	var written int64
	for i, chunk := range ranges {
		var n int64
		err := withRetry(ctx, c.retryDelay, func() error {
			var fetchErr error
			n, fetchErr = c.fetchAndStore(ctx, siteID, kind, chunk)
			return fetchErr
		})
		if err != nil {
			return written, fmt.Errorf("%s chunk %d/%d: %w", kind, i+1, len(ranges), err)
		}
		written += n
		sleepCtx(ctx, c.pacing)
	}
	return written, nil
}

func (c *Collector) fetchAndStore(ctx context.Context, siteID string, kind dataKind, chunk timeRange) (int64, error) {
	switch kind {
	case kindPrices:
		records, err := c.source.FetchPrices(ctx, siteID, chunk.start, chunk.end)
		if err != nil {
			return 0, err
		}
		return c.store.UpsertPrices(ctx, records)
	case kindUsage:
		records, err := c.source.FetchUsage(ctx, siteID, chunk.start, chunk.end)
		if err != nil {
			return 0, err
		}
		return c.store.UpsertUsage(ctx, records)
	}
	return 0, fmt.Errorf("unknown data kind %q", kind)
}

// CollectForecasts snapshots the forward price curve for each site. The
// whole batch shares one generated-at stamp so it can be read back (and
// eventually pruned) as a unit. Failures are logged, never fatal.
func (c *Collector) CollectForecasts(ctx context.Context, sites []types.Site) {
	generatedAt := c.nowFn()
	for _, site := range sites {
		if ctx.Err() != nil {
			return
		}
		intervals, err := c.source.FetchForecasts(ctx, site.ID, c.cfg.ForecastHours)
		if err != nil {
			log.Errorf("Error fetching forecasts for site %s: %v", site.ID, err)
			continue
		}
		batch := make([]types.ForecastInterval, 0, len(intervals))
		for _, f := range intervals {
			// The current-prices endpoint mixes actuals and the current
			// interval into the response; only the forward curve is kept.
			if f.Type != types.IntervalTypeForecast {
				continue
			}
			f.ForecastGeneratedAt = generatedAt
			batch = append(batch, f)
		}
		if len(batch) == 0 {
			continue
		}
		if _, err := c.store.InsertForecasts(ctx, batch); err != nil {
			log.Errorf("Error storing forecasts for site %s: %v", site.ID, err)
		}
		sleepCtx(ctx, c.pacing)
	}
}

// CollectRenewables stores the grid renewables share around now for the
// configured region. Failures are logged, never fatal.
func (c *Collector) CollectRenewables(ctx context.Context) {
	readings, err := c.source.FetchRenewables(ctx, c.cfg.State)
	if err != nil {
		log.Errorf("Error fetching renewables for %s: %v", c.cfg.State, err)
		return
	}
	if _, err := c.store.UpsertRenewables(ctx, readings); err != nil {
		log.Errorf("Error storing renewables: %v", err)
	}
}
