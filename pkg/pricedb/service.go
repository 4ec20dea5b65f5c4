// PriceDB holds everything collected from the pricing API.
// It should only be written to by price_collector
// but can be read by any service.
// Both the SQLite and the PostgreSQL implementation satisfy Store; the
// connection string decides which one a process gets.
package pricedb

import (
	"context"
	"strings"
	"time"

	"github.com/nemwatch/amber_collector/pkg/pathing"
	"github.com/nemwatch/amber_collector/pkg/types"
)

type Store interface {
	// Write side (collector only). Upserts are keyed on the natural key of
	// each table and overwrite value fields; re-running a window is safe.
	UpsertSites(ctx context.Context, sites []types.Site) error
	UpsertPrices(ctx context.Context, intervals []types.PriceInterval) (int64, error)
	UpsertUsage(ctx context.Context, intervals []types.UsageInterval) (int64, error)
	InsertForecasts(ctx context.Context, intervals []types.ForecastInterval) (int64, error)
	UpsertRenewables(ctx context.Context, readings []types.RenewableReading) (int64, error)
	RecordRun(ctx context.Context, run *types.CollectionRun) error
	FinishRun(ctx context.Context, run *types.CollectionRun) error
	Prune(ctx context.Context, forecastRetention time.Duration) (int64, error)

	// Watermarks and bootstrap checks.
	LatestPriceTime(ctx context.Context, siteID string) (time.Time, bool, error)
	LatestUsageTime(ctx context.Context, siteID string) (time.Time, bool, error)
	CountPricesSince(ctx context.Context, siteID string, since time.Time) (int64, error)
	CountUsageSince(ctx context.Context, siteID string, since time.Time) (int64, error)

	// Read side (dashboard).
	Sites(ctx context.Context) ([]types.Site, error)
	CurrentPrices(ctx context.Context, siteID string) ([]types.PriceInterval, error)
	PricesForDay(ctx context.Context, siteID string, day time.Time) ([]types.PriceInterval, error)
	UsageSince(ctx context.Context, siteID string, since time.Time) ([]types.UsageInterval, error)
	CostSummary(ctx context.Context, siteID string, since time.Time) (types.CostSummary, error)
	LatestForecasts(ctx context.Context, siteID string) ([]types.ForecastInterval, error)
	LatestRenewables(ctx context.Context, state string) (types.RenewableReading, bool, error)
	RecentRuns(ctx context.Context, limit int) ([]types.CollectionRun, error)

	Close() error
}

// Open connects to the store selected by databaseURL. A postgres scheme gets
// the PostgreSQL backend; anything else is treated as a SQLite file path.
// An empty URL falls back to the default data-dir location.
func Open(ctx context.Context, databaseURL string) (Store, error) {
	if databaseURL == "" {
		databaseURL = pathing.GetPriceDbPath()
	}
	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		return OpenPostgres(ctx, databaseURL)
	}
	return OpenSqlite(databaseURL)
}
