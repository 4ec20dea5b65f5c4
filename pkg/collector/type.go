package collector

import (
	"context"
	"time"

	"github.com/nemwatch/amber_collector/pkg/nemutils"
	"github.com/nemwatch/amber_collector/pkg/pricedb"
	"github.com/nemwatch/amber_collector/pkg/types"
)

// PricingSource is the slice of the API client the collector needs.
// Implementations fail with an error on network, auth or non-success
// responses; none of those may crash the process.
type PricingSource interface {
	ListSites(ctx context.Context) ([]types.Site, error)
	FetchPrices(ctx context.Context, siteID string, start, end time.Time) ([]types.PriceInterval, error)
	FetchUsage(ctx context.Context, siteID string, start, end time.Time) ([]types.UsageInterval, error)
	FetchForecasts(ctx context.Context, siteID string, hoursAhead int) ([]types.ForecastInterval, error)
	FetchRenewables(ctx context.Context, state string) ([]types.RenewableReading, error)
}

type Config struct {
	// Date the first backfill reaches back to, in market time.
	HistoricalStart time.Time
	// NEM region for renewables collection.
	State string
	// How far ahead forecast snapshots look.
	ForecastHours int
	// Run a full backfill on the next start even if data looks complete.
	ForceReinit bool
}

type Collector struct {
	store  pricedb.Store
	source PricingSource
	cfg    Config

	// Swapped out in tests.
	nowFn      func() time.Time
	pacing     time.Duration
	retryDelay time.Duration
}

func New(store pricedb.Store, source PricingSource, cfg Config) *Collector {
	if cfg.State == "" {
		cfg.State = "nsw"
	}
	if cfg.ForecastHours <= 0 {
		cfg.ForecastHours = 24
	}
	return &Collector{
		store:      store,
		source:     source,
		cfg:        cfg,
		nowFn:      nemutils.NowMarket,
		pacing:     pacingDelay,
		retryDelay: baseRetryDelay,
	}
}

type dataKind string

const (
	kindPrices dataKind = "prices"
	kindUsage  dataKind = "usage"
)
