package pricedb

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nemwatch/amber_collector/pkg/nemutils"
	"github.com/nemwatch/amber_collector/pkg/types"
)

func newTestStore(t *testing.T) *SqliteStore {
	t.Helper()
	store, err := OpenSqlite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func mkt(year int, month time.Month, day, hour, min int) time.Time {
	return time.Date(year, month, day, hour, min, 0, 0, nemutils.MarketLocation())
}

func price(siteID string, ts time.Time, channel types.ChannelType, perKwh float64) types.PriceInterval {
	return types.PriceInterval{
		Type:        types.IntervalTypeActual,
		Duration:    30,
		NemTime:     ts,
		StartTime:   ts.Add(-30 * time.Minute),
		EndTime:     ts,
		PerKwh:      perKwh,
		SpotPerKwh:  perKwh / 3,
		Renewables:  38.2,
		ChannelType: channel,
		Descriptor:  "neutral",
		SpikeStatus: "none",
		SiteID:      siteID,
	}
}

func usage(siteID string, ts time.Time, channelID string, kwh, cost float64) types.UsageInterval {
	return types.UsageInterval{
		Type:        types.IntervalTypeActual,
		Duration:    30,
		NemTime:     ts,
		StartTime:   ts.Add(-30 * time.Minute),
		EndTime:     ts,
		ChannelType: types.ChannelGeneral,
		ChannelID:   channelID,
		Kwh:         kwh,
		Cost:        cost,
		Quality:     "billable",
		SiteID:      siteID,
	}
}

func TestOpenPicksSqliteForPlainPaths(t *testing.T) {
	store, err := Open(context.Background(), t.TempDir()+"/prices.db")
	require.NoError(t, err)
	defer store.Close()

	_, ok := store.(*SqliteStore)
	assert.True(t, ok)
}

func TestUpsertSites(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.UpsertSites(ctx, []types.Site{
		{ID: "site-b", Nmi: "41030000002"},
		{ID: "site-a", Nmi: "41030000001"},
	})
	require.NoError(t, err)

	// Same id again with a new nmi updates in place.
	err = store.UpsertSites(ctx, []types.Site{{ID: "site-a", Nmi: "41039999999"}})
	require.NoError(t, err)

	sites, err := store.Sites(ctx)
	require.NoError(t, err)
	require.Len(t, sites, 2)
	assert.Equal(t, "site-a", sites[0].ID)
	assert.Equal(t, "41039999999", sites[0].Nmi)
	assert.Equal(t, "site-b", sites[1].ID)
}

func TestUpsertPricesReplaysWithoutDuplicates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ts := mkt(2024, 1, 5, 10, 0)

	n, err := store.UpsertPrices(ctx, []types.PriceInterval{
		price("site-a", ts, types.ChannelGeneral, 25.0),
		price("site-a", ts, types.ChannelFeedIn, -2.0),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// Replaying the same interval with revised values keeps one row per
	// channel and overwrites the value fields.
	_, err = store.UpsertPrices(ctx, []types.PriceInterval{
		price("site-a", ts, types.ChannelGeneral, 99.9),
	})
	require.NoError(t, err)

	count, err := store.CountPricesSince(ctx, "site-a", mkt(2024, 1, 1, 0, 0))
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	current, err := store.CurrentPrices(ctx, "site-a")
	require.NoError(t, err)
	require.Len(t, current, 2)
	// Ordered by channel type; feedIn sorts before general.
	assert.Equal(t, types.ChannelFeedIn, current[0].ChannelType)
	assert.Equal(t, types.ChannelGeneral, current[1].ChannelType)
	assert.Equal(t, 99.9, current[1].PerKwh)
}

func TestLatestTimesStartEmpty(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, found, err := store.LatestPriceTime(ctx, "site-a")
	require.NoError(t, err)
	assert.False(t, found)
	_, found, err = store.LatestUsageTime(ctx, "site-a")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestLatestTimesTrackNewestRow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	older := mkt(2024, 1, 5, 10, 0)
	newer := mkt(2024, 1, 5, 12, 30)
	_, err := store.UpsertPrices(ctx, []types.PriceInterval{
		price("site-a", newer, types.ChannelGeneral, 25),
		price("site-a", older, types.ChannelGeneral, 20),
		price("site-b", newer.Add(time.Hour), types.ChannelGeneral, 30),
	})
	require.NoError(t, err)
	_, err = store.UpsertUsage(ctx, []types.UsageInterval{
		usage("site-a", older, "E1", 0.5, 10),
	})
	require.NoError(t, err)

	latest, found, err := store.LatestPriceTime(ctx, "site-a")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, latest.Equal(newer), "site-b rows must not leak into site-a's watermark")

	latest, found, err = store.LatestUsageTime(ctx, "site-a")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, latest.Equal(older))
}

func TestCountSinceIsInclusive(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	at := mkt(2024, 1, 5, 1, 0)
	_, err := store.UpsertPrices(ctx, []types.PriceInterval{
		price("site-a", at.Add(-30*time.Minute), types.ChannelGeneral, 20),
		price("site-a", at, types.ChannelGeneral, 25),
	})
	require.NoError(t, err)

	n, err := store.CountPricesSince(ctx, "site-a", at)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "a row exactly at the boundary counts")
}

func TestPricesForDayStopsAtMidnight(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.UpsertPrices(ctx, []types.PriceInterval{
		price("site-a", mkt(2024, 1, 5, 0, 0), types.ChannelGeneral, 18),
		price("site-a", mkt(2024, 1, 5, 12, 0), types.ChannelGeneral, 25),
		price("site-a", mkt(2024, 1, 6, 0, 0), types.ChannelGeneral, 30),
	})
	require.NoError(t, err)

	day, err := store.PricesForDay(ctx, "site-a", mkt(2024, 1, 5, 15, 45))
	require.NoError(t, err)
	require.Len(t, day, 2)
	assert.True(t, day[0].NemTime.Equal(mkt(2024, 1, 5, 0, 0)))
	assert.True(t, day[1].NemTime.Equal(mkt(2024, 1, 5, 12, 0)))
}

func TestUsageRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ts := mkt(2024, 1, 5, 10, 30)

	_, err := store.UpsertUsage(ctx, []types.UsageInterval{
		usage("site-a", ts, "E1", 0.75, 18.4),
	})
	require.NoError(t, err)

	got, err := store.UsageSince(ctx, "site-a", mkt(2024, 1, 5, 0, 0))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].NemTime.Equal(ts))
	assert.True(t, got[0].StartTime.Equal(ts.Add(-30*time.Minute)))
	assert.Equal(t, "E1", got[0].ChannelID)
	assert.Equal(t, 0.75, got[0].Kwh)
	assert.Equal(t, 18.4, got[0].Cost)
	assert.Equal(t, "billable", got[0].Quality)
}

func TestCostSummarySplitsImportAndExport(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := mkt(2024, 1, 5, 10, 0)

	_, err := store.UpsertUsage(ctx, []types.UsageInterval{
		usage("site-a", base, "E1", 0.5, 10),
		usage("site-a", base.Add(30*time.Minute), "E1", 1.0, 20),
		// Export: negative kwh earns money, so negative cost.
		usage("site-a", base.Add(60*time.Minute), "B1", -0.25, -5),
	})
	require.NoError(t, err)

	summary, err := store.CostSummary(ctx, "site-a", mkt(2024, 1, 1, 0, 0))
	require.NoError(t, err)
	assert.Equal(t, "site-a", summary.SiteID)
	assert.InDelta(t, 1.5, summary.ImportKwh, 1e-9)
	assert.InDelta(t, 0.25, summary.ExportKwh, 1e-9)
	assert.InDelta(t, 30, summary.ImportCostCents, 1e-9)
	assert.InDelta(t, 5, summary.ExportEarnCents, 1e-9)
	assert.InDelta(t, 25, summary.NetCostCents, 1e-9)
	assert.InDelta(t, 0.25, summary.NetCostDollars, 1e-9)
	assert.Equal(t, int64(3), summary.IntervalCount)
}

func TestCostSummaryEmptyStore(t *testing.T) {
	store := newTestStore(t)

	summary, err := store.CostSummary(context.Background(), "site-a", mkt(2024, 1, 1, 0, 0))
	require.NoError(t, err)
	assert.Zero(t, summary.ImportKwh)
	assert.Zero(t, summary.NetCostCents)
	assert.Zero(t, summary.IntervalCount)
}

func forecast(siteID string, ts, generatedAt time.Time, perKwh float64, adv *types.AdvancedPrice) types.ForecastInterval {
	return types.ForecastInterval{
		PriceInterval: types.PriceInterval{
			Type:          types.IntervalTypeForecast,
			NemTime:       ts,
			PerKwh:        perKwh,
			ChannelType:   types.ChannelGeneral,
			Descriptor:    "neutral",
			AdvancedPrice: adv,
			SiteID:        siteID,
		},
		ForecastGeneratedAt: generatedAt,
	}
}

func TestLatestForecastsReturnsNewestBatch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := mkt(2024, 1, 5, 10, 0)
	older := mkt(2024, 1, 5, 9, 0)
	newer := mkt(2024, 1, 5, 9, 30)

	_, err := store.InsertForecasts(ctx, []types.ForecastInterval{
		forecast("site-a", base, older, 20, nil),
		forecast("site-a", base.Add(30*time.Minute), older, 21, nil),
	})
	require.NoError(t, err)
	_, err = store.InsertForecasts(ctx, []types.ForecastInterval{
		forecast("site-a", base, newer, 23, &types.AdvancedPrice{Low: 19, Predicted: 23, High: 30}),
		forecast("site-a", base.Add(30*time.Minute), newer, 24, nil),
		forecast("site-a", base.Add(60*time.Minute), newer, 26, nil),
	})
	require.NoError(t, err)

	got, err := store.LatestForecasts(ctx, "site-a")
	require.NoError(t, err)
	require.Len(t, got, 3, "only the newest snapshot comes back")
	for _, f := range got {
		assert.True(t, f.ForecastGeneratedAt.Equal(newer))
		assert.Equal(t, types.IntervalTypeForecast, f.Type)
	}
	require.NotNil(t, got[0].AdvancedPrice)
	assert.Equal(t, 30.0, got[0].AdvancedPrice.High)
	assert.Nil(t, got[1].AdvancedPrice)
}

func TestLatestForecastsEmpty(t *testing.T) {
	store := newTestStore(t)

	got, err := store.LatestForecasts(context.Background(), "site-a")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLatestRenewablesIgnoresForecastRows(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := mkt(2024, 1, 5, 10, 0)

	_, found, err := store.LatestRenewables(ctx, "nsw")
	require.NoError(t, err)
	assert.False(t, found)

	_, err = store.UpsertRenewables(ctx, []types.RenewableReading{
		{State: "nsw", NemTime: base.Add(-30 * time.Minute), Renewables: 40.1, Period: types.RenewablePeriodActual},
		{State: "nsw", NemTime: base, Renewables: 43.5, Period: types.RenewablePeriodActual},
		{State: "nsw", NemTime: base.Add(30 * time.Minute), Renewables: 50.0, Period: types.RenewablePeriodForecast},
		{State: "vic", NemTime: base, Renewables: 61.0, Period: types.RenewablePeriodActual},
	})
	require.NoError(t, err)

	reading, found, err := store.LatestRenewables(ctx, "nsw")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 43.5, reading.Renewables, "the newer forecast row must not win")
	assert.True(t, reading.NemTime.Equal(base))
}

func TestUpsertRenewablesOverwritesOnConflict(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	at := mkt(2024, 1, 5, 10, 0)

	_, err := store.UpsertRenewables(ctx, []types.RenewableReading{
		{State: "nsw", NemTime: at, Renewables: 40.0, Period: types.RenewablePeriodForecast},
	})
	require.NoError(t, err)
	// The interval passes and the forecast row becomes an actual.
	_, err = store.UpsertRenewables(ctx, []types.RenewableReading{
		{State: "nsw", NemTime: at, Renewables: 42.7, Period: types.RenewablePeriodActual},
	})
	require.NoError(t, err)

	reading, found, err := store.LatestRenewables(ctx, "nsw")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 42.7, reading.Renewables)
}

func TestRunLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	run := &types.CollectionRun{
		ID:         "run-1",
		Kind:       types.RunBackfill,
		StartedAt:  mkt(2024, 1, 5, 10, 0),
		SitesTotal: 2,
	}
	require.NoError(t, store.RecordRun(ctx, run))

	runs, err := store.RecentRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.True(t, runs[0].FinishedAt.IsZero(), "unfinished run has no finish time")

	run.FinishedAt = mkt(2024, 1, 5, 10, 4)
	run.SitesFailed = 1
	run.RowsUpserted = 960
	run.Error = "site-b: prices chunk 2/2: upstream returned 500"
	require.NoError(t, store.FinishRun(ctx, run))

	runs, err = store.RecentRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-1", runs[0].ID)
	assert.Equal(t, types.RunBackfill, runs[0].Kind)
	assert.True(t, runs[0].FinishedAt.Equal(run.FinishedAt))
	assert.Equal(t, 1, runs[0].SitesFailed)
	assert.Equal(t, int64(960), runs[0].RowsUpserted)
	assert.Contains(t, runs[0].Error, "site-b")
}

func TestRecentRunsNewestFirstWithLimit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i, id := range []string{"run-1", "run-2", "run-3"} {
		err := store.RecordRun(ctx, &types.CollectionRun{
			ID:        id,
			Kind:      types.RunIncremental,
			StartedAt: mkt(2024, 1, 5, 10+i, 0),
		})
		require.NoError(t, err)
	}

	runs, err := store.RecentRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-3", runs[0].ID)
	assert.Equal(t, "run-2", runs[1].ID)
}

func TestPruneDropsOldForecastsAndRuns(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	// Stored timestamps carry second precision.
	now := nemutils.NowMarket().Truncate(time.Second)
	stale := now.AddDate(0, -2, 0)

	_, err := store.InsertForecasts(ctx, []types.ForecastInterval{
		forecast("site-a", stale.Add(30*time.Minute), stale, 20, nil),
		forecast("site-a", now.Add(30*time.Minute), now, 25, nil),
	})
	require.NoError(t, err)
	require.NoError(t, store.RecordRun(ctx, &types.CollectionRun{
		ID: "old-run", Kind: types.RunIncremental, StartedAt: stale,
	}))
	require.NoError(t, store.RecordRun(ctx, &types.CollectionRun{
		ID: "new-run", Kind: types.RunIncremental, StartedAt: now,
	}))

	pruned, err := store.Prune(ctx, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), pruned)

	forecasts, err := store.LatestForecasts(ctx, "site-a")
	require.NoError(t, err)
	require.Len(t, forecasts, 1)
	assert.True(t, forecasts[0].ForecastGeneratedAt.Equal(now))

	runs, err := store.RecentRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "new-run", runs[0].ID)
}
