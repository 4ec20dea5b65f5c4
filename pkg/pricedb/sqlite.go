package pricedb

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/NotCoffee418/dbmigrator"
	log "github.com/sirupsen/logrus"

	"github.com/nemwatch/amber_collector/pkg/nemutils"
	"github.com/nemwatch/amber_collector/pkg/types"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

type SqliteStore struct {
	db *sql.DB
}

var _ Store = (*SqliteStore)(nil)

func OpenSqlite(path string) (*SqliteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// One connection: the collector is the only writer, and an in-memory
	// db would otherwise be a different db per connection.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to sqlite db: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000;"); err != nil {
		log.Warnf("Could not set busy_timeout: %v", err)
	}

	// Apply migrations
	dbmigrator.SetDatabaseType(dbmigrator.SQLite)
	<-dbmigrator.MigrateUpCh(
		db,
		migrationFS,
		"migrations",
	)

	return &SqliteStore{db: db}, nil
}

func (s *SqliteStore) Close() error {
	return s.db.Close()
}

func (s *SqliteStore) UpsertSites(ctx context.Context, sites []types.Site) error {
	for _, site := range sites {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO sites (id, nmi) VALUES (?, ?)
			ON CONFLICT (id) DO UPDATE SET nmi = excluded.nmi`,
			site.ID, site.Nmi,
		)
		if err != nil {
			return fmt.Errorf("upserting site %s: %w", site.ID, err)
		}
	}
	return nil
}

func (s *SqliteStore) UpsertPrices(ctx context.Context, intervals []types.PriceInterval) (int64, error) {
	if len(intervals) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning price upsert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO price_data
			(site_id, nem_time, channel_type, per_kwh, spot_per_kwh, renewables,
			 descriptor, spike_status, estimate, start_time, end_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (site_id, nem_time, channel_type) DO UPDATE SET
			per_kwh = excluded.per_kwh,
			spot_per_kwh = excluded.spot_per_kwh,
			renewables = excluded.renewables,
			descriptor = excluded.descriptor,
			spike_status = excluded.spike_status,
			estimate = excluded.estimate,
			start_time = excluded.start_time,
			end_time = excluded.end_time`)
	if err != nil {
		return 0, fmt.Errorf("preparing price upsert: %w", err)
	}
	defer stmt.Close()

	for _, p := range intervals {
		_, err := stmt.ExecContext(ctx,
			p.SiteID,
			nemutils.FormatDbTime(p.NemTime),
			string(p.ChannelType),
			p.PerKwh,
			p.SpotPerKwh,
			p.Renewables,
			p.Descriptor,
			p.SpikeStatus,
			p.Estimate,
			nemutils.FormatDbTime(p.StartTime),
			nemutils.FormatDbTime(p.EndTime),
		)
		if err != nil {
			return 0, fmt.Errorf("upserting price row: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing price upsert: %w", err)
	}
	return int64(len(intervals)), nil
}

func (s *SqliteStore) UpsertUsage(ctx context.Context, intervals []types.UsageInterval) (int64, error) {
	if len(intervals) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning usage upsert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO usage_data
			(site_id, nem_time, channel_id, channel_type, kwh, cost,
			 quality, descriptor, start_time, end_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (site_id, nem_time, channel_id) DO UPDATE SET
			channel_type = excluded.channel_type,
			kwh = excluded.kwh,
			cost = excluded.cost,
			quality = excluded.quality,
			descriptor = excluded.descriptor,
			start_time = excluded.start_time,
			end_time = excluded.end_time`)
	if err != nil {
		return 0, fmt.Errorf("preparing usage upsert: %w", err)
	}
	defer stmt.Close()

	for _, u := range intervals {
		_, err := stmt.ExecContext(ctx,
			u.SiteID,
			nemutils.FormatDbTime(u.NemTime),
			u.ChannelID,
			string(u.ChannelType),
			u.Kwh,
			u.Cost,
			u.Quality,
			u.Descriptor,
			nemutils.FormatDbTime(u.StartTime),
			nemutils.FormatDbTime(u.EndTime),
		)
		if err != nil {
			return 0, fmt.Errorf("upserting usage row: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing usage upsert: %w", err)
	}
	return int64(len(intervals)), nil
}

func (s *SqliteStore) InsertForecasts(ctx context.Context, intervals []types.ForecastInterval) (int64, error) {
	if len(intervals) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning forecast insert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO price_forecasts
			(site_id, nem_time, channel_type, forecast_generated_at,
			 per_kwh, spot_per_kwh, renewables, descriptor, spike_status,
			 advanced_price_low, advanced_price_predicted, advanced_price_high)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (site_id, nem_time, channel_type, forecast_generated_at) DO UPDATE SET
			per_kwh = excluded.per_kwh,
			spot_per_kwh = excluded.spot_per_kwh,
			renewables = excluded.renewables,
			descriptor = excluded.descriptor,
			spike_status = excluded.spike_status,
			advanced_price_low = excluded.advanced_price_low,
			advanced_price_predicted = excluded.advanced_price_predicted,
			advanced_price_high = excluded.advanced_price_high`)
	if err != nil {
		return 0, fmt.Errorf("preparing forecast insert: %w", err)
	}
	defer stmt.Close()

	for _, f := range intervals {
		var low, predicted, high sql.NullFloat64
		if f.AdvancedPrice != nil {
			low = sql.NullFloat64{Float64: f.AdvancedPrice.Low, Valid: true}
			predicted = sql.NullFloat64{Float64: f.AdvancedPrice.Predicted, Valid: true}
			high = sql.NullFloat64{Float64: f.AdvancedPrice.High, Valid: true}
		}
		_, err := stmt.ExecContext(ctx,
			f.SiteID,
			nemutils.FormatDbTime(f.NemTime),
			string(f.ChannelType),
			nemutils.FormatDbTime(f.ForecastGeneratedAt),
			f.PerKwh,
			f.SpotPerKwh,
			f.Renewables,
			f.Descriptor,
			f.SpikeStatus,
			low,
			predicted,
			high,
		)
		if err != nil {
			return 0, fmt.Errorf("inserting forecast row: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing forecast insert: %w", err)
	}
	return int64(len(intervals)), nil
}

func (s *SqliteStore) UpsertRenewables(ctx context.Context, readings []types.RenewableReading) (int64, error) {
	if len(readings) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning renewables upsert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO renewables_data (state, nem_time, renewables, period)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (state, nem_time) DO UPDATE SET
			renewables = excluded.renewables,
			period = excluded.period`)
	if err != nil {
		return 0, fmt.Errorf("preparing renewables upsert: %w", err)
	}
	defer stmt.Close()

	for _, r := range readings {
		_, err := stmt.ExecContext(ctx,
			r.State,
			nemutils.FormatDbTime(r.NemTime),
			r.Renewables,
			r.Period,
		)
		if err != nil {
			return 0, fmt.Errorf("upserting renewables row: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing renewables upsert: %w", err)
	}
	return int64(len(readings)), nil
}

func (s *SqliteStore) RecordRun(ctx context.Context, run *types.CollectionRun) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO collection_runs (id, kind, started_at, sites_total)
		VALUES (?, ?, ?, ?)`,
		run.ID, run.Kind, nemutils.FormatDbTime(run.StartedAt), run.SitesTotal,
	)
	if err != nil {
		return fmt.Errorf("recording run: %w", err)
	}
	return nil
}

func (s *SqliteStore) FinishRun(ctx context.Context, run *types.CollectionRun) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE collection_runs
		SET finished_at = ?, sites_total = ?, sites_failed = ?, rows_upserted = ?, error = ?
		WHERE id = ?`,
		nemutils.FormatDbTime(run.FinishedAt), run.SitesTotal, run.SitesFailed,
		run.RowsUpserted, run.Error, run.ID,
	)
	if err != nil {
		return fmt.Errorf("finishing run: %w", err)
	}
	return nil
}

// Prune drops forecast snapshots and run records older than the retention
// window. Interval data is never pruned.
func (s *SqliteStore) Prune(ctx context.Context, forecastRetention time.Duration) (int64, error) {
	cutoff := nemutils.FormatDbTime(nemutils.NowMarket().Add(-forecastRetention))

	var total int64
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM price_forecasts WHERE forecast_generated_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning forecasts: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		total += n
	}

	res, err = s.db.ExecContext(ctx,
		"DELETE FROM collection_runs WHERE started_at < ?", cutoff)
	if err != nil {
		return total, fmt.Errorf("pruning runs: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		total += n
	}
	return total, nil
}

func (s *SqliteStore) LatestPriceTime(ctx context.Context, siteID string) (time.Time, bool, error) {
	return s.latestTime(ctx,
		"SELECT MAX(nem_time) FROM price_data WHERE site_id = ?", siteID)
}

func (s *SqliteStore) LatestUsageTime(ctx context.Context, siteID string) (time.Time, bool, error) {
	return s.latestTime(ctx,
		"SELECT MAX(nem_time) FROM usage_data WHERE site_id = ?", siteID)
}

// latestTime runs a MAX(nem_time) query. The stored form sorts lexically in
// chronological order, so MAX is the watermark.
func (s *SqliteStore) latestTime(ctx context.Context, query string, args ...any) (time.Time, bool, error) {
	var raw sql.NullString
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&raw); err != nil {
		return time.Time{}, false, fmt.Errorf("querying watermark: %w", err)
	}
	if !raw.Valid || raw.String == "" {
		return time.Time{}, false, nil
	}
	t, err := nemutils.ParseTimestamp(raw.String)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parsing watermark: %w", err)
	}
	return t, true, nil
}

func (s *SqliteStore) CountPricesSince(ctx context.Context, siteID string, since time.Time) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM price_data WHERE site_id = ? AND nem_time >= ?",
		siteID, nemutils.FormatDbTime(since),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting prices: %w", err)
	}
	return n, nil
}

func (s *SqliteStore) CountUsageSince(ctx context.Context, siteID string, since time.Time) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM usage_data WHERE site_id = ? AND nem_time >= ?",
		siteID, nemutils.FormatDbTime(since),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting usage: %w", err)
	}
	return n, nil
}

func (s *SqliteStore) Sites(ctx context.Context) ([]types.Site, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, nmi FROM sites ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("querying sites: %w", err)
	}
	defer rows.Close()

	var sites []types.Site
	for rows.Next() {
		var site types.Site
		if err := rows.Scan(&site.ID, &site.Nmi); err != nil {
			return nil, fmt.Errorf("scanning site: %w", err)
		}
		sites = append(sites, site)
	}
	return sites, rows.Err()
}

const priceColumns = `site_id, nem_time, channel_type, per_kwh, spot_per_kwh,
	renewables, descriptor, spike_status, estimate, start_time, end_time`

// CurrentPrices returns the most recently stored interval for each channel.
func (s *SqliteStore) CurrentPrices(ctx context.Context, siteID string) ([]types.PriceInterval, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+priceColumns+` FROM price_data
		WHERE site_id = ? AND nem_time = (
			SELECT MAX(nem_time) FROM price_data WHERE site_id = ?
		)
		ORDER BY channel_type`,
		siteID, siteID)
	if err != nil {
		return nil, fmt.Errorf("querying current prices: %w", err)
	}
	defer rows.Close()
	return scanPriceRows(rows)
}

// PricesForDay returns all stored intervals for the market-local day
// containing the given time.
func (s *SqliteStore) PricesForDay(ctx context.Context, siteID string, day time.Time) ([]types.PriceInterval, error) {
	local := nemutils.ToMarketTime(day)
	dayStart := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, local.Location())
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+priceColumns+` FROM price_data
		WHERE site_id = ? AND nem_time >= ? AND nem_time < ?
		ORDER BY nem_time, channel_type`,
		siteID,
		nemutils.FormatDbTime(dayStart),
		nemutils.FormatDbTime(dayStart.Add(24*time.Hour)),
	)
	if err != nil {
		return nil, fmt.Errorf("querying day prices: %w", err)
	}
	defer rows.Close()
	return scanPriceRows(rows)
}

func (s *SqliteStore) UsageSince(ctx context.Context, siteID string, since time.Time) ([]types.UsageInterval, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT site_id, nem_time, channel_id, channel_type, kwh, cost,
			quality, descriptor, start_time, end_time
		FROM usage_data
		WHERE site_id = ? AND nem_time >= ?
		ORDER BY nem_time, channel_id`,
		siteID, nemutils.FormatDbTime(since))
	if err != nil {
		return nil, fmt.Errorf("querying usage: %w", err)
	}
	defer rows.Close()

	var out []types.UsageInterval
	for rows.Next() {
		var u types.UsageInterval
		var nem, start, end string
		if err := rows.Scan(&u.SiteID, &nem, &u.ChannelID, &u.ChannelType,
			&u.Kwh, &u.Cost, &u.Quality, &u.Descriptor, &start, &end); err != nil {
			return nil, fmt.Errorf("scanning usage row: %w", err)
		}
		if u.NemTime, err = nemutils.ParseTimestamp(nem); err != nil {
			return nil, err
		}
		if u.StartTime, err = nemutils.ParseTimestamp(start); err != nil {
			return nil, err
		}
		if u.EndTime, err = nemutils.ParseTimestamp(end); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *SqliteStore) CostSummary(ctx context.Context, siteID string, since time.Time) (types.CostSummary, error) {
	summary := types.CostSummary{SiteID: siteID, Since: nemutils.ToMarketTime(since)}
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN kwh > 0 THEN kwh ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN kwh < 0 THEN -kwh ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN cost > 0 THEN cost ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN cost < 0 THEN -cost ELSE 0 END), 0),
			COALESCE(SUM(cost), 0),
			COUNT(*)
		FROM usage_data
		WHERE site_id = ? AND nem_time >= ?`,
		siteID, nemutils.FormatDbTime(since),
	).Scan(
		&summary.ImportKwh,
		&summary.ExportKwh,
		&summary.ImportCostCents,
		&summary.ExportEarnCents,
		&summary.NetCostCents,
		&summary.IntervalCount,
	)
	if err != nil {
		return types.CostSummary{}, fmt.Errorf("querying cost summary: %w", err)
	}
	summary.NetCostDollars = nemutils.CentsToDollars(summary.NetCostCents)
	return summary, nil
}

// LatestForecasts returns the most recent forecast batch for a site, i.e.
// all rows sharing the newest forecast_generated_at.
func (s *SqliteStore) LatestForecasts(ctx context.Context, siteID string) ([]types.ForecastInterval, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT site_id, nem_time, channel_type, forecast_generated_at,
			per_kwh, spot_per_kwh, renewables, descriptor, spike_status,
			advanced_price_low, advanced_price_predicted, advanced_price_high
		FROM price_forecasts
		WHERE site_id = ? AND forecast_generated_at = (
			SELECT MAX(forecast_generated_at) FROM price_forecasts WHERE site_id = ?
		)
		ORDER BY nem_time, channel_type`,
		siteID, siteID)
	if err != nil {
		return nil, fmt.Errorf("querying forecasts: %w", err)
	}
	defer rows.Close()

	var out []types.ForecastInterval
	for rows.Next() {
		var f types.ForecastInterval
		var nem, generated string
		var low, predicted, high sql.NullFloat64
		if err := rows.Scan(&f.SiteID, &nem, &f.ChannelType, &generated,
			&f.PerKwh, &f.SpotPerKwh, &f.Renewables, &f.Descriptor, &f.SpikeStatus,
			&low, &predicted, &high); err != nil {
			return nil, fmt.Errorf("scanning forecast row: %w", err)
		}
		if f.NemTime, err = nemutils.ParseTimestamp(nem); err != nil {
			return nil, err
		}
		if f.ForecastGeneratedAt, err = nemutils.ParseTimestamp(generated); err != nil {
			return nil, err
		}
		f.Type = types.IntervalTypeForecast
		if low.Valid {
			f.AdvancedPrice = &types.AdvancedPrice{
				Low:       low.Float64,
				Predicted: predicted.Float64,
				High:      high.Float64,
			}
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *SqliteStore) LatestRenewables(ctx context.Context, state string) (types.RenewableReading, bool, error) {
	var r types.RenewableReading
	var nem string
	err := s.db.QueryRowContext(ctx, `
		SELECT state, nem_time, renewables, period FROM renewables_data
		WHERE state = ? AND period = ?
		ORDER BY nem_time DESC LIMIT 1`,
		state, types.RenewablePeriodActual,
	).Scan(&r.State, &nem, &r.Renewables, &r.Period)
	if errors.Is(err, sql.ErrNoRows) {
		return types.RenewableReading{}, false, nil
	}
	if err != nil {
		return types.RenewableReading{}, false, fmt.Errorf("querying renewables: %w", err)
	}
	if r.NemTime, err = nemutils.ParseTimestamp(nem); err != nil {
		return types.RenewableReading{}, false, err
	}
	return r, true, nil
}

func (s *SqliteStore) RecentRuns(ctx context.Context, limit int) ([]types.CollectionRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, started_at, COALESCE(finished_at, ''),
			sites_total, sites_failed, rows_upserted, error
		FROM collection_runs
		ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var out []types.CollectionRun
	for rows.Next() {
		var run types.CollectionRun
		var started, finished string
		if err := rows.Scan(&run.ID, &run.Kind, &started, &finished,
			&run.SitesTotal, &run.SitesFailed, &run.RowsUpserted, &run.Error); err != nil {
			return nil, fmt.Errorf("scanning run row: %w", err)
		}
		if run.StartedAt, err = nemutils.ParseTimestamp(started); err != nil {
			return nil, err
		}
		if finished != "" {
			if run.FinishedAt, err = nemutils.ParseTimestamp(finished); err != nil {
				return nil, err
			}
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func scanPriceRows(rows *sql.Rows) ([]types.PriceInterval, error) {
	var out []types.PriceInterval
	for rows.Next() {
		var p types.PriceInterval
		var nem, start, end string
		if err := rows.Scan(&p.SiteID, &nem, &p.ChannelType, &p.PerKwh,
			&p.SpotPerKwh, &p.Renewables, &p.Descriptor, &p.SpikeStatus,
			&p.Estimate, &start, &end); err != nil {
			return nil, fmt.Errorf("scanning price row: %w", err)
		}
		var err error
		if p.NemTime, err = nemutils.ParseTimestamp(nem); err != nil {
			return nil, err
		}
		if p.StartTime, err = nemutils.ParseTimestamp(start); err != nil {
			return nil, err
		}
		if p.EndTime, err = nemutils.ParseTimestamp(end); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
