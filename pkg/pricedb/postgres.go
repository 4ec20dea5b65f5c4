package pricedb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nemwatch/amber_collector/pkg/nemutils"
	"github.com/nemwatch/amber_collector/pkg/types"
)

// The Postgres schema is provisioned on open rather than migrated; every
// statement is idempotent. Kept in lockstep with migrations/0001_init.sql.
var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS sites (
		id TEXT PRIMARY KEY,
		nmi TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS price_data (
		id BIGSERIAL PRIMARY KEY,
		site_id TEXT NOT NULL,
		nem_time TIMESTAMPTZ NOT NULL,
		channel_type TEXT NOT NULL,
		per_kwh DOUBLE PRECISION,
		spot_per_kwh DOUBLE PRECISION,
		renewables DOUBLE PRECISION,
		descriptor TEXT NOT NULL DEFAULT '',
		spike_status TEXT NOT NULL DEFAULT '',
		estimate BOOLEAN NOT NULL DEFAULT FALSE,
		start_time TIMESTAMPTZ,
		end_time TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (site_id, nem_time, channel_type)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_price_data_nem_time ON price_data (nem_time)`,
	`CREATE TABLE IF NOT EXISTS usage_data (
		id BIGSERIAL PRIMARY KEY,
		site_id TEXT NOT NULL,
		nem_time TIMESTAMPTZ NOT NULL,
		channel_id TEXT NOT NULL,
		channel_type TEXT NOT NULL DEFAULT '',
		kwh DOUBLE PRECISION NOT NULL DEFAULT 0,
		cost DOUBLE PRECISION NOT NULL DEFAULT 0,
		quality TEXT NOT NULL DEFAULT '',
		descriptor TEXT NOT NULL DEFAULT '',
		start_time TIMESTAMPTZ,
		end_time TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (site_id, nem_time, channel_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_usage_data_nem_time ON usage_data (nem_time)`,
	`CREATE TABLE IF NOT EXISTS price_forecasts (
		id BIGSERIAL PRIMARY KEY,
		site_id TEXT NOT NULL,
		nem_time TIMESTAMPTZ NOT NULL,
		channel_type TEXT NOT NULL,
		forecast_generated_at TIMESTAMPTZ NOT NULL,
		per_kwh DOUBLE PRECISION,
		spot_per_kwh DOUBLE PRECISION,
		renewables DOUBLE PRECISION,
		descriptor TEXT NOT NULL DEFAULT '',
		spike_status TEXT NOT NULL DEFAULT '',
		advanced_price_low DOUBLE PRECISION,
		advanced_price_predicted DOUBLE PRECISION,
		advanced_price_high DOUBLE PRECISION,
		UNIQUE (site_id, nem_time, channel_type, forecast_generated_at)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_price_forecasts_generated_at ON price_forecasts (forecast_generated_at)`,
	`CREATE TABLE IF NOT EXISTS renewables_data (
		id BIGSERIAL PRIMARY KEY,
		state TEXT NOT NULL,
		nem_time TIMESTAMPTZ NOT NULL,
		renewables DOUBLE PRECISION NOT NULL DEFAULT 0,
		period TEXT NOT NULL DEFAULT 'ACTUAL',
		UNIQUE (state, nem_time)
	)`,
	`CREATE TABLE IF NOT EXISTS collection_runs (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ,
		sites_total INTEGER NOT NULL DEFAULT 0,
		sites_failed INTEGER NOT NULL DEFAULT 0,
		rows_upserted BIGINT NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT ''
	)`,
}

type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

func OpenPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing database url: %w", err)
	}
	poolCfg.MaxConns = 4

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	for _, stmt := range postgresSchema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("provisioning schema: %w", err)
		}
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) UpsertSites(ctx context.Context, sites []types.Site) error {
	for _, site := range sites {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO sites (id, nmi) VALUES ($1, $2)
			ON CONFLICT (id) DO UPDATE SET nmi = excluded.nmi`,
			site.ID, site.Nmi,
		)
		if err != nil {
			return fmt.Errorf("upserting site %s: %w", site.ID, err)
		}
	}
	return nil
}

// sendBatch runs one batch inside a transaction so a chunk commits or rolls
// back as a unit.
func (s *PostgresStore) sendBatch(ctx context.Context, batch *pgx.Batch, what string) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("beginning %s upsert: %w", what, err)
	}
	defer tx.Rollback(ctx)

	br := tx.SendBatch(ctx, batch)
	var n int64
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return 0, fmt.Errorf("upserting %s row: %w", what, err)
		}
		n++
	}
	if err := br.Close(); err != nil {
		return 0, fmt.Errorf("closing %s batch: %w", what, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("committing %s upsert: %w", what, err)
	}
	return n, nil
}

func (s *PostgresStore) UpsertPrices(ctx context.Context, intervals []types.PriceInterval) (int64, error) {
	if len(intervals) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	for _, p := range intervals {
		batch.Queue(`
			INSERT INTO price_data
				(site_id, nem_time, channel_type, per_kwh, spot_per_kwh, renewables,
				 descriptor, spike_status, estimate, start_time, end_time)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (site_id, nem_time, channel_type) DO UPDATE SET
				per_kwh = excluded.per_kwh,
				spot_per_kwh = excluded.spot_per_kwh,
				renewables = excluded.renewables,
				descriptor = excluded.descriptor,
				spike_status = excluded.spike_status,
				estimate = excluded.estimate,
				start_time = excluded.start_time,
				end_time = excluded.end_time`,
			p.SiteID, p.NemTime, string(p.ChannelType), p.PerKwh, p.SpotPerKwh,
			p.Renewables, p.Descriptor, p.SpikeStatus, p.Estimate,
			p.StartTime, p.EndTime,
		)
	}
	return s.sendBatch(ctx, batch, "price")
}

func (s *PostgresStore) UpsertUsage(ctx context.Context, intervals []types.UsageInterval) (int64, error) {
	if len(intervals) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	for _, u := range intervals {
		batch.Queue(`
			INSERT INTO usage_data
				(site_id, nem_time, channel_id, channel_type, kwh, cost,
				 quality, descriptor, start_time, end_time)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (site_id, nem_time, channel_id) DO UPDATE SET
				channel_type = excluded.channel_type,
				kwh = excluded.kwh,
				cost = excluded.cost,
				quality = excluded.quality,
				descriptor = excluded.descriptor,
				start_time = excluded.start_time,
				end_time = excluded.end_time`,
			u.SiteID, u.NemTime, u.ChannelID, string(u.ChannelType), u.Kwh,
			u.Cost, u.Quality, u.Descriptor, u.StartTime, u.EndTime,
		)
	}
	return s.sendBatch(ctx, batch, "usage")
}

func (s *PostgresStore) InsertForecasts(ctx context.Context, intervals []types.ForecastInterval) (int64, error) {
	if len(intervals) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	for _, f := range intervals {
		var low, predicted, high *float64
		if f.AdvancedPrice != nil {
			low = &f.AdvancedPrice.Low
			predicted = &f.AdvancedPrice.Predicted
			high = &f.AdvancedPrice.High
		}
		batch.Queue(`
			INSERT INTO price_forecasts
				(site_id, nem_time, channel_type, forecast_generated_at,
				 per_kwh, spot_per_kwh, renewables, descriptor, spike_status,
				 advanced_price_low, advanced_price_predicted, advanced_price_high)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (site_id, nem_time, channel_type, forecast_generated_at) DO UPDATE SET
				per_kwh = excluded.per_kwh,
				spot_per_kwh = excluded.spot_per_kwh,
				renewables = excluded.renewables,
				descriptor = excluded.descriptor,
				spike_status = excluded.spike_status,
				advanced_price_low = excluded.advanced_price_low,
				advanced_price_predicted = excluded.advanced_price_predicted,
				advanced_price_high = excluded.advanced_price_high`,
			f.SiteID, f.NemTime, string(f.ChannelType), f.ForecastGeneratedAt,
			f.PerKwh, f.SpotPerKwh, f.Renewables, f.Descriptor, f.SpikeStatus,
			low, predicted, high,
		)
	}
	return s.sendBatch(ctx, batch, "forecast")
}

func (s *PostgresStore) UpsertRenewables(ctx context.Context, readings []types.RenewableReading) (int64, error) {
	if len(readings) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	for _, r := range readings {
		batch.Queue(`
			INSERT INTO renewables_data (state, nem_time, renewables, period)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (state, nem_time) DO UPDATE SET
				renewables = excluded.renewables,
				period = excluded.period`,
			r.State, r.NemTime, r.Renewables, r.Period,
		)
	}
	return s.sendBatch(ctx, batch, "renewables")
}

func (s *PostgresStore) RecordRun(ctx context.Context, run *types.CollectionRun) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO collection_runs (id, kind, started_at, sites_total)
		VALUES ($1, $2, $3, $4)`,
		run.ID, run.Kind, run.StartedAt, run.SitesTotal,
	)
	if err != nil {
		return fmt.Errorf("recording run: %w", err)
	}
	return nil
}

func (s *PostgresStore) FinishRun(ctx context.Context, run *types.CollectionRun) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE collection_runs
		SET finished_at = $1, sites_total = $2, sites_failed = $3, rows_upserted = $4, error = $5
		WHERE id = $6`,
		run.FinishedAt, run.SitesTotal, run.SitesFailed, run.RowsUpserted, run.Error, run.ID,
	)
	if err != nil {
		return fmt.Errorf("finishing run: %w", err)
	}
	return nil
}

func (s *PostgresStore) Prune(ctx context.Context, forecastRetention time.Duration) (int64, error) {
	cutoff := nemutils.NowMarket().Add(-forecastRetention)

	var total int64
	tag, err := s.pool.Exec(ctx,
		"DELETE FROM price_forecasts WHERE forecast_generated_at < $1", cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning forecasts: %w", err)
	}
	total += tag.RowsAffected()

	tag, err = s.pool.Exec(ctx,
		"DELETE FROM collection_runs WHERE started_at < $1", cutoff)
	if err != nil {
		return total, fmt.Errorf("pruning runs: %w", err)
	}
	total += tag.RowsAffected()
	return total, nil
}

func (s *PostgresStore) LatestPriceTime(ctx context.Context, siteID string) (time.Time, bool, error) {
	return s.latestTime(ctx,
		"SELECT MAX(nem_time) FROM price_data WHERE site_id = $1", siteID)
}

func (s *PostgresStore) LatestUsageTime(ctx context.Context, siteID string) (time.Time, bool, error) {
	return s.latestTime(ctx,
		"SELECT MAX(nem_time) FROM usage_data WHERE site_id = $1", siteID)
}

func (s *PostgresStore) latestTime(ctx context.Context, query string, args ...any) (time.Time, bool, error) {
	var t *time.Time
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&t); err != nil {
		return time.Time{}, false, fmt.Errorf("querying watermark: %w", err)
	}
	if t == nil {
		return time.Time{}, false, nil
	}
	return nemutils.ToMarketTime(*t), true, nil
}

func (s *PostgresStore) CountPricesSince(ctx context.Context, siteID string, since time.Time) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM price_data WHERE site_id = $1 AND nem_time >= $2",
		siteID, since,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting prices: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) CountUsageSince(ctx context.Context, siteID string, since time.Time) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM usage_data WHERE site_id = $1 AND nem_time >= $2",
		siteID, since,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting usage: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) Sites(ctx context.Context) ([]types.Site, error) {
	rows, err := s.pool.Query(ctx, "SELECT id, nmi FROM sites ORDER BY id")
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

const pgPriceColumns = `site_id, nem_time, channel_type, per_kwh, spot_per_kwh,
	renewables, descriptor, spike_status, estimate, start_time, end_time`

func (s *PostgresStore) CurrentPrices(ctx context.Context, siteID string) ([]types.PriceInterval, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+pgPriceColumns+` FROM price_data
		WHERE site_id = $1 AND nem_time = (
			SELECT MAX(nem_time) FROM price_data WHERE site_id = $1
		)
		ORDER BY channel_type`,
		siteID)
	if err != nil {
		return nil, fmt.Errorf("querying current prices: %w", err)
	}
	defer rows.Close()
	return scanPgPriceRows(rows)
}

func (s *PostgresStore) PricesForDay(ctx context.Context, siteID string, day time.Time) ([]types.PriceInterval, error) {
	local := nemutils.ToMarketTime(day)
	dayStart := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, local.Location())
	rows, err := s.pool.Query(ctx, `
		SELECT `+pgPriceColumns+` FROM price_data
		WHERE site_id = $1 AND nem_time >= $2 AND nem_time < $3
		ORDER BY nem_time, channel_type`,
		siteID, dayStart, dayStart.Add(24*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("querying day prices: %w", err)
	}
	defer rows.Close()
	return scanPgPriceRows(rows)
}

func (s *PostgresStore) UsageSince(ctx context.Context, siteID string, since time.Time) ([]types.UsageInterval, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT site_id, nem_time, channel_id, channel_type, kwh, cost,
			quality, descriptor, start_time, end_time
		FROM usage_data
		WHERE site_id = $1 AND nem_time >= $2
		ORDER BY nem_time, channel_id`,
		siteID, since)
	if err != nil {
		return nil, fmt.Errorf("querying usage: %w", err)
	}
	defer rows.Close()

	var out []types.UsageInterval
	for rows.Next() {
		var u types.UsageInterval
		var start, end *time.Time
		if err := rows.Scan(&u.SiteID, &u.NemTime, &u.ChannelID, &u.ChannelType,
			&u.Kwh, &u.Cost, &u.Quality, &u.Descriptor, &start, &end); err != nil {
			return nil, fmt.Errorf("scanning usage row: %w", err)
		}
		u.NemTime = nemutils.ToMarketTime(u.NemTime)
		if start != nil {
			u.StartTime = nemutils.ToMarketTime(*start)
		}
		if end != nil {
			u.EndTime = nemutils.ToMarketTime(*end)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CostSummary(ctx context.Context, siteID string, since time.Time) (types.CostSummary, error) {
	summary := types.CostSummary{SiteID: siteID, Since: nemutils.ToMarketTime(since)}
	err := s.pool.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN kwh > 0 THEN kwh ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN kwh < 0 THEN -kwh ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN cost > 0 THEN cost ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN cost < 0 THEN -cost ELSE 0 END), 0),
			COALESCE(SUM(cost), 0),
			COUNT(*)
		FROM usage_data
		WHERE site_id = $1 AND nem_time >= $2`,
		siteID, since,
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

func (s *PostgresStore) LatestForecasts(ctx context.Context, siteID string) ([]types.ForecastInterval, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT site_id, nem_time, channel_type, forecast_generated_at,
			per_kwh, spot_per_kwh, renewables, descriptor, spike_status,
			advanced_price_low, advanced_price_predicted, advanced_price_high
		FROM price_forecasts
		WHERE site_id = $1 AND forecast_generated_at = (
			SELECT MAX(forecast_generated_at) FROM price_forecasts WHERE site_id = $1
		)
		ORDER BY nem_time, channel_type`,
		siteID)
	if err != nil {
		return nil, fmt.Errorf("querying forecasts: %w", err)
	}
	defer rows.Close()

	var out []types.ForecastInterval
	for rows.Next() {
		var f types.ForecastInterval
		var low, predicted, high *float64
		if err := rows.Scan(&f.SiteID, &f.NemTime, &f.ChannelType, &f.ForecastGeneratedAt,
			&f.PerKwh, &f.SpotPerKwh, &f.Renewables, &f.Descriptor, &f.SpikeStatus,
			&low, &predicted, &high); err != nil {
			return nil, fmt.Errorf("scanning forecast row: %w", err)
		}
		f.NemTime = nemutils.ToMarketTime(f.NemTime)
		f.ForecastGeneratedAt = nemutils.ToMarketTime(f.ForecastGeneratedAt)
		f.Type = types.IntervalTypeForecast
		if low != nil {
			f.AdvancedPrice = &types.AdvancedPrice{Low: *low, Predicted: *predicted, High: *high}
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *PostgresStore) LatestRenewables(ctx context.Context, state string) (types.RenewableReading, bool, error) {
	var r types.RenewableReading
	err := s.pool.QueryRow(ctx, `
		SELECT state, nem_time, renewables, period FROM renewables_data
		WHERE state = $1 AND period = $2
		ORDER BY nem_time DESC LIMIT 1`,
		state, types.RenewablePeriodActual,
	).Scan(&r.State, &r.NemTime, &r.Renewables, &r.Period)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.RenewableReading{}, false, nil
	}
	if err != nil {
		return types.RenewableReading{}, false, fmt.Errorf("querying renewables: %w", err)
	}
	r.NemTime = nemutils.ToMarketTime(r.NemTime)
	return r, true, nil
}

func (s *PostgresStore) RecentRuns(ctx context.Context, limit int) ([]types.CollectionRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, kind, started_at, finished_at,
			sites_total, sites_failed, rows_upserted, error
		FROM collection_runs
		ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var out []types.CollectionRun
	for rows.Next() {
		var run types.CollectionRun
		var finished *time.Time
		if err := rows.Scan(&run.ID, &run.Kind, &run.StartedAt, &finished,
			&run.SitesTotal, &run.SitesFailed, &run.RowsUpserted, &run.Error); err != nil {
			return nil, fmt.Errorf("scanning run row: %w", err)
		}
		run.StartedAt = nemutils.ToMarketTime(run.StartedAt)
		if finished != nil {
			run.FinishedAt = nemutils.ToMarketTime(*finished)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func scanPgPriceRows(rows pgx.Rows) ([]types.PriceInterval, error) {
	var out []types.PriceInterval
	for rows.Next() {
		var p types.PriceInterval
		var start, end *time.Time
		if err := rows.Scan(&p.SiteID, &p.NemTime, &p.ChannelType, &p.PerKwh,
			&p.SpotPerKwh, &p.Renewables, &p.Descriptor, &p.SpikeStatus,
			&p.Estimate, &start, &end); err != nil {
			return nil, fmt.Errorf("scanning price row: %w", err)
		}
		p.NemTime = nemutils.ToMarketTime(p.NemTime)
		if start != nil {
			p.StartTime = nemutils.ToMarketTime(*start)
		}
		if end != nil {
			p.EndTime = nemutils.ToMarketTime(*end)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
