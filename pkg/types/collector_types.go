package types

import "time"

// Collection pass kinds.
const (
	RunBackfill    = "backfill"
	RunIncremental = "incremental"
)

// CollectionRun is the audit record of one collection pass. A pass that
// fetched less than it asked for shows up here as SitesFailed > 0 with the
// per-site errors joined into Error.
type CollectionRun struct {
	ID           string    `json:"id" db:"id"`
	Kind         string    `json:"kind" db:"kind"`
	StartedAt    time.Time `json:"startedAt" db:"started_at"`
	FinishedAt   time.Time `json:"finishedAt" db:"finished_at"`
	SitesTotal   int       `json:"sitesTotal" db:"sites_total"`
	SitesFailed  int       `json:"sitesFailed" db:"sites_failed"`
	RowsUpserted int64     `json:"rowsUpserted" db:"rows_upserted"`
	Error        string    `json:"error,omitempty" db:"error"`
}

// CostSummary aggregates usage over a trailing window for the dashboard.
// Cents values are signed the same way as the underlying usage rows.
type CostSummary struct {
	SiteID          string    `json:"siteId"`
	Since           time.Time `json:"since"`
	ImportKwh       float64   `json:"importKwh"`
	ExportKwh       float64   `json:"exportKwh"`
	ImportCostCents float64   `json:"importCostCents"`
	ExportEarnCents float64   `json:"exportEarnCents"`
	NetCostCents    float64   `json:"netCostCents"`
	NetCostDollars  float64   `json:"netCostDollars"`
	IntervalCount   int64     `json:"intervalCount"`
}
