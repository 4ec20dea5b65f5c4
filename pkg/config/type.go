package config

type CollectorConfig struct {
	// Secret; usually supplied through AMBER_API_KEY rather than the file.
	ApiKey string `toml:"api_key"`
	ApiUrl string `toml:"api_url"`
	// postgres:// or postgresql:// selects the Postgres backend,
	// anything else is a SQLite file path.
	DatabaseUrl string `toml:"database_url"`
	// Date (YYYY-MM-DD) the first backfill reaches back to.
	HistoricalStartDate       string `toml:"historical_start_date"`
	CollectionIntervalMinutes int    `toml:"collection_interval_minutes"`
	// Re-run the full backfill on next start even if data looks complete.
	ForceReinit bool   `toml:"force_reinit"`
	LogLevel    string `toml:"log_level"`
	// NEM region for renewables data (nsw, qld, sa, tas, vic).
	State                 string `toml:"state"`
	ForecastHours         int    `toml:"forecast_hours"`
	ForecastRetentionDays int    `toml:"forecast_retention_days"`
}

type DashboardAPIConfig struct {
	ListenAddress string `toml:"listen_address"`
	ListenPort    int    `toml:"listen_port"`
	DatabaseUrl   string `toml:"database_url"`
	State         string `toml:"state"`
	LogLevel      string `toml:"log_level"`
}
