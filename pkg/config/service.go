package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus"

	"github.com/nemwatch/amber_collector/pkg/nemutils"
	"github.com/nemwatch/amber_collector/pkg/pathing"
)

var (
	ActiveCollectorConfig    *CollectorConfig
	ActiveDashboardAPIConfig *DashboardAPIConfig
)

func LoadCollectorConfig() error {
	configPath := filepath.Join(pathing.GetConfigDir(), "price_collector.toml")

	// Create default if not exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := &CollectorConfig{
			ApiUrl:                    "https://api.amber.com.au/v1",
			DatabaseUrl:               pathing.GetPriceDbPath(),
			HistoricalStartDate:       "2024-01-01",
			CollectionIntervalMinutes: 5,
			LogLevel:                  "info",
			State:                     "nsw",
			ForecastHours:             24,
			ForecastRetentionDays:     7,
		}
		// Create file
		cfgFile, err := os.Create(configPath)
		if err != nil {
			return err
		}
		defer cfgFile.Close()
		toml.NewEncoder(cfgFile).Encode(cfg)
		applyCollectorEnv(cfg)
		ActiveCollectorConfig = cfg
		return nil
	}

	// Load existing config
	var config CollectorConfig
	_, err := toml.DecodeFile(configPath, &config)
	if err != nil {
		return err
	}
	applyCollectorEnv(&config)
	ActiveCollectorConfig = &config
	return nil
}

func LoadDashboardAPIConfig() error {
	configPath := filepath.Join(pathing.GetConfigDir(), "dashboard_api.toml")

	// Create default if not exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := &DashboardAPIConfig{
			ListenAddress: "0.0.0.0",
			ListenPort:    9041,
			DatabaseUrl:   pathing.GetPriceDbPath(),
			State:         "nsw",
			LogLevel:      "info",
		}
		// Create file
		cfgFile, err := os.Create(configPath)
		if err != nil {
			return err
		}
		defer cfgFile.Close()
		toml.NewEncoder(cfgFile).Encode(cfg)
		applyDashboardAPIEnv(cfg)
		ActiveDashboardAPIConfig = cfg
		return nil
	}

	// Load existing config
	var config DashboardAPIConfig
	_, err := toml.DecodeFile(configPath, &config)
	if err != nil {
		return err
	}
	applyDashboardAPIEnv(&config)
	ActiveDashboardAPIConfig = &config
	return nil
}

// Env takes precedence over the file so secrets can stay out of /etc and
// containers can run without a config file edit.
func applyCollectorEnv(cfg *CollectorConfig) {
	if v := os.Getenv("AMBER_API_KEY"); v != "" {
		cfg.ApiKey = v
	}
	if v := os.Getenv("AMBER_API_URL"); v != "" {
		cfg.ApiUrl = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseUrl = v
	}
	if v := os.Getenv("HISTORICAL_START_DATE"); v != "" {
		cfg.HistoricalStartDate = v
	}
	if v := os.Getenv("COLLECTION_INTERVAL_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.CollectionIntervalMinutes = n
		}
	}
	if v := os.Getenv("FORCE_REINIT"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.ForceReinit = b
		}
	}
	if v := os.Getenv("AMBER_STATE"); v != "" {
		cfg.State = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

func applyDashboardAPIEnv(cfg *DashboardAPIConfig) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseUrl = v
	}
	if v := os.Getenv("AMBER_STATE"); v != "" {
		cfg.State = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

// Validate checks everything that must be in place before collection can
// start. Called after env overlay; a failure here aborts startup.
func (c *CollectorConfig) Validate() error {
	if c.ApiKey == "" {
		return fmt.Errorf("api_key is not set: add it to %s or set AMBER_API_KEY",
			filepath.Join(pathing.GetConfigDir(), "price_collector.toml"))
	}
	if c.HistoricalStartDate == "" {
		return errors.New("historical_start_date is not set")
	}
	if _, err := c.HistoricalStart(); err != nil {
		return fmt.Errorf("invalid historical_start_date %q: %w", c.HistoricalStartDate, err)
	}
	return nil
}

// HistoricalStart parses the configured backfill start date in market time.
func (c *CollectorConfig) HistoricalStart() (time.Time, error) {
	return time.ParseInLocation("2006-01-02", c.HistoricalStartDate, nemutils.MarketLocation())
}

// Interval returns the steady-state collection interval.
func (c *CollectorConfig) Interval() time.Duration {
	if c.CollectionIntervalMinutes <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.CollectionIntervalMinutes) * time.Minute
}

// ForecastRetention returns how long forecast snapshots are kept.
func (c *CollectorConfig) ForecastRetention() time.Duration {
	if c.ForecastRetentionDays <= 0 {
		return 7 * 24 * time.Hour
	}
	return time.Duration(c.ForecastRetentionDays) * 24 * time.Hour
}

// InitLogging applies the configured log level process-wide.
func InitLogging(level string) {
	if level == "" {
		level = "info"
	}
	lvl, err := log.ParseLevel(level)
	if err != nil {
		log.Warnf("Unknown log level %q, using info", level)
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)
}
