package pathing

import (
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
)

// Ensure directories exist on startup
func init() {
	// Directories that must exist:
	dirs := []string{
		GetDataDir(),
	}

	// Create all directories
	for _, dir := range dirs {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			if err := os.MkdirAll(dir, 0755); err != nil {
				// Opening the default SQLite path will fail loudly later;
				// a Postgres deployment never touches this directory.
				log.Warnf("Could not create %s: %v", dir, err)
			}
		}
	}
}

// GetPriceDbPath is the default SQLite location when no database_url is set.
func GetPriceDbPath() string {
	return filepath.Join(GetDataDir(), "amber-prices.db")
}

func GetDataDir() string {
	if dir := os.Getenv("AMBER_DATA_DIR"); dir != "" {
		return dir
	}
	return "/var/lib/amber_collector"
}

func GetConfigDir() string {
	if dir := os.Getenv("AMBER_CONFIG_DIR"); dir != "" {
		return dir
	}
	return "/etc/amber_collector"
}
