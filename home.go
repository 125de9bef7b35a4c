package shopkeep

import (
	"os"
	"path/filepath"
)

// Home returns the shopkeep home directory.
// It defaults to ~/.shopkeep but can be overridden with the SHOPKEEP_HOME environment variable.
func Home() string {
	if v := os.Getenv("SHOPKEEP_HOME"); v != "" {
		return v
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".shopkeep")
}

// DefaultDBPath returns the default SQLite database path (~/.shopkeep/shopkeep.db).
func DefaultDBPath() string {
	return filepath.Join(Home(), "shopkeep.db")
}

// DefaultConfigPath returns the default configuration file path.
func DefaultConfigPath() string {
	return filepath.Join(Home(), "config.yaml")
}

// EnsureHome creates the shopkeep home directory if it doesn't exist.
func EnsureHome() error {
	return os.MkdirAll(Home(), 0o755)
}
