package daemon

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config is the daemon configuration, loaded from TOML.
type Config struct {
	API     APIConfig     `toml:"api"`
	Storage StorageConfig `toml:"storage"`
	Engine  EngineConfig  `toml:"engine"`
	Metrics MetricsConfig `toml:"metrics"`
}

// APIConfig controls the HTTP listener.
type APIConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// StorageConfig selects and configures the ledger backend.
// Driver is "sqlite" or "postgres". Path is the data directory for
// sqlite; DSN is the connection string for postgres.
type StorageConfig struct {
	Driver string `toml:"driver"`
	Path   string `toml:"path"`
	DSN    string `toml:"dsn"`
}

// EngineConfig controls allocation engine startup behavior.
type EngineConfig struct {
	// VerifyOnStart replays every pool's ledger against its cached
	// balances before the API starts serving.
	VerifyOnStart bool `toml:"verify_on_start"`
	// RebuildOnStart recomputes cached balances from the ledger before
	// verification. Used after an unclean shutdown.
	RebuildOnStart bool `toml:"rebuild_on_start"`
}

// MetricsConfig controls the Prometheus /metrics endpoint.
type MetricsConfig struct {
	Enabled bool `toml:"enabled"`
}

// DefaultConfig returns the configuration used when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8460,
		},
		Storage: StorageConfig{
			Driver: "sqlite",
			Path:   defaultDataDir(),
		},
		Engine: EngineConfig{
			VerifyOnStart:  true,
			RebuildOnStart: false,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// Load reads the config file at path, falling back to defaults for any
// missing fields. A missing file is not an error; defaults are returned.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = DefaultConfigPath()
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "sqlite":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path required for sqlite driver")
		}
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn required for postgres driver")
		}
	default:
		return fmt.Errorf("unknown storage driver %q (want sqlite or postgres)", c.Storage.Driver)
	}
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("api.port %d out of range", c.API.Port)
	}
	return nil
}

// ListenAddr returns the host:port the API server binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.API.Host, c.API.Port)
}

// DefaultConfigPath returns the path of the config file.
func DefaultConfigPath() string {
	return filepath.Join(homeDir(), "config.toml")
}

// defaultDataDir returns the sqlite data directory.
func defaultDataDir() string {
	return filepath.Join(homeDir(), "data")
}

// homeDir returns the sparknode home directory, honoring SPARKNODE_HOME.
func homeDir() string {
	if env := os.Getenv("SPARKNODE_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".sparknode")
}
