package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zuber2301/sparknode-sub002/internal/daemon"
	"github.com/zuber2301/sparknode-sub002/internal/domain"
	"github.com/zuber2301/sparknode-sub002/internal/infra/postgres"
	"github.com/zuber2301/sparknode-sub002/internal/infra/sqlite"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "sparknoded",
	Short: "Hierarchical budget allocation and ledger engine",
	Long: `SparkNode distributes recognition budget down a four-tier hierarchy
(platform, tenant, department, employee) and records every movement in
an append-only double-entry ledger. Funds can be allocated, consumed,
and reversed; every operation is idempotent by reference ID.`,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file (default $SPARKNODE_HOME/config.toml)")
}

// Execute runs the root command. It is the entry point called by main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// ledgerStore is what the CLI needs from a storage backend.
type ledgerStore interface {
	domain.Store
	Close() error
}

// openStore opens the backend named by the config.
func openStore(cfg *daemon.Config) (ledgerStore, error) {
	switch cfg.Storage.Driver {
	case "sqlite":
		return sqlite.Open(cfg.Storage.Path)
	case "postgres":
		return postgres.Open(cfg.Storage.DSN)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}
