package cli

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zuber2301/sparknode-sub002/internal/api"
	"github.com/zuber2301/sparknode-sub002/internal/app/allocation"
	"github.com/zuber2301/sparknode-sub002/internal/daemon"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the allocation engine HTTP API",
	Long: `Start the daemon: open the ledger store, verify pool balances against
the ledger, and serve the HTTP API until interrupted.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := daemon.Load(configPath)
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	mgr := allocation.New(store)
	ctx := cmd.Context()

	if cfg.Engine.RebuildOnStart {
		n, err := mgr.RebuildBalances(ctx)
		if err != nil {
			return fmt.Errorf("rebuild balances: %w", err)
		}
		log.Printf("[daemon] rebuilt cached balances for %d pools", n)
	}

	if cfg.Engine.VerifyOnStart {
		n, err := mgr.VerifyAll(ctx)
		if err != nil {
			// Divergent pools have been frozen; the daemon still serves
			// so operators can inspect and repair them.
			log.Printf("[daemon] startup verification found problems: %v", err)
		}
		log.Printf("[daemon] verified %d pools", n)
	}

	srv := api.NewServer(mgr)
	if cfg.Metrics.Enabled {
		srv.EnableMetrics()
	}

	httpSrv := &http.Server{
		Addr:    cfg.ListenAddr(),
		Handler: srv.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[daemon] listening on %s", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Printf("[daemon] received %s, shutting down", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}
