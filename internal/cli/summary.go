package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zuber2301/sparknode-sub002/internal/app/allocation"
	"github.com/zuber2301/sparknode-sub002/internal/daemon"
	"github.com/zuber2301/sparknode-sub002/internal/domain"
)

func init() {
	rootCmd.AddCommand(summaryCmd)
	summaryCmd.Flags().String("tier", "", "Look up by tier and owner ref instead of pool ID (platform, tenant, department, employee)")
}

var summaryCmd = &cobra.Command{
	Use:   "summary POOL_ID|OWNER_REF",
	Short: "Show a pool's balances and utilization",
	Args:  cobra.ExactArgs(1),
	RunE:  runSummary,
}

func runSummary(cmd *cobra.Command, args []string) error {
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

	poolID := args[0]
	if tierName, _ := cmd.Flags().GetString("tier"); tierName != "" {
		tier, err := domain.ParseTier(tierName)
		if err != nil {
			return err
		}
		pool, err := mgr.PoolByOwner(ctx, tier, args[0])
		if err != nil {
			return err
		}
		poolID = pool.ID
	}

	s, err := mgr.Summary(ctx, poolID)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "Pool %s (%s %s, %s)\n", s.PoolID, s.Tier, s.OwnerRef, s.Status)
	fmt.Fprintf(os.Stdout, "  Total allocated: %d\n", s.TotalAllocated)
	fmt.Fprintf(os.Stdout, "  Distributed:     %d\n", s.Distributed)
	fmt.Fprintf(os.Stdout, "  Consumed:        %d\n", s.Consumed)
	fmt.Fprintf(os.Stdout, "  Remaining:       %d\n", s.Remaining)
	fmt.Fprintf(os.Stdout, "  Utilization:     %.1f%%\n", s.UtilizationPct)
	fmt.Fprintf(os.Stdout, "  Children:        %d\n", s.ChildCount)
	return nil
}
