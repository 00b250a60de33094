package cli

import (
	"fmt"
	"os"
	"strconv"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/zuber2301/sparknode-sub002/internal/app/allocation"
	"github.com/zuber2301/sparknode-sub002/internal/daemon"
)

func init() {
	rootCmd.AddCommand(fundCmd)
	fundCmd.Flags().String("actor", "cli", "Actor recorded on the ledger entry")
	fundCmd.Flags().String("reference", "", "Idempotency reference (generated if empty)")
}

var fundCmd = &cobra.Command{
	Use:   "fund AMOUNT",
	Short: "Credit the platform root pool",
	Long: `Credit the platform root pool with AMOUNT budget units. The root pool
is created on first funding. Repeating a command with the same
--reference is a no-op that returns the original result.`,
	Args: cobra.ExactArgs(1),
	RunE: runFund,
}

func runFund(cmd *cobra.Command, args []string) error {
	amount, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid amount %q: %w", args[0], err)
	}

	cfg, err := daemon.Load(configPath)
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	actor, _ := cmd.Flags().GetString("actor")
	ref, _ := cmd.Flags().GetString("reference")
	if ref == "" {
		ref = uuid.NewString()
	}

	mgr := allocation.New(store)
	res, err := mgr.FundPlatform(cmd.Context(), amount, actor, ref)
	if err != nil {
		return err
	}

	if res.Replayed {
		fmt.Fprintf(os.Stdout, "Reference %s already applied, no new funds moved.\n", ref)
	} else {
		fmt.Fprintf(os.Stdout, "✅ Funded platform pool %s with %d units.\n", res.PoolID, amount)
	}
	fmt.Fprintf(os.Stdout, "   Available: %d  Distributed: %d  Consumed: %d\n",
		res.Balance.Available(), res.Balance.Distributed, res.Balance.Consumed)
	return nil
}
