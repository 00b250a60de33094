package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zuber2301/sparknode-sub002/internal/app/allocation"
	"github.com/zuber2301/sparknode-sub002/internal/daemon"
)

func init() {
	rootCmd.AddCommand(verifyCmd)
	verifyCmd.Flags().Bool("repair", false, "Rebuild cached balances from the ledger before verifying")
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check every pool's cached balances against its ledger",
	Long: `Replay each pool's ledger and compare the reconstructed balances with
the cached ones. Divergent pools are frozen and reported. With --repair,
cached balances are first recomputed from the ledger.`,
	RunE: runVerify,
}

func runVerify(cmd *cobra.Command, args []string) error {
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

	if repair, _ := cmd.Flags().GetBool("repair"); repair {
		n, err := mgr.RebuildBalances(ctx)
		if err != nil {
			return fmt.Errorf("rebuild balances: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Rebuilt cached balances for %d pools.\n", n)
	}

	n, err := mgr.VerifyAll(ctx)
	if err != nil {
		fmt.Fprintf(os.Stdout, "Verified %d pools; problems found:\n%v\n", n, err)
		os.Exit(1)
	}

	fmt.Fprintf(os.Stdout, "✅ Verified %d pools, all balances match the ledger.\n", n)
	return nil
}
