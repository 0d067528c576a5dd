package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/harun/paperlens/internal/daemon"
	"github.com/harun/paperlens/pkg/orchestrator"
	"github.com/harun/paperlens/pkg/types"
	"github.com/spf13/cobra"
)

var compareDepth string

var compareCmd = &cobra.Command{
	Use:   "compare <item-id> <item-id> [item-id...]",
	Short: "Compare specific papers by arXiv id",
	Long: `Fetch the named papers, summarize them and print a comparison of their
similarities, differences and complementary insights as JSON. No session is
created.`,
	Args: cobra.RangeArgs(2, orchestrator.MaxCompareItems),
	RunE: runCompare,
}

func init() {
	compareCmd.Flags().StringVarP(&compareDepth, "depth", "d", string(types.DepthComprehensive), "summary depth (quick, standard, comprehensive)")
	rootCmd.AddCommand(compareCmd)
}

func runCompare(cmd *cobra.Command, args []string) error {
	depth, ok := types.ParseDepth(compareDepth)
	if !ok {
		return fmt.Errorf("invalid depth %q (must be one of: quick, standard, comprehensive)", compareDepth)
	}

	_, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Close()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = d.Close(ctx)
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmp, err := d.GetOrchestrator().Compare(ctx, orchestrator.CompareRequest{ItemIDs: args, Depth: depth})
	if err != nil {
		return fmt.Errorf("comparison failed: %w", err)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(cmp)
}
