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

var (
	analyzeItems int
	analyzeDepth string
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze <topic>",
	Short: "Analyze a topic once and print the report",
	Long: `Run a full analysis in-process without starting the gateway and print
the report as JSON. Interrupting the command abandons the run.`,
	Args: cobra.ExactArgs(1),
	RunE: runAnalyze,
}

func init() {
	analyzeCmd.Flags().IntVarP(&analyzeItems, "items", "n", 10, "number of papers to analyze")
	analyzeCmd.Flags().StringVarP(&analyzeDepth, "depth", "d", string(types.DepthStandard), "summary depth (quick, standard, comprehensive)")
	rootCmd.AddCommand(analyzeCmd)
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	depth, ok := types.ParseDepth(analyzeDepth)
	if !ok {
		return fmt.Errorf("invalid depth %q (must be one of: quick, standard, comprehensive)", analyzeDepth)
	}
	if analyzeItems < 1 {
		return fmt.Errorf("--items must be at least 1, got %d", analyzeItems)
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

	id, report, err := d.GetOrchestrator().Analyze(ctx, orchestrator.StartRequest{
		Topic:     args[0],
		ItemCount: analyzeItems,
		Depth:     depth,
	})
	if err != nil {
		return fmt.Errorf("analysis %s failed: %w", id, err)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
