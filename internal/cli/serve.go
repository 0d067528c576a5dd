package cli

import (
	"time"

	"github.com/harun/paperlens/internal/config"
	"github.com/harun/paperlens/internal/daemon"
	"github.com/spf13/cobra"
)

var (
	serveGrace   time.Duration
	serveNoWatch bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the paperlens daemon",
	Long: `Run the gateway daemon in the foreground until SIGINT or SIGTERM.
Pipeline settings in the config file are reloaded when the file changes.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().DurationVar(&serveGrace, "grace", 30*time.Second, "how long shutdown waits for running analyses")
	serveCmd.Flags().BoolVar(&serveNoWatch, "no-watch", false, "do not reload the config file on change")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	loader, cfg, err := loadConfig()
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
	if err := d.Start(); err != nil {
		return err
	}

	if !serveNoWatch {
		if err := loader.Watch(log.Component("config"), config.ApplyTunables(d.GetOrchestrator())); err != nil {
			log.Info().Err(err).Msg("Config hot reload disabled")
		}
	}

	return d.Wait(cmd.Context(), serveGrace)
}
