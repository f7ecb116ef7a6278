package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cordum/procflow/internal/app"
	"github.com/cordum/procflow/internal/bootstrap"
	"github.com/cordum/procflow/internal/infra/buildinfo"
	"github.com/cordum/procflow/internal/infra/config"
	"github.com/cordum/procflow/internal/infra/logging"
	"github.com/spf13/cobra"
)

var (
	verbose           bool
	heartbeatInterval time.Duration
)

var rootCmd = &cobra.Command{
	Use:           "procflow",
	Short:         "procflow process instance backend",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.Init(verbose)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

// backgroundCmd runs only the background scheduler.
var backgroundCmd = &cobra.Command{
	Use:   "background",
	Short: "Run background processing only (no API endpoints)",
	Long: `Starts procflow with the HTTP API disabled and the background scheduler
enabled. The scheduler advances waiting, running and user-input instances,
fires due timers and removes stale instance locks until interrupted.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		buildinfo.Log("procflow-background")
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return bootstrap.RunBackgroundOnly(ctx, bootstrap.Options{
			Interval: heartbeatInterval,
			Out:      cmd.OutOrStdout(),
		})
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run procflow with API and scheduler as configured by the environment",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		buildinfo.Log("procflow")
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := app.Create(config.Load())
		if err != nil {
			return fmt.Errorf("create app: %w", err)
		}
		<-ctx.Done()
		return a.Close()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), buildinfo.Info())
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	backgroundCmd.Flags().DurationVar(&heartbeatInterval, "heartbeat-interval", bootstrap.DefaultHeartbeatInterval, "how often to report that background processing is active")
	rootCmd.AddCommand(backgroundCmd, serveCmd, versionCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "procflow:", err)
		os.Exit(1)
	}
}
