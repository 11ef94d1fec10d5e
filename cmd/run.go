package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bebsworthy/sidecar/internal/config"
	"github.com/bebsworthy/sidecar/internal/logging"
	"github.com/bebsworthy/sidecar/internal/server"
	"github.com/bebsworthy/sidecar/internal/sidecar"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Launch the sidecar and relay its output until it exits",
	Long: `Launch the sidecar and relay its output until it exits or this process is
interrupted.

The sidecar is resolved from the configured bin directories (preferring the
name with the target triple suffix, e.g. server-x86_64-unknown-linux-gnu),
started with --parent-pid set to this process's PID, and its stdout and stderr
lines are relayed with the configured tag. On SIGINT or SIGTERM the sidecar is
sent SIGTERM, then SIGKILL after the grace period.

Set status.listen (or --status-listen) to expose /health, /logs and a /ws
stream of relayed lines and status changes.`,
	Example: `  # Run ./binaries/server with the default settings
  sidecar run

  # Run a differently named helper from a custom directory
  sidecar run --name api --bin-dir ./dist/bin --tag "[api]"

  # Expose the status endpoint
  sidecar run --status-listen 127.0.0.1:8765`,
	Args: cobra.NoArgs,
	RunE: runSupervisor,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().String("status-listen", "", "address for the HTTP/WebSocket status endpoint (disabled when empty)")
	if err := v.BindPFlag("status.listen", runCmd.Flags().Lookup("status-listen")); err != nil {
		panic(fmt.Sprintf("bind flag status-listen: %v", err))
	}
}

func runSupervisor(cmd *cobra.Command, args []string) error {
	cfg := GetConfig()

	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Close()
	logging.SetDefault(logger)

	sup, err := sidecar.NewSupervisor(cfg, newOutput(cfg, logger), logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Status.Listen != "" {
		status := server.NewStatusServer(sup, cfg.Status, logger)
		defer status.Close()
		go func() {
			if err := status.ListenAndServe(cfg.Status.Listen); err != nil {
				logger.LogError(ctx, "Status server stopped", err)
			}
		}()
	}

	if err := sup.Start(ctx); err != nil {
		logger.LogError(ctx, "Failed to start sidecar", err)
		return fmt.Errorf("failed to start sidecar %q: %w", cfg.Sidecar.Name, err)
	}

	select {
	case <-ctx.Done():
		logger.Info("Interrupted, stopping sidecar")
	case <-sup.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownBudget(cfg))
	defer cancel()
	if err := sup.Shutdown(shutdownCtx); err != nil {
		logger.LogError(shutdownCtx, "Sidecar shutdown incomplete", err)
	}

	sup.Monitor().LogMetricsSummary(context.Background())

	health := sup.Health()
	logger.Debug("Supervisor finished",
		slog.String("state", string(health.State)),
		slog.Int64("stdout_lines", health.Counters.StdoutLines),
		slog.Int64("stderr_lines", health.Counters.StderrLines))
	return nil
}

// shutdownBudget bounds the whole TERM, KILL and drain sequence
func shutdownBudget(cfg *config.Config) time.Duration {
	return cfg.Shutdown.GracePeriod + cfg.Shutdown.KillTimeout + cfg.Launch.DrainTimeout + time.Second
}
