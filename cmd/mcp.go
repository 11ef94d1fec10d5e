package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bebsworthy/sidecar/internal/config"
	"github.com/bebsworthy/sidecar/internal/logging"
	"github.com/bebsworthy/sidecar/internal/server"
	"github.com/bebsworthy/sidecar/internal/sidecar"
)

// mcpCmd represents the mcp command
var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Supervise the sidecar and expose it as MCP tools over stdio",
	Long: `Launch the sidecar and serve the Model Context Protocol on stdin/stdout.

Tools:
  sidecar_status  state, PID, exit status and relay counters
  sidecar_logs    recent relayed lines (lines, stream, pattern, since)

stdout carries the MCP protocol, so relayed lines go to the structured logger
regardless of relay.output. The logger writes to stderr, or to
logging.output_file when one is configured. The sidecar is stopped when the MCP
client disconnects.`,
	Args: cobra.NoArgs,
	RunE: runMCP,
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

// mcpConfig returns cfg with relayed lines routed to the structured logger,
// which writes to stderr or the configured log file but never stdout.
func mcpConfig(cfg *config.Config) config.Config {
	out := *cfg
	out.Relay.Output = config.OutputLog
	return out
}

func runMCP(cmd *cobra.Command, args []string) error {
	cfg := mcpConfig(GetConfig())

	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Close()
	logging.SetDefault(logger)

	sup, err := sidecar.NewSupervisor(&cfg, newOutput(&cfg, logger), logger)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	// A failed start is reported through sidecar_status rather than ending
	// the MCP session.
	if err := sup.Start(ctx); err != nil {
		logger.LogError(ctx, "Failed to start sidecar", err)
	}

	serveErr := server.NewMCPServer(sup, Version).Serve()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownBudget(&cfg))
	defer cancel()
	if err := sup.Shutdown(shutdownCtx); err != nil {
		logger.LogError(shutdownCtx, "Sidecar shutdown incomplete", err)
	}
	sup.Monitor().LogMetricsSummary(context.Background())

	if serveErr != nil {
		return fmt.Errorf("MCP server error: %w", serveErr)
	}
	return nil
}
