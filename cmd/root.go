package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bebsworthy/sidecar/internal/config"
	"github.com/bebsworthy/sidecar/internal/logging"
	"github.com/bebsworthy/sidecar/internal/sidecar"
)

var (
	// Global flags
	configFile string
	verbose    bool

	v = viper.New()

	// Global configuration
	appConfig *config.Config
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "sidecar",
	Short: "Supervise a bundled sidecar server process",
	Long: `sidecar launches a bundled helper executable, tells it which process is its
parent (--parent-pid), and relays every line it prints to the host's log
channels with a "[server]" tag: stdout to the info channel and stderr to the
error channel. When the helper exits, its exit status is logged once. The
helper is never restarted automatically.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "config file (default is $SIDECAR_CONFIG or ./sidecar.yaml)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	flags.String("name", "", "sidecar executable name")
	flags.StringSlice("bin-dir", nil, "directories searched for the sidecar executable")
	flags.Bool("search-path", false, "fall back to $PATH when resolving the sidecar")
	flags.String("tag", "", "prefix for relayed lines")
	flags.String("output", "", "relay destination: console or log")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.String("log-format", "", "log format: text or json")
	flags.String("log-file", "", "write supervisor logs to this file")

	bind := map[string]string{
		"sidecar.name":        "name",
		"sidecar.bin_dirs":    "bin-dir",
		"sidecar.search_path": "search-path",
		"sidecar.tag":         "tag",
		"relay.output":        "output",
		"logging.level":       "log-level",
		"logging.format":      "log-format",
		"logging.output_file": "log-file",
		"logging.verbose":     "verbose",
	}
	for key, flag := range bind {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", flag, err))
		}
	}
}

// initConfig reads in config file, ENV variables and bound flags.
func initConfig() error {
	configPath := configFile
	if configPath == "" {
		configPath = os.Getenv("SIDECAR_CONFIG")
	}

	cfg, err := config.LoadConfigWithViper(v, configPath)
	if err != nil {
		return fmt.Errorf("error loading configuration: %w", err)
	}
	appConfig = cfg

	if cfg.Logging.Verbose && cfg.Logging.Level == "info" {
		cfg.Logging.Level = "debug"
	}
	return nil
}

// GetConfig returns the global configuration
// This should be called after cobra initialization
func GetConfig() *config.Config {
	if appConfig == nil {
		return config.DefaultConfig()
	}
	return appConfig
}

// newOutput returns the relay destination selected by relay.output
func newOutput(cfg *config.Config, logger *logging.Logger) sidecar.Output {
	if cfg.Relay.Output == config.OutputLog {
		return sidecar.LoggerOutput{Logger: logging.NewRelayLogger(logger, cfg.Sidecar.Tag)}
	}
	return sidecar.NewConsoleOutput()
}
