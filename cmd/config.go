package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/bebsworthy/sidecar/internal/config"
)

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as YAML",
	Long: `Print the configuration that run and mcp would use, after applying defaults,
the config file, SIDECAR_* environment variables and flags.

The output is valid input for --config. With --paths, list the locations
searched for a config file instead.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if showPaths {
			for _, path := range config.GetConfigPaths() {
				fmt.Fprintln(cmd.OutOrStdout(), path)
			}
			return nil
		}

		data, err := marshalConfig(GetConfig())
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

var showPaths bool

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.Flags().BoolVar(&showPaths, "paths", false, "list config file search paths")
}

func marshalConfig(cfg *config.Config) ([]byte, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode configuration: %w", err)
	}
	return data, nil
}
