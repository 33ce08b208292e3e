// Package commands implements the autorocket CLI commands using cobra.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/huihuaAI/auto-rocket/pkg/autorocket/bot"
)

// NewRootCmd creates the CLI root command with every subcommand registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "autorocket",
		Short: "autorocket - unattended auto-reply agent for chat panels",
		Long: `autorocket keeps a persistent connection to a customer-service
chat panel, relays user messages to an AI backend, and answers unattended.

Examples:
  autorocket serve
  autorocket serve --config ./config.yaml
  autorocket setup
  autorocket conversations`,
		Version: version,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newSetupCmd(),
		newConversationsCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}

// loadConfig resolves the --config flag (default ./config.yaml) and applies
// the --verbose override.
func loadConfig(cmd *cobra.Command) (*bot.Config, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path == "" {
		path = "./config.yaml"
	}

	cfg, err := bot.LoadConfigFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading config %q: %w", path, err)
	}

	if verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose"); verbose {
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}
