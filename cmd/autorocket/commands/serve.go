package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/huihuaAI/auto-rocket/pkg/autorocket/bot"
)

// newServeCmd creates the `autorocket serve` command that starts the agent.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Connect to the panel and answer messages unattended",
		Long: `Start the agent: log in to the chat panel, hold the websocket,
relay user messages to the AI backend, and follow up on idle conversations.

Examples:
  autorocket serve
  autorocket serve --config ./config.yaml`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger := bot.NewLogger(cfg.Logging)

	b, err := bot.New(cfg, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		logger.Info("shutdown signal received, stopping...")
		cancel()
	}()

	return b.Run(ctx)
}
