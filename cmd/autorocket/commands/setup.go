package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/huihuaAI/auto-rocket/pkg/autorocket/bot"
)

// newSetupCmd creates the `autorocket setup` command that stores credentials
// in the OS keyring so the config file never carries plaintext secrets.
func newSetupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Store panel and AI credentials in the OS keyring",
		Long: `Interactively store the panel password and the AI backend API key
in the operating system keyring. At runtime the agent resolves secrets from
the keyring first, so config.yaml can leave them empty.

Examples:
  autorocket setup
  autorocket setup --delete`,
		RunE: runSetup,
	}

	cmd.Flags().Bool("delete", false, "remove stored credentials instead")
	return cmd
}

func runSetup(cmd *cobra.Command, _ []string) error {
	if del, _ := cmd.Flags().GetBool("delete"); del {
		return deleteSecrets()
	}

	if !bot.KeyringAvailable() {
		return fmt.Errorf("OS keyring is not available; set AUTOROCKET_PANEL_PASSWORD and AUTOROCKET_AI_API_KEY in the environment instead")
	}

	password, err := readSecret("Panel password (leave empty to skip): ")
	if err != nil {
		return err
	}
	if password != "" {
		if err := bot.StoreKeyring(bot.KeyringPanelPassword, password); err != nil {
			return fmt.Errorf("storing panel password: %w", err)
		}
		fmt.Println("Panel password stored.")
	}

	apiKey, err := readSecret("AI API key (leave empty to skip): ")
	if err != nil {
		return err
	}
	if apiKey != "" {
		if err := bot.StoreKeyring(bot.KeyringAIAPIKey, apiKey); err != nil {
			return fmt.Errorf("storing AI API key: %w", err)
		}
		fmt.Println("AI API key stored.")
	}

	return nil
}

func deleteSecrets() error {
	for _, key := range []string{bot.KeyringPanelPassword, bot.KeyringAIAPIKey} {
		if err := bot.DeleteKeyring(key); err == nil {
			fmt.Printf("Removed %s.\n", key)
		}
	}
	return nil
}

// readSecret prompts without echo on a terminal and falls back to plain
// stdin for piped input.
func readSecret(prompt string) (string, error) {
	fmt.Print(prompt)

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		data, err := term.ReadPassword(fd)
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("reading input: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	}

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("reading input: %w", err)
	}
	return strings.TrimSpace(line), nil
}
