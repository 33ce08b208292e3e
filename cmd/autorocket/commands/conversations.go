package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/huihuaAI/auto-rocket/pkg/autorocket/bot"
	"github.com/huihuaAI/auto-rocket/pkg/autorocket/store"
)

// newConversationsCmd creates the `autorocket conversations` command for
// inspecting the conversation store.
func newConversationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"conv"},
		Short:   "List persisted conversations",
		Long: `List the conversations the agent has stored, most recently
active first, with their follow-up counters and AI session state.

Examples:
  autorocket conversations
  autorocket conversations --limit 20`,
		RunE: runConversations,
	}

	cmd.Flags().Int("limit", 50, "maximum rows to show")
	return cmd
}

func runConversations(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	limit, _ := cmd.Flags().GetInt("limit")

	logger := bot.NewLogger(cfg.Logging)
	st, err := store.Open(cfg.Store, logger)
	if err != nil {
		return fmt.Errorf("opening conversation store: %w", err)
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	convs, err := st.List(ctx, limit)
	if err != nil {
		return err
	}
	if len(convs) == 0 {
		fmt.Println("No conversations stored.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "USER ID\tACCOUNT\tFRIEND\tFOLLOW-UPS\tSESSION\tLAST ACTIVITY")
	for _, c := range convs {
		session := "-"
		if c.AISessionRef != "" {
			session = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			c.UserID, c.AccountID, c.FriendID, c.FollowUpCount, session,
			c.LastActivityAt.Local().Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}
