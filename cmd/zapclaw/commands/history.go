package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

// newHistoryCmd creates `zapclaw history`, working on the store offline.
func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect or clear stored conversations",
		Long: `Read the configured history store (JSON file or SQLite) directly.
Stop 'zapclaw serve' first when using the JSON backend: the service keeps
its own copy in memory and would overwrite changes.

Examples:
  zapclaw history list
  zapclaw history show 5511999998888@s.whatsapp.net -n 10
  zapclaw history clear 5511999998888@s.whatsapp.net`,
	}

	cmd.AddCommand(
		newHistoryListCmd(),
		newHistoryShowCmd(),
		newHistoryClearCmd(),
	)
	return cmd
}

func newHistoryListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List conversations with turn counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			store, err := openHistory(cfg, quietLogger(cmd))
			if err != nil {
				return err
			}
			defer store.Close()

			stats, err := store.Stats(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("%d conversations, %d turns\n\n", stats.Conversations, stats.Turns)

			tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "CONVERSATION\tTURNS\tLAST ACTIVITY")
			for _, c := range stats.Contacts {
				last := "-"
				if !c.LastActivity.IsZero() {
					last = c.LastActivity.Local().Format(time.DateTime)
				}
				fmt.Fprintf(tw, "%s\t%d\t%s\n", c.ConversationID, c.TurnCount, last)
			}
			return tw.Flush()
		},
	}
}

func newHistoryShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <conversation-id>",
		Short: "Print a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			store, err := openHistory(cfg, quietLogger(cmd))
			if err != nil {
				return err
			}
			defer store.Close()

			n, _ := cmd.Flags().GetInt("last")
			turns, err := store.Recent(cmd.Context(), args[0], n)
			if err != nil {
				return err
			}
			if len(turns) == 0 {
				return fmt.Errorf("no history for %s", args[0])
			}
			for _, t := range turns {
				fmt.Printf("[%s] %s: %s\n", t.CreatedAt.Local().Format(time.DateTime), t.Role, t.Content)
			}
			return nil
		},
	}
	cmd.Flags().IntP("last", "n", 0, "only the newest N turns (0 = all)")
	return cmd
}

func newHistoryClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear <conversation-id>",
		Short: "Delete a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			store, err := openHistory(cfg, quietLogger(cmd))
			if err != nil {
				return err
			}
			defer store.Close()

			cleared, err := store.Clear(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !cleared {
				return fmt.Errorf("no history for %s", args[0])
			}
			fmt.Printf("history of %s cleared\n", args[0])
			return nil
		},
	}
}
