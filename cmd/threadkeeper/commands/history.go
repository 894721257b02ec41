package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/jholhewres/threadkeeper/pkg/threadkeeper/database"
	"github.com/jholhewres/threadkeeper/pkg/threadkeeper/store"
	"github.com/spf13/cobra"
)

// newHistoryCmd creates `threadkeeper history`, which prints stored turns.
func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history [channel] [thread]",
		Short: "Print a stored conversation",
		Long: `Print the latest summary and the most recent turns of a conversation.
Without arguments, list the stored conversations.

Examples:
  threadkeeper history
  threadkeeper history 123456789012345678
  threadkeeper history 123456789012345678 223456789012345678 --limit 50`,
		Args: cobra.MaximumNArgs(2),
		RunE: runHistory,
	}
	cmd.Flags().Int("limit", 20, "number of turns to print")
	cmd.Flags().String("surface", "discord", "platform the conversation belongs to")
	return cmd
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, _, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	limit, _ := cmd.Flags().GetInt("limit")
	surface, _ := cmd.Flags().GetString("surface")

	// Quiet logger so the output stays readable.
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	backend, err := database.Open(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer backend.Close()
	st := store.New(backend, logger)
	out := cmd.OutOrStdout()

	if len(args) == 0 {
		keys, err := st.ListConversations(ctx, surface+"/")
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			fmt.Fprintln(out, "No conversations stored.")
			return nil
		}
		for _, k := range keys {
			fmt.Fprintln(out, k)
		}
		return nil
	}

	key := store.Key{Surface: surface, Channel: args[0]}
	if len(args) == 2 {
		key.Thread = args[1]
	}
	return printConversation(ctx, out, st, key, limit)
}

func printConversation(ctx context.Context, out io.Writer, st *store.Store, key store.Key, limit int) error {
	total, err := st.CountTurns(ctx, key)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Conversation %s (%d turns)\n", key, total)

	sum, err := st.FetchLatestSummary(ctx, key)
	switch {
	case err == nil:
		fmt.Fprintf(out, "\nSummary (covers %d turns, %s):\n%s\n",
			sum.CoveredTurnCount, sum.CreatedAt.Format("2006-01-02 15:04"), sum.Text)
	case !errors.Is(err, store.ErrNotFound):
		return err
	}

	turns, err := st.FetchTurns(ctx, key, limit)
	if err != nil {
		return err
	}
	if len(turns) == 0 {
		return nil
	}
	fmt.Fprintln(out)
	for i := len(turns) - 1; i >= 0; i-- {
		t := turns[i]
		fmt.Fprintf(out, "[%s] %-9s %s\n", t.CreatedAt.Format("2006-01-02 15:04"), t.Role, strings.ReplaceAll(t.Content, "\n", "\n                           "))
	}
	return nil
}
