package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ferro-labs/chat-relay/internal/cache"
	"github.com/ferro-labs/chat-relay/internal/fallback"
)

func newCacheKeyCmd() *cobra.Command {
	var history []string
	cmd := &cobra.Command{
		Use:   "cache-key <message>",
		Short: "Print the cache key for a message and history",
		Long: "Print the cache key for a message and history. Each --turn is " +
			"role:content, oldest first; only the last three affect the key.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			turns, err := parseTurns(history)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), cache.Key(args[0], turns))
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&history, "turn", nil, "history turn as role:content (repeatable)")
	return cmd
}

func parseTurns(raw []string) ([]cache.Turn, error) {
	turns := make([]cache.Turn, 0, len(raw))
	for _, r := range raw {
		role, content, ok := strings.Cut(r, ":")
		if !ok || role == "" {
			return nil, fmt.Errorf("invalid turn %q: want role:content", r)
		}
		turns = append(turns, cache.Turn{Role: role, Content: content})
	}
	return turns, nil
}

func newSeedsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seeds",
		Short: "List the questions pre-loaded into the cache at startup",
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "QUESTION\tKEY\tRESPONSE")
			for _, e := range cache.CommonQuestions() {
				fmt.Fprintf(w, "%s\t%s\t%s\n", e.Question, cache.Key(e.Question, nil), firstLine(e.Response))
			}
			return w.Flush()
		},
	}
}

func newFallbackCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "fallback [message]",
		Short: "Show the fallback reply served for a message when upstream fails",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r := fallback.New()
			out := cmd.OutOrStdout()
			if all || len(args) == 0 {
				for i, reply := range r.Pool() {
					fmt.Fprintf(out, "%d. %s\n", i+1, reply)
				}
				return nil
			}
			fmt.Fprintln(out, r.Respond(args[0]))
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "list every fallback template")
	return cmd
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
