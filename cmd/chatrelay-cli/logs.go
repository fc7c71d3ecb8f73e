package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ferro-labs/chat-relay/internal/requestlog"
)

func newLogsCmd() *cobra.Command {
	var dsn string
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Inspect the persistent request log",
	}
	cmd.PersistentFlags().StringVar(&dsn, "dsn", os.Getenv("REQUEST_LOG_DSN"),
		"request log DSN (SQLite path or postgres:// URL; default $REQUEST_LOG_DSN)")

	open := func() (*requestlog.SQLWriter, error) {
		if dsn == "" {
			return nil, errors.New("no request log configured: pass --dsn or set REQUEST_LOG_DSN")
		}
		return requestlog.Open(dsn)
	}

	cmd.AddCommand(
		newLogsStatsCmd(open),
		newLogsListCmd(open),
		newLogsPruneCmd(open),
	)
	return cmd
}

type openFunc func() (*requestlog.SQLWriter, error)

func newLogsStatsCmd(open openFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Summarize requests by outcome",
		RunE: func(cmd *cobra.Command, _ []string) error {
			w, err := open()
			if err != nil {
				return err
			}
			defer w.Close() //nolint:errcheck

			sum, err := w.Summarize(context.Background())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if sum.Total == 0 {
				fmt.Fprintln(out, "No requests logged.")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "OUTCOME\tREQUESTS\tSHARE\tAVG LATENCY (ms)")
			for _, o := range sum.Outcomes {
				share := 100 * float64(o.Count) / float64(sum.Total)
				fmt.Fprintf(tw, "%s\t%d\t%.1f%%\t%.0f\n", o.Outcome, o.Count, share, o.AvgLatencyMS)
			}
			fmt.Fprintf(tw, "TOTAL\t%d\t\t\n", sum.Total)
			return tw.Flush()
		},
	}
}

func newLogsListCmd(open openFunc) *cobra.Command {
	var q requestlog.Query
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the most recent requests",
		RunE: func(cmd *cobra.Command, _ []string) error {
			w, err := open()
			if err != nil {
				return err
			}
			defer w.Close() //nolint:errcheck

			res, err := w.List(context.Background(), q)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(res.Data) == 0 {
				fmt.Fprintln(out, "No requests found.")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tENDPOINT\tOUTCOME\tLATENCY\tTOKENS\tTRACE ID\tERROR")
			for _, e := range res.Data {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%dms\t%d/%d\t%s\t%s\n",
					e.CreatedAt.Format("2006-01-02T15:04:05"), e.Endpoint, e.Outcome, e.LatencyMS,
					e.PromptTokens, e.CompletionTokens, e.TraceID, e.ErrorMessage)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(out, "\nShowing %d of %d\n", len(res.Data), res.Total)
			return nil
		},
	}
	cmd.Flags().IntVar(&q.Limit, "limit", 20, "maximum rows to show")
	cmd.Flags().IntVar(&q.Offset, "offset", 0, "rows to skip")
	cmd.Flags().StringVar(&q.Endpoint, "endpoint", "", "filter by endpoint (chat, stream)")
	cmd.Flags().StringVar(&q.Outcome, "outcome", "", "filter by outcome (cache_hit, upstream, fallback, cancelled)")
	return cmd
}

func newLogsPruneCmd(open openFunc) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete log entries older than a cutoff",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if olderThan <= 0 {
				return errors.New("--older-than must be positive")
			}
			w, err := open()
			if err != nil {
				return err
			}
			defer w.Close() //nolint:errcheck

			n, err := w.Delete(context.Background(), time.Now().UTC().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d entries older than %s\n", n, olderThan)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "delete entries older than this")
	return cmd
}
