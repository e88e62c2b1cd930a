package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/propvoice/voice-agent/internal/storage"
)

func newCallsCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "calls",
		Short: "Inspect recorded call history",
	}

	cmd.AddCommand(newCallsListCmd(configPath))
	cmd.AddCommand(newCallsShowCmd(configPath))
	return cmd
}

func openStore(configPath string) (*storage.SQLiteStore, error) {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	store, err := storage.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open call history at %s: %w", cfg.DBPath, err)
	}
	return store, nil
}

func newCallsListCmd(configPath *string) *cobra.Command {
	var date string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List calls for a day",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(*configPath)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			if date == "" {
				date = time.Now().UTC().Format("2006-01-02")
			}
			calls, err := store.GetCallsByDate(date)
			if err != nil {
				return fmt.Errorf("list calls: %w", err)
			}
			return printCalls(cmd, date, calls)
		},
	}

	cmd.Flags().StringVar(&date, "date", "", "day to list (YYYY-MM-DD, default today UTC)")
	return cmd
}

func printCalls(cmd *cobra.Command, date string, calls []storage.Call) error {
	out := cmd.OutOrStdout()
	if len(calls) == 0 {
		fmt.Fprintf(out, "No calls on %s\n", date)
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTARTED\tDURATION\tSTATUS\tSUMMARY")
	for _, c := range calls {
		duration := "-"
		if c.EndedAt != nil {
			duration = c.EndedAt.Sub(c.StartedAt).Round(time.Second).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			c.ID, c.StartedAt.Format("15:04:05"), duration, c.Status, c.SummaryStatus)
	}
	return tw.Flush()
}

func newCallsShowCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "show <call-id>",
		Short: "Print a call's transcript and summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(*configPath)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			c, err := store.GetCall(args[0])
			if err != nil {
				return fmt.Errorf("get call %s: %w", args[0], err)
			}
			entries, err := store.GetUtterances(c.ID)
			if err != nil {
				return fmt.Errorf("get call utterances: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Call %s (%s, started %s)\n\n", c.ID, c.Status, c.StartedAt.Format(time.RFC3339))
			for _, e := range entries {
				fmt.Fprintln(out, e.FormatMarkdown())
			}
			if strings.TrimSpace(c.Summary) != "" {
				fmt.Fprintf(out, "\n## Summary\n\n%s\n", c.Summary)
			}
			return nil
		},
	}
}
