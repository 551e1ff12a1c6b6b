package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/wesm/issue-sync/internal/sync"
)

var showFlags struct {
	id     string
	number int
}

var showCmd = &cobra.Command{
	Use:   "show <owner/name | platform:owner/name>",
	Short: "Print the stored payload of an issue, or list stored issues",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target, err := sync.ParseTarget(args[0])
		if err != nil {
			return err
		}
		svc, err := newService()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		switch {
		case showFlags.id != "":
			raw, err := svc.Show(ctx, target, showFlags.id)
			if err != nil {
				return fmt.Errorf("failed to show issue %s: %w", showFlags.id, err)
			}
			fmt.Println(string(raw))
			return nil
		case showFlags.number > 0:
			raw, err := svc.ShowNumber(ctx, target, showFlags.number)
			if err != nil {
				return fmt.Errorf("failed to show issue #%d: %w", showFlags.number, err)
			}
			fmt.Println(string(raw))
			return nil
		}

		summaries, err := svc.ListIssues(ctx, target)
		if err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(summaries)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATE\tUPDATED\tCOMMENTS\tTITLE")
		for _, s := range summaries {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", s.IssueID, s.State, s.UpdatedAt.Format(time.DateOnly), s.CommentsCount, s.Title)
		}
		return w.Flush()
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats <owner/name | platform:owner/name>",
	Short: "Print row counts and the cursor of a store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target, err := sync.ParseTarget(args[0])
		if err != nil {
			return err
		}
		svc, err := newService()
		if err != nil {
			return err
		}

		stats, err := svc.Stats(cmd.Context(), target)
		if err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(stats)
		}

		fmt.Printf("%s\n", target)
		fmt.Printf("  issues:   %d\n", stats.Issues)
		fmt.Printf("  comments: %d\n", stats.Comments)
		if stats.LastIssueSync != nil {
			fmt.Printf("  cursor:   %s (%s)\n", stats.LastIssueSync.Format(time.RFC3339), stats.SortField)
		} else {
			fmt.Printf("  cursor:   none\n")
		}
		return nil
	},
}

func init() {
	showCmd.Flags().StringVar(&showFlags.id, "id", "", "Issue id (GitHub number or JIRA key)")
	showCmd.Flags().IntVar(&showFlags.number, "number", 0, "Issue number")
}
