package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/wesm/issue-sync/internal/models"
	"github.com/wesm/issue-sync/internal/sync"
)

var syncFlags struct {
	platform string
	owner    string
	repo     string
	all      bool
	limit    int
	sort     string
	full     bool
}

var syncCmd = &cobra.Command{
	Use:   "sync [owner/name | platform:owner/name]",
	Short: "Sync one repository, or every configured repository with --all",
	Long: `Fetch issues changed since the stored cursor and persist them with their
comments. The cursor only advances after a page is fully written, so an
interrupted or limited run resumes where it stopped.

Exit status: 0 completed, 3 stopped at --limit, 4 aborted.

Examples:
  issue-sync sync golang/go
  issue-sync sync --platform jira --owner mongodb --repo SERVER --limit 500
  issue-sync sync --all --sort created --full`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := cfg.SyncOptions()
		if err != nil {
			return err
		}
		if err := applySyncFlags(&opts); err != nil {
			return err
		}

		svc, err := newService()
		if err != nil {
			return err
		}

		var targets []sync.Target
		if syncFlags.all {
			if len(args) > 0 {
				return errors.New("--all does not take a repository argument")
			}
			if targets, err = cfg.Targets(); err != nil {
				return err
			}
			if len(targets) == 0 {
				return errors.New("no repositories configured, use add-repo first")
			}
		} else {
			target, err := resolveTarget(args, syncFlags.platform, syncFlags.owner, syncFlags.repo)
			if err != nil {
				return err
			}
			targets = []sync.Target{target}
		}

		ctx := cmd.Context()
		var reports []*sync.Report
		var runErr error
		if len(targets) == 1 {
			opts.Progress = progressLogger(targets[0])
			var report *sync.Report
			report, runErr = svc.Sync(ctx, targets[0], opts)
			reports = []*sync.Report{report}
		} else {
			reports, runErr = svc.SyncAll(ctx, targets, opts)
		}

		if err := printReports(reports); err != nil {
			return err
		}
		if code := statusCode(reports...); code != exitOK {
			return &exitError{code: code, err: runErr}
		}
		return runErr
	},
}

func init() {
	f := syncCmd.Flags()
	f.StringVar(&syncFlags.platform, "platform", "github", "Issue tracker: github or jira")
	f.StringVar(&syncFlags.owner, "owner", "", "Repository owner or JIRA organization")
	f.StringVar(&syncFlags.repo, "repo", "", "Repository name or JIRA project key")
	f.BoolVar(&syncFlags.all, "all", false, "Sync every repository in the configuration")
	f.IntVar(&syncFlags.limit, "limit", 0, "Stop after about this many changed issues (0 = no limit)")
	f.StringVar(&syncFlags.sort, "sort", "", "Sort field: created (backfill) or updated (delta)")
	f.BoolVar(&syncFlags.full, "full", false, "Ignore the stored cursor and list from the beginning")
}

func applySyncFlags(opts *sync.Options) error {
	if syncFlags.limit < 0 {
		return fmt.Errorf("--limit must not be negative, got %d", syncFlags.limit)
	}
	opts.Limit = syncFlags.limit
	opts.Full = syncFlags.full
	if syncFlags.sort != "" {
		sortField, err := models.ParseSortField(syncFlags.sort)
		if err != nil {
			return err
		}
		opts.SortField = sortField
	}
	return nil
}

// resolveTarget accepts either a positional target or the --owner/--repo flags
func resolveTarget(args []string, platform, owner, repo string) (sync.Target, error) {
	if len(args) == 1 {
		if owner != "" || repo != "" {
			return sync.Target{}, errors.New("give either a repository argument or --owner/--repo, not both")
		}
		return sync.ParseTarget(args[0])
	}
	if owner == "" || repo == "" {
		return sync.Target{}, errors.New("a repository is required: owner/name or --owner and --repo")
	}
	p, err := models.ParsePlatform(platform)
	if err != nil {
		return sync.Target{}, err
	}
	return sync.ParseTarget(fmt.Sprintf("%s:%s/%s", p, owner, repo))
}

func progressLogger(target sync.Target) func(sync.Progress) {
	return func(p sync.Progress) {
		ev := log.Info().Str("target", target.String()).Int("processed", p.Processed)
		if p.Known {
			ev = ev.Int("total", p.Total)
		}
		ev.Msg("progress")
	}
}

func printReports(reports []*sync.Report) error {
	if jsonOutput {
		return outputJSON(reports)
	}
	for _, r := range reports {
		if r == nil {
			continue
		}
		fmt.Printf("%s: %s, %d processed (%d created, %d updated, %d unchanged) in %s\n",
			r.Target, r.Status, r.Processed, r.Created, r.Updated, r.Unchanged, r.Duration.Round(time.Millisecond))
		if r.Cursor != nil {
			fmt.Printf("  cursor: %s (%s)\n", r.Cursor.Format(time.RFC3339), r.SortField)
		}
		if r.Retries > 0 {
			fmt.Printf("  retries: %d\n", r.Retries)
		}
		if r.SkippedCount > 0 {
			fmt.Printf("  skipped %d malformed records:\n", r.SkippedCount)
			fmt.Printf("    %s\n", strings.Join(r.Skipped, "\n    "))
		}
		if r.Error != "" {
			fmt.Printf("  error: %s\n", r.Error)
		}
	}
	return nil
}
