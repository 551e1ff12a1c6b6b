package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var scheduleFlags struct {
	spec    string
	timeout time.Duration
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Sync every configured repository on a cron schedule",
	Long: `Run sync --all on a five-field cron schedule until interrupted.
A tick that fires while the previous run is still going is skipped.

Example:
  issue-sync schedule --cron "*/30 * * * *"`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		targets, err := cfg.Targets()
		if err != nil {
			return err
		}
		if len(targets) == 0 {
			return errors.New("no repositories configured, use add-repo first")
		}
		opts, err := cfg.SyncOptions()
		if err != nil {
			return err
		}
		svc, err := newService()
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		cl := cronLogger{log: log}
		c := cron.New(
			cron.WithLocation(time.Local),
			cron.WithParser(cron.NewParser(cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow)),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		)
		_, err = c.AddFunc(scheduleFlags.spec, func() {
			runCtx, cancel := context.WithTimeout(ctx, scheduleFlags.timeout)
			defer cancel()

			log.Info().Int("targets", len(targets)).Msg("cron: sync all")
			reports, err := svc.SyncAll(runCtx, targets, opts)
			for _, r := range reports {
				if r != nil {
					log.Info().Str("target", r.Target).Str("status", string(r.Status)).Int("processed", r.Processed).Msg("cron: sync finished")
				}
			}
			if err != nil {
				log.Error().Err(err).Msg("cron: sync failed")
			}
		})
		if err != nil {
			return fmt.Errorf("invalid cron spec %q: %w", scheduleFlags.spec, err)
		}

		c.Start()
		log.Info().Str("cron", scheduleFlags.spec).Msg("scheduler started")
		<-ctx.Done()

		log.Info().Msg("stopping scheduler")
		<-c.Stop().Done()
		return nil
	},
}

func init() {
	scheduleCmd.Flags().StringVar(&scheduleFlags.spec, "cron", "0 * * * *", "Five-field cron schedule")
	scheduleCmd.Flags().DurationVar(&scheduleFlags.timeout, "timeout", time.Hour, "Maximum duration of one scheduled run")
}

// cronLogger adapts zerolog to the cron.Logger interface
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
