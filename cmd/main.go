package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/wesm/issue-sync/config"
	"github.com/wesm/issue-sync/internal/logger"
	"github.com/wesm/issue-sync/internal/sync"
)

// Process exit codes
const (
	exitOK      = 0
	exitFailure = 1
	exitLimited = 3
	exitAborted = 4
)

var (
	configPath string
	jsonOutput bool

	cfg       *config.Config
	log       zerolog.Logger
	logCloser io.Closer = io.NopCloser(nil)

	openLogger = logger.New
)

var rootCmd = &cobra.Command{
	Use:   "issue-sync",
	Short: "Incrementally mirror GitHub and JIRA issues into local SQLite stores",
	Long: `issue-sync pulls issues and comments from GitHub repositories and JIRA
projects into one SQLite file per repository, resuming from a durable cursor.

GitHub credentials are read from the GITHUB_TOKEN environment variable, JIRA
servers from JIRA_BASE_URL. A .env file next to the config file is loaded first.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		for _, envPath := range []string{filepath.Join(filepath.Dir(configPath), ".env"), ".env"} {
			if err := config.LoadEnvFile(envPath); err != nil {
				return err
			}
		}

		var err error
		cfg, err = config.LoadConfig(configPath)
		if err != nil {
			return err
		}

		var closer io.Closer
		log, closer, err = openLogger(cfg.LoggerOptions(), os.Stderr)
		if err != nil {
			return err
		}
		logCloser = closer
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.json", "Path to configuration file")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print results as JSON")

	rootCmd.AddCommand(initCmd, addRepoCmd, syncCmd, showCmd, statsCmd, scheduleCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := execute(ctx, os.Args[1:])
	stop()

	code := exitCode(err)
	if err != nil {
		var ee *exitError
		if !errors.As(err, &ee) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	}
	os.Exit(code)
}

// execute runs the command line and closes the log file however the command ended
func execute(ctx context.Context, args []string) error {
	defer func() {
		_ = logCloser.Close()
		logCloser = io.NopCloser(nil)
	}()
	rootCmd.SetArgs(args)
	return rootCmd.ExecuteContext(ctx)
}

// exitError carries a run outcome that maps to a non-zero exit status
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("exit status %d", e.code)
}

func (e *exitError) Unwrap() error { return e.err }

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitFailure
}

// statusCode maps the worst outcome among reports to an exit code
func statusCode(reports ...*sync.Report) int {
	code := exitOK
	for _, r := range reports {
		if r == nil {
			continue
		}
		switch r.Status {
		case sync.StatusAborted:
			return exitAborted
		case sync.StatusLimited:
			code = exitLimited
		}
	}
	return code
}

func newService() (*sync.Service, error) {
	pc, err := cfg.ProviderConfig()
	if err != nil {
		return nil, err
	}
	svc := sync.NewService(cfg.DataPath(), pc, log)
	svc.SetWorkers(cfg.Workers)
	return svc, nil
}

func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default configuration file if it doesn't exist",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.CreateDefaultConfig(configPath); err != nil {
			return fmt.Errorf("failed to create default configuration: %w", err)
		}
		log.Info().Str("path", configPath).Msg("configuration ready")
		return nil
	},
}

var addRepoCmd = &cobra.Command{
	Use:   "add-repo <owner/name | platform:owner/name>",
	Short: "Add a repository to the configuration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		added, err := cfg.AddRepository(args[0])
		if err != nil {
			return err
		}
		if !added {
			log.Info().Str("repo", args[0]).Msg("repository already exists in configuration")
			return nil
		}
		if err := config.SaveConfig(cfg, configPath); err != nil {
			return err
		}
		log.Info().Str("repo", args[0]).Msg("added repository to configuration")
		return nil
	},
}
