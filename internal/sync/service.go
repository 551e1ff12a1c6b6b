package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/wesm/issue-sync/internal/api"
	"github.com/wesm/issue-sync/internal/db"
	"github.com/wesm/issue-sync/internal/models"
	"golang.org/x/sync/errgroup"
)

// Target names one repository store
type Target struct {
	Platform models.Platform
	Owner    string
	Repo     string
}

func (t Target) String() string {
	return fmt.Sprintf("%s:%s/%s", t.Platform, t.Owner, t.Repo)
}

// ParseTarget parses "owner/repo" (GitHub) or "platform:owner/repo"
func ParseTarget(s string) (Target, error) {
	platform := models.PlatformGitHub
	rest := strings.TrimSpace(s)
	if prefix, after, ok := strings.Cut(rest, ":"); ok {
		p, err := models.ParsePlatform(prefix)
		if err != nil {
			return Target{}, err
		}
		platform, rest = p, after
	}

	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Target{}, fmt.Errorf("invalid repository format, expected 'owner/name', got '%s'", s)
	}
	return Target{Platform: platform, Owner: parts[0], Repo: parts[1]}, nil
}

// ProviderFactory builds the provider for a target
type ProviderFactory func(target Target) (api.Provider, error)

// Service runs syncs and reads stores under one data directory
type Service struct {
	dataDir     string
	newProvider ProviderFactory
	log         zerolog.Logger
	// Number of stores synced concurrently by SyncAll
	workers int
}

// NewService creates a service whose providers are built from cfg
func NewService(dataDir string, cfg api.ProviderConfig, log zerolog.Logger) *Service {
	if cfg.Logger == nil {
		cfg.Logger = &log
	}
	factory := func(t Target) (api.Provider, error) {
		return api.NewProvider(t.Platform, t.Owner, t.Repo, cfg)
	}
	return NewServiceWithFactory(dataDir, factory, log)
}

// NewServiceWithFactory creates a service with a custom provider factory
func NewServiceWithFactory(dataDir string, factory ProviderFactory, log zerolog.Logger) *Service {
	return &Service{
		dataDir:     dataDir,
		newProvider: factory,
		log:         log,
		workers:     4,
	}
}

// SetWorkers sets how many stores SyncAll syncs at once
func (s *Service) SetWorkers(workers int) {
	if workers < 1 {
		workers = 1
	}
	if workers > 10 {
		workers = 10
	}
	s.workers = workers
}

// Sync runs one sync against target's store
func (s *Service) Sync(ctx context.Context, target Target, opts Options) (*Report, error) {
	log := s.log.With().Str("target", target.String()).Logger()

	provider, err := s.newProvider(target)
	if err != nil {
		return &Report{Target: target.String(), Status: StatusAborted, SortField: opts.SortField, Error: err.Error()}, err
	}

	store, err := db.OpenRepo(ctx, s.dataDir, target.Platform, target.Owner, target.Repo)
	if err != nil {
		return &Report{Target: target.String(), Status: StatusAborted, SortField: opts.SortField, Error: err.Error()}, err
	}
	defer store.Close()

	report, err := New(store, provider, log, opts).Run(ctx)
	report.Target = target.String()
	return report, err
}

// SyncAll syncs distinct stores concurrently. Duplicate targets are synced
// once since runs against the same store must not overlap. Every target is
// attempted; the returned error joins the individual failures.
func (s *Service) SyncAll(ctx context.Context, targets []Target, opts Options) ([]*Report, error) {
	seen := make(map[Target]bool, len(targets))
	var unique []Target
	for _, t := range targets {
		if !seen[t] {
			seen[t] = true
			unique = append(unique, t)
		}
	}

	reports := make([]*Report, len(unique))
	errs := make([]error, len(unique))

	var g errgroup.Group
	g.SetLimit(s.workers)
	for i, t := range unique {
		g.Go(func() error {
			report, err := s.Sync(ctx, t, opts)
			reports[i] = report
			if err != nil {
				errs[i] = fmt.Errorf("%s: %w", t, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	return reports, errors.Join(errs...)
}

// openExisting opens a store that a previous sync created
func (s *Service) openExisting(ctx context.Context, target Target) (*db.DB, error) {
	path, err := db.StorePath(s.dataDir, target.Platform, target.Owner, target.Repo)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no local store for %s, run sync first", target)
		}
		return nil, fmt.Errorf("failed to stat store: %w", err)
	}
	return db.OpenRepo(ctx, s.dataDir, target.Platform, target.Owner, target.Repo)
}

// IssuesWithComments returns every stored issue with its comments
func (s *Service) IssuesWithComments(ctx context.Context, target Target) ([]*models.IssueWithComments, error) {
	store, err := s.openExisting(ctx, target)
	if err != nil {
		return nil, err
	}
	defer store.Close()
	return store.GetIssuesWithComments(ctx)
}

// Show returns the raw stored payload of one issue
func (s *Service) Show(ctx context.Context, target Target, issueID string) (json.RawMessage, error) {
	store, err := s.openExisting(ctx, target)
	if err != nil {
		return nil, err
	}
	defer store.Close()
	return store.IssueMetadata(ctx, issueID)
}

// ShowNumber returns the raw stored payload of the issue with number
func (s *Service) ShowNumber(ctx context.Context, target Target, number int) (json.RawMessage, error) {
	store, err := s.openExisting(ctx, target)
	if err != nil {
		return nil, err
	}
	defer store.Close()
	return store.IssueMetadataByNumber(ctx, number)
}

// ListIssues returns summaries of every stored issue
func (s *Service) ListIssues(ctx context.Context, target Target) ([]models.IssueSummary, error) {
	store, err := s.openExisting(ctx, target)
	if err != nil {
		return nil, err
	}
	defer store.Close()
	return store.ListIssues(ctx)
}

// Stats returns counts and the cursor of target's store
func (s *Service) Stats(ctx context.Context, target Target) (*models.StoreStats, error) {
	store, err := s.openExisting(ctx, target)
	if err != nil {
		return nil, err
	}
	defer store.Close()
	return store.Stats(ctx)
}
