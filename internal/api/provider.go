package api

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/wesm/issue-sync/internal/models"
)

// Provider is the capability every issue tracker adapter implements
type Provider interface {
	// Name is the platform this provider serves
	Name() models.Platform

	// ListChangedSince returns a lazy, forward-only sequence of pages of
	// normalized issues whose sort field is at or after cursor. Each page is
	// non-decreasing in the sort field. A zero cursor lists everything.
	ListChangedSince(cursor time.Time, sort models.SortField) Pager

	// ListComments returns the complete current comment set of one issue
	ListComments(ctx context.Context, issue *models.Issue) (*CommentSet, error)

	// EstimateTotal approximates how many issues the listing will yield.
	// The second result is false when no estimate is available.
	EstimateTotal(ctx context.Context, cursor time.Time, sort models.SortField) (int, bool)
}

// Pager walks the pages of one listing.
// A failed Next leaves the pager in place so the same page can be requested again.
type Pager interface {
	Next(ctx context.Context) (*Page, error)
}

// Page is one batch of normalized issues
type Page struct {
	Issues []*models.Issue
	// Skipped holds a MalformedRecordError per record that could not be normalized
	Skipped []error
}

// Empty reports whether the listing is exhausted
func (p *Page) Empty() bool {
	return p == nil || (len(p.Issues) == 0 && len(p.Skipped) == 0)
}

// CommentSet is the full comment list of one issue
type CommentSet struct {
	Comments []*models.Comment
	Skipped  []error
}

// ProviderConfig carries the provider-specific settings
type ProviderConfig struct {
	GitHubToken string
	// GitHubBaseURL and GitHubGraphQLURL override api.github.com, mainly for tests
	GitHubBaseURL    string
	GitHubGraphQLURL string

	JiraBaseURL  string
	JiraTimeZone *time.Location

	PageSize   int
	HTTPClient *http.Client
	// Logger receives provider diagnostics; nil discards them
	Logger *zerolog.Logger
}

func (c ProviderConfig) logger() zerolog.Logger {
	if c.Logger == nil {
		return zerolog.Nop()
	}
	return *c.Logger
}

func (c ProviderConfig) pageSize(max int) int {
	if c.PageSize <= 0 || c.PageSize > max {
		return max
	}
	return c.PageSize
}

// NewProvider builds the adapter for platform
func NewProvider(platform models.Platform, owner, repo string, cfg ProviderConfig) (Provider, error) {
	switch platform {
	case models.PlatformGitHub:
		return NewGitHubProvider(owner, repo, cfg)
	case models.PlatformJira:
		return NewJiraProvider(owner, repo, cfg)
	default:
		return nil, &PermanentFetchError{Op: "new provider", Err: fmt.Errorf("unsupported platform %q", platform)}
	}
}

// afterCursor keeps records at or after the cursor; the boundary is inclusive
// because several records can share the checkpointed timestamp
func afterCursor(issue *models.Issue, cursor time.Time, sort models.SortField) bool {
	return cursor.IsZero() || !sort.Value(issue).Before(cursor)
}

// listingFilter drops records a listing has no reason to deliver: those
// before the cursor, and repeats of a record already delivered with the same
// sort value. Repeats come from consecutive requests that overlap.
type listingFilter struct {
	cursor  time.Time
	sort    models.SortField
	issues  map[string]time.Time
	skipped map[uint64]struct{}
}

func newListingFilter(cursor time.Time, sort models.SortField) *listingFilter {
	return &listingFilter{
		cursor:  cursor,
		sort:    sort,
		issues:  make(map[string]time.Time),
		skipped: make(map[uint64]struct{}),
	}
}

// issue reports whether a normalized issue is new to this listing
func (f *listingFilter) issue(issue *models.Issue) bool {
	if !afterCursor(issue, f.cursor, f.sort) {
		return false
	}
	v := f.sort.Value(issue)
	if prev, ok := f.issues[issue.IssueID]; ok && prev.Equal(v) {
		return false
	}
	f.issues[issue.IssueID] = v
	return true
}

// malformed reports whether a record that failed to normalize should be
// reported. ts is its sort timestamp when one could still be read.
func (f *listingFilter) malformed(raw json.RawMessage, ts time.Time, ok bool) bool {
	if ok && !f.cursor.IsZero() && ts.Before(f.cursor) {
		return false
	}
	h := fnv.New64a()
	h.Write(raw)
	sum := h.Sum64()
	if _, dup := f.skipped[sum]; dup {
		return false
	}
	f.skipped[sum] = struct{}{}
	return true
}
