package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"
	"github.com/google/go-querystring/query"
	"github.com/rs/zerolog"
	"github.com/shurcooL/githubv4"
	"github.com/wesm/issue-sync/internal/models"
	"golang.org/x/oauth2"
)

const githubMaxPageSize = 100

// GitHubProvider lists issues and comments of one GitHub repository
type GitHubProvider struct {
	client   *github.Client
	graphql  *githubv4.Client
	owner    string
	name     string
	pageSize int
	log      zerolog.Logger
}

// NewGitHubProvider creates a GitHub adapter authenticated with a bearer token
func NewGitHubProvider(owner, name string, cfg ProviderConfig) (*GitHubProvider, error) {
	if cfg.GitHubToken == "" {
		return nil, &PermanentFetchError{Op: "github", Err: errors.New("no GitHub token configured")}
	}

	ctx := context.Background()
	if cfg.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, cfg.HTTPClient)
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.GitHubToken})
	tc := oauth2.NewClient(ctx, ts)

	client := github.NewClient(tc)
	if cfg.GitHubBaseURL != "" {
		base := cfg.GitHubBaseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		u, err := url.Parse(base)
		if err != nil {
			return nil, &PermanentFetchError{Op: "github", Err: fmt.Errorf("invalid base URL: %w", err)}
		}
		client.BaseURL = u
	}

	gql := githubv4.NewClient(tc)
	if cfg.GitHubGraphQLURL != "" {
		gql = githubv4.NewEnterpriseClient(cfg.GitHubGraphQLURL, tc)
	}

	return &GitHubProvider{
		client:   client,
		graphql:  gql,
		owner:    owner,
		name:     name,
		pageSize: cfg.pageSize(githubMaxPageSize),
		log:      cfg.logger().With().Str("provider", "github").Str("repo", owner+"/"+name).Logger(),
	}, nil
}

// Name returns the platform identifier
func (p *GitHubProvider) Name() models.Platform { return models.PlatformGitHub }

// ListChangedSince lists issues ascending by sort field. GitHub only filters
// server side by updated_at, so created-sorted listings are filtered here.
func (p *GitHubProvider) ListChangedSince(cursor time.Time, sort models.SortField) Pager {
	return &githubIssuePager{
		p:      p,
		filter: newListingFilter(cursor, sort),
		sort:   sort,
		since:  cursor,
		page:   1,
	}
}

type githubIssuePager struct {
	p      *GitHubProvider
	filter *listingFilter
	sort   models.SortField
	since  time.Time
	page   int
	done   bool
}

// Next returns the next non-empty page, skipping raw pages whose records
// all fall before the cursor or were already delivered
func (pg *githubIssuePager) Next(ctx context.Context) (*Page, error) {
	for !pg.done {
		raws, next, err := pg.p.listIssuesPage(ctx, pg.since, pg.sort, pg.page)
		if err != nil {
			return nil, err
		}

		page := &Page{}
		var latest time.Time
		for _, raw := range raws {
			issue, err := normalizeGitHubIssue(raw)
			if err != nil {
				ts, ok := githubRecordTime(raw, pg.sort)
				if pg.filter.malformed(raw, ts, ok) {
					page.Skipped = append(page.Skipped, err)
				}
				continue
			}
			if v := pg.sort.Value(issue); v.After(latest) {
				latest = v
			}
			if pg.filter.issue(issue) {
				page.Issues = append(page.Issues, issue)
			}
		}

		pg.advance(next, len(raws), latest)
		if !page.Empty() {
			return page, nil
		}
	}
	return &Page{}, nil
}

// advance picks the next request. An issue edited mid-run moves to the end of
// the updated order and shifts later records back across a page boundary, so
// updated listings restart from the newest timestamp seen rather than follow
// page numbers. since has second precision and is backed off one second; page
// numbers are still followed when a restart would not move forward.
func (pg *githubIssuePager) advance(next, records int, latest time.Time) {
	if next == 0 || records == 0 {
		pg.done = true
		return
	}
	if pg.sort == models.SortUpdated {
		since := latest.Truncate(time.Second).Add(-time.Second)
		if since.After(pg.since) {
			pg.since = since
			pg.page = 1
			return
		}
	}
	pg.page = next
}

// listIssuesPage fetches one raw page of the issues listing. The raw payloads
// are kept so the full provider record can be stored as metadata.
func (p *GitHubProvider) listIssuesPage(ctx context.Context, since time.Time, sort models.SortField, page int) ([]json.RawMessage, int, error) {
	opts := &github.IssueListByRepoOptions{
		State:     "all",
		Sort:      string(sort),
		Direction: "asc",
		ListOptions: github.ListOptions{
			Page:    page,
			PerPage: p.pageSize,
		},
	}
	if sort == models.SortUpdated && !since.IsZero() {
		opts.Since = since
	}

	u := fmt.Sprintf("repos/%s/%s/issues", p.owner, p.name)
	raws, resp, err := p.getRaw(ctx, u, opts)
	if err != nil {
		return nil, 0, classifyGitHubError("list issues", err)
	}
	p.log.Debug().Int("page", page).Time("since", since).Int("records", len(raws)).Msg("fetched issue page")
	return raws, resp.NextPage, nil
}

// ListComments returns every comment of issue. Issues that report zero
// comments skip the request and yield an empty set.
func (p *GitHubProvider) ListComments(ctx context.Context, issue *models.Issue) (*CommentSet, error) {
	set := &CommentSet{}
	if issue.CommentCount == 0 {
		return set, nil
	}

	opts := &github.IssueListCommentsOptions{
		ListOptions: github.ListOptions{
			PerPage: p.pageSize,
		},
	}
	u := fmt.Sprintf("repos/%s/%s/issues/%d/comments", p.owner, p.name, issue.Number)

	for {
		raws, resp, err := p.getRaw(ctx, u, opts)
		if err != nil {
			return nil, classifyGitHubError(fmt.Sprintf("list comments of #%d", issue.Number), err)
		}

		for _, raw := range raws {
			comment, err := normalizeGitHubComment(raw, issue.IssueID)
			if err != nil {
				set.Skipped = append(set.Skipped, err)
				continue
			}
			set.Comments = append(set.Comments, comment)
		}

		if resp.NextPage == 0 || len(raws) == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return set, nil
}

// getRaw performs a GET and decodes the array body without losing fields
func (p *GitHubProvider) getRaw(ctx context.Context, path string, opts any) ([]json.RawMessage, *github.Response, error) {
	v, err := query.Values(opts)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode query: %w", err)
	}
	if len(v) > 0 {
		path += "?" + v.Encode()
	}

	req, err := p.client.NewRequest(http.MethodGet, path, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build request: %w", err)
	}

	var raws []json.RawMessage
	resp, err := p.client.Do(ctx, req, &raws)
	if err != nil {
		return nil, resp, err
	}
	return raws, resp, nil
}

// classifyGitHubError sorts a go-github failure into transient or permanent
func classifyGitHubError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		return &TransientFetchError{Op: op, Err: err, RetryAfter: retryAfterUntil(rateErr.Rate.Reset.Time)}
	}

	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		return &TransientFetchError{Op: op, Err: err, RetryAfter: abuseErr.GetRetryAfter()}
	}

	var respErr *github.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil {
		return classifyStatus(op, respErr.Response, err)
	}

	var acceptedErr *github.AcceptedError
	if errors.As(err, &acceptedErr) {
		return &TransientFetchError{Op: op, Err: err}
	}

	// transport failures and truncated bodies
	return &TransientFetchError{Op: op, Err: err}
}

// normalizeGitHubIssue converts one raw issue payload into the common shape
func normalizeGitHubIssue(raw json.RawMessage) (*models.Issue, error) {
	var gh github.Issue
	if err := json.Unmarshal(raw, &gh); err != nil {
		return nil, &MalformedRecordError{Kind: "issue", Ref: "?", Err: err}
	}
	if gh.Number == nil {
		return nil, &MalformedRecordError{Kind: "issue", Ref: "?", Err: errors.New("missing number")}
	}
	ref := "#" + strconv.Itoa(gh.GetNumber())
	if gh.CreatedAt == nil || gh.UpdatedAt == nil {
		return nil, &MalformedRecordError{Kind: "issue", Ref: ref, Err: errors.New("missing timestamps")}
	}

	var closedAt *time.Time
	if gh.ClosedAt != nil {
		t := gh.ClosedAt.Time.UTC()
		closedAt = &t
	}

	commentCount := -1
	if gh.Comments != nil {
		commentCount = gh.GetComments()
	}

	return &models.Issue{
		IssueID:      strconv.Itoa(gh.GetNumber()),
		Number:       gh.GetNumber(),
		Title:        gh.GetTitle(),
		Body:         gh.GetBody(),
		State:        gh.GetState(),
		User:         gh.GetUser().GetLogin(),
		CreatedAt:    gh.GetCreatedAt().Time.UTC(),
		UpdatedAt:    gh.GetUpdatedAt().Time.UTC(),
		ClosedAt:     closedAt,
		CommentCount: commentCount,
		Metadata:     raw,
	}, nil
}

// githubRecordTime reads the sort timestamp of a raw issue that did not normalize
func githubRecordTime(raw json.RawMessage, sort models.SortField) (time.Time, bool) {
	var rec struct {
		CreatedAt string `json:"created_at"`
		UpdatedAt string `json:"updated_at"`
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return time.Time{}, false
	}
	v := rec.UpdatedAt
	if sort == models.SortCreated {
		v = rec.CreatedAt
	}
	ts, err := time.Parse(time.RFC3339, v)
	return ts, err == nil
}

// normalizeGitHubComment converts one raw comment payload
func normalizeGitHubComment(raw json.RawMessage, issueID string) (*models.Comment, error) {
	var gh github.IssueComment
	if err := json.Unmarshal(raw, &gh); err != nil {
		return nil, &MalformedRecordError{Kind: "comment", Ref: "?", Err: err}
	}
	if gh.ID == nil {
		return nil, &MalformedRecordError{Kind: "comment", Ref: "?", Err: errors.New("missing id")}
	}
	if gh.CreatedAt == nil {
		return nil, &MalformedRecordError{Kind: "comment", Ref: strconv.FormatInt(gh.GetID(), 10), Err: errors.New("missing created_at")}
	}

	updated := gh.GetCreatedAt().Time
	if gh.UpdatedAt != nil {
		updated = gh.GetUpdatedAt().Time
	}

	return &models.Comment{
		CommentID: gh.GetID(),
		IssueID:   issueID,
		User:      gh.GetUser().GetLogin(),
		Body:      gh.GetBody(),
		CreatedAt: gh.GetCreatedAt().Time.UTC(),
		UpdatedAt: updated.UTC(),
		Metadata:  raw,
	}, nil
}
