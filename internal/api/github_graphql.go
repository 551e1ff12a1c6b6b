package api

import (
	"context"
	"fmt"
	"time"

	"github.com/google/go-github/v57/github"
	"github.com/shurcooL/githubv4"
	"github.com/wesm/issue-sync/internal/models"
)

// repositoryTotals counts every issue and pull request, the same population
// the REST issues listing returns
type repositoryTotals struct {
	Repository struct {
		Issues struct {
			TotalCount githubv4.Int
		} `graphql:"issues(states: [OPEN, CLOSED])"`
		PullRequests struct {
			TotalCount githubv4.Int
		} `graphql:"pullRequests(states: [OPEN, CLOSED, MERGED])"`
	} `graphql:"repository(owner: $owner, name: $name)"`
}

// EstimateTotal approximates the size of a listing. Without a cursor the
// repository totals come from GraphQL; with one the search API counts the
// records at or after the cursor.
func (p *GitHubProvider) EstimateTotal(ctx context.Context, cursor time.Time, sort models.SortField) (int, bool) {
	if cursor.IsZero() {
		n, err := p.countAll(ctx)
		if err != nil {
			p.log.Debug().Err(err).Msg("repository totals unavailable")
			return 0, false
		}
		return n, true
	}

	n, err := p.countSince(ctx, cursor, sort)
	if err != nil {
		p.log.Debug().Err(err).Msg("search count unavailable")
		return 0, false
	}
	return n, true
}

func (p *GitHubProvider) countAll(ctx context.Context) (int, error) {
	var q repositoryTotals
	variables := map[string]interface{}{
		"owner": githubv4.String(p.owner),
		"name":  githubv4.String(p.name),
	}
	if err := p.graphql.Query(ctx, &q, variables); err != nil {
		return 0, fmt.Errorf("failed to query repository totals: %w", err)
	}
	return int(q.Repository.Issues.TotalCount) + int(q.Repository.PullRequests.TotalCount), nil
}

func (p *GitHubProvider) countSince(ctx context.Context, cursor time.Time, sort models.SortField) (int, error) {
	q := fmt.Sprintf("repo:%s/%s %s:>=%s", p.owner, p.name, sort, cursor.UTC().Format(time.RFC3339))
	opts := &github.SearchOptions{ListOptions: github.ListOptions{PerPage: 1}}
	res, _, err := p.client.Search.Issues(ctx, q, opts)
	if err != nil {
		return 0, fmt.Errorf("failed to search issues: %w", err)
	}
	return res.GetTotal(), nil
}
