package api

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wesm/issue-sync/internal/models"
)

var t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func ghIssueJSON(number int, created, updated time.Time, comments int) string {
	return fmt.Sprintf(`{"number":%d,"title":"issue %d","body":"b","state":"open","user":{"login":"octocat"},"comments":%d,"created_at":%q,"updated_at":%q,"labels":[{"name":"bug"}]}`,
		number, number, comments, created.Format(time.RFC3339), updated.Format(time.RFC3339))
}

func newTestGitHub(t *testing.T, mux *http.ServeMux) *GitHubProvider {
	t.Helper()

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	p, err := NewGitHubProvider("octo", "demo", ProviderConfig{
		GitHubToken:      "test-token",
		GitHubBaseURL:    srv.URL,
		GitHubGraphQLURL: srv.URL + "/graphql",
		PageSize:         2,
	})
	require.NoError(t, err)
	return p
}

func drain(t *testing.T, pager Pager) []*Page {
	t.Helper()

	var pages []*Page
	for i := 0; i < 20; i++ {
		page, err := pager.Next(context.Background())
		require.NoError(t, err)
		if page.Empty() {
			return pages
		}
		pages = append(pages, page)
	}
	t.Fatal("pager did not terminate")
	return nil
}

func TestNewGitHubProvider_RequiresToken(t *testing.T) {
	t.Parallel()

	_, err := NewGitHubProvider("octo", "demo", ProviderConfig{})
	var pe *PermanentFetchError
	assert.ErrorAs(t, err, &pe)
}

type ghRecord struct {
	number   int
	created  time.Time
	updated  time.Time
	comments int
}

// fakeIssueList emulates the repository issues listing: ascending order,
// since filtering on updated_at and page numbers advertised by Link headers
type fakeIssueList struct {
	mu       sync.Mutex
	records  []ghRecord
	requests []*http.Request
	// afterRequest runs once a response is written, with the request count
	afterRequest func(f *fakeIssueList, n int)
}

func (f *fakeIssueList) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.requests = append(f.requests, r)
	q := r.URL.Query()

	var since time.Time
	if v := q.Get("since"); v != "" {
		since, _ = time.Parse(time.RFC3339, v)
	}
	var list []ghRecord
	for _, rec := range f.records {
		if since.IsZero() || !rec.updated.Before(since) {
			list = append(list, rec)
		}
	}
	slices.SortStableFunc(list, func(a, b ghRecord) int {
		if q.Get("sort") == "created" {
			return a.created.Compare(b.created)
		}
		return a.updated.Compare(b.updated)
	})

	perPage, _ := strconv.Atoi(q.Get("per_page"))
	page, _ := strconv.Atoi(q.Get("page"))
	page = max(page, 1)
	start := min((page-1)*perPage, len(list))
	end := min(start+perPage, len(list))
	if end < len(list) {
		next := r.URL.Query()
		next.Set("page", strconv.Itoa(page+1))
		w.Header().Set("Link", fmt.Sprintf(`<http://%s%s?%s>; rel="next"`, r.Host, r.URL.Path, next.Encode()))
	}

	parts := make([]string, 0, end-start)
	for _, rec := range list[start:end] {
		parts = append(parts, ghIssueJSON(rec.number, rec.created, rec.updated, rec.comments))
	}
	fmt.Fprintf(w, "[%s]", strings.Join(parts, ","))

	if f.afterRequest != nil {
		f.afterRequest(f, len(f.requests))
	}
}

func TestGitHubListChangedSince_Paginates(t *testing.T) {
	t.Parallel()

	cursor := t0.Add(time.Hour)
	list := &fakeIssueList{records: []ghRecord{
		{number: 9, created: t0, updated: t0},
		{number: 1, created: t0, updated: cursor},
		{number: 2, created: t0, updated: cursor.Add(time.Minute), comments: 1},
		{number: 3, created: t0, updated: cursor.Add(2 * time.Minute), comments: 3},
	}}
	mux := http.NewServeMux()
	mux.Handle("/repos/octo/demo/issues", list)
	p := newTestGitHub(t, mux)

	pages := drain(t, p.ListChangedSince(cursor, models.SortUpdated))
	require.Len(t, pages, 2)
	require.Len(t, pages[0].Issues, 2)
	require.Len(t, pages[1].Issues, 1)

	first := pages[0].Issues[0]
	assert.Equal(t, "1", first.IssueID)
	assert.Equal(t, 1, first.Number)
	assert.Equal(t, "octocat", first.User)
	assert.Equal(t, 0, first.CommentCount)
	assert.True(t, first.UpdatedAt.Equal(cursor), "records at the cursor are included")
	assert.Contains(t, string(first.Metadata), `"labels"`)
	assert.Equal(t, 3, pages[1].Issues[0].CommentCount)

	require.NotEmpty(t, list.requests)
	for _, r := range list.requests {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		q := r.URL.Query()
		assert.Equal(t, "all", q.Get("state"))
		assert.Equal(t, "updated", q.Get("sort"))
		assert.Equal(t, "asc", q.Get("direction"))
		assert.Equal(t, "2", q.Get("per_page"))
	}
	assert.Equal(t, cursor.Format(time.RFC3339), list.requests[0].URL.Query().Get("since"))
	assert.Equal(t, cursor.Add(time.Minute-time.Second).Format(time.RFC3339), list.requests[1].URL.Query().Get("since"),
		"the second request restarts from the newest timestamp seen")
}

func TestGitHubListChangedSince_IssueEditedMidRun(t *testing.T) {
	t.Parallel()

	list := &fakeIssueList{}
	for i := 1; i <= 5; i++ {
		list.records = append(list.records, ghRecord{number: i, created: t0, updated: t0.Add(time.Duration(i) * time.Minute)})
	}
	list.afterRequest = func(f *fakeIssueList, n int) {
		if n == 1 {
			// #1 is edited and moves to the end of the updated order
			f.records[0].updated = t0.Add(time.Hour)
		}
	}
	mux := http.NewServeMux()
	mux.Handle("/repos/octo/demo/issues", list)
	p := newTestGitHub(t, mux)

	var got []string
	for _, page := range drain(t, p.ListChangedSince(time.Time{}, models.SortUpdated)) {
		for _, issue := range page.Issues {
			got = append(got, fmt.Sprintf("#%d@%s", issue.Number, issue.UpdatedAt.Sub(t0)))
		}
	}
	assert.Equal(t, []string{"#1@1m0s", "#2@2m0s", "#3@3m0s", "#4@4m0s", "#5@5m0s", "#1@1h0m0s"}, got)
}

func TestGitHubListChangedSince_SameSecondRun(t *testing.T) {
	t.Parallel()

	list := &fakeIssueList{}
	for i := 1; i <= 5; i++ {
		list.records = append(list.records, ghRecord{number: i, created: t0, updated: t0})
	}
	mux := http.NewServeMux()
	mux.Handle("/repos/octo/demo/issues", list)
	p := newTestGitHub(t, mux)

	var numbers []int
	for _, page := range drain(t, p.ListChangedSince(t0, models.SortUpdated)) {
		for _, issue := range page.Issues {
			numbers = append(numbers, issue.Number)
		}
	}
	assert.Equal(t, []int{1, 2, 3, 4, 5}, numbers, "page numbers are followed when the timestamp cannot move forward")
}

func TestGitHubListChangedSince_CreatedFiltersClientSide(t *testing.T) {
	t.Parallel()

	cursor := t0.Add(2 * time.Hour)
	mux := http.NewServeMux()
	var srvURL string
	mux.HandleFunc("/repos/octo/demo/issues", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "created", q.Get("sort"))
		assert.Empty(t, q.Get("since"), "since filters by update time and is not sent for created order")

		switch q.Get("page") {
		case "", "1":
			// entirely before the cursor
			w.Header().Set("Link", fmt.Sprintf(`<%s/repos/octo/demo/issues?page=2>; rel="next"`, srvURL))
			fmt.Fprintf(w, "[%s,%s]", ghIssueJSON(1, t0, t0, 0), ghIssueJSON(2, t0.Add(time.Hour), t0, 0))
		case "2":
			fmt.Fprintf(w, "[%s,%s]", ghIssueJSON(3, t0.Add(time.Hour), t0, 0), ghIssueJSON(4, cursor, t0, 0))
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	srvURL = srv.URL

	p, err := NewGitHubProvider("octo", "demo", ProviderConfig{GitHubToken: "test-token", GitHubBaseURL: srv.URL})
	require.NoError(t, err)

	pages := drain(t, p.ListChangedSince(cursor, models.SortCreated))
	require.Len(t, pages, 1)
	require.Len(t, pages[0].Issues, 1)
	assert.Equal(t, 4, pages[0].Issues[0].Number)
}

func TestGitHubListChangedSince_SkipsMalformed(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/repos/octo/demo/issues", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `[%s,{"number":"seven"},{"title":"no number"}]`, ghIssueJSON(1, t0, t0, 0))
	})
	p := newTestGitHub(t, mux)

	pages := drain(t, p.ListChangedSince(time.Time{}, models.SortUpdated))
	require.Len(t, pages, 1)
	assert.Len(t, pages[0].Issues, 1)
	require.Len(t, pages[0].Skipped, 2)

	var me *MalformedRecordError
	assert.ErrorAs(t, pages[0].Skipped[0], &me)
	assert.Equal(t, "issue", me.Kind)
}

func TestGitHubListChangedSince_DropsStaleMalformed(t *testing.T) {
	t.Parallel()

	cursor := t0.Add(time.Hour)
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/octo/demo/issues", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `[{"number":"old","created_at":%q},{"number":"new","created_at":%q},%s]`,
			t0.Format(time.RFC3339), cursor.Add(time.Minute).Format(time.RFC3339),
			ghIssueJSON(4, cursor.Add(2*time.Minute), cursor, 0))
	})
	p := newTestGitHub(t, mux)

	pages := drain(t, p.ListChangedSince(cursor, models.SortCreated))
	require.Len(t, pages, 1)
	assert.Len(t, pages[0].Issues, 1)
	assert.Len(t, pages[0].Skipped, 1, "malformed records created before the cursor were reported by an earlier run")
}

func TestGitHubErrorClassification(t *testing.T) {
	t.Parallel()

	past := strconv.FormatInt(time.Now().Add(-time.Minute).Unix(), 10)
	tests := []struct {
		name      string
		status    int
		headers   map[string]string
		transient bool
	}{
		{name: "rate limited", status: http.StatusForbidden, headers: map[string]string{
			"X-RateLimit-Limit": "60", "X-RateLimit-Remaining": "0", "X-RateLimit-Reset": past,
		}, transient: true},
		{name: "too many requests", status: http.StatusTooManyRequests, headers: map[string]string{"Retry-After": "0"}, transient: true},
		{name: "server error", status: http.StatusBadGateway, transient: true},
		{name: "unauthorized", status: http.StatusUnauthorized, transient: false},
		{name: "forbidden without reset", status: http.StatusForbidden, transient: false},
		{name: "not found", status: http.StatusNotFound, transient: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			mux := http.NewServeMux()
			mux.HandleFunc("/repos/octo/demo/issues", func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tt.headers {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
				fmt.Fprint(w, `{"message":"nope"}`)
			})
			p := newTestGitHub(t, mux)

			_, err := p.ListChangedSince(time.Time{}, models.SortUpdated).Next(context.Background())
			require.Error(t, err)

			var te *TransientFetchError
			var pe *PermanentFetchError
			if tt.transient {
				require.ErrorAs(t, err, &te)
				assert.Zero(t, te.RetryAfter)
			} else {
				require.ErrorAs(t, err, &pe)
			}
		})
	}
}

func TestGitHubPager_RetriesSamePage(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/octo/demo/issues", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		assert.Equal(t, "1", r.URL.Query().Get("page"))
		fmt.Fprintf(w, "[%s]", ghIssueJSON(1, t0, t0, 0))
	})
	p := newTestGitHub(t, mux)

	pager := p.ListChangedSince(time.Time{}, models.SortUpdated)
	_, err := pager.Next(context.Background())
	var te *TransientFetchError
	require.ErrorAs(t, err, &te)

	page, err := pager.Next(context.Background())
	require.NoError(t, err)
	assert.Len(t, page.Issues, 1)
}

func TestGitHubListComments(t *testing.T) {
	t.Parallel()

	var srvURL string
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/octo/demo/issues/5/comments", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "2" {
			fmt.Fprint(w, `[{"id":30,"body":"third","user":{"login":"c"},"created_at":"2024-03-01T12:00:00Z","updated_at":"2024-03-01T12:30:00Z"}]`)
			return
		}
		w.Header().Set("Link", fmt.Sprintf(`<%s/repos/octo/demo/issues/5/comments?page=2>; rel="next"`, srvURL))
		fmt.Fprint(w, `[{"id":10,"body":"first","user":{"login":"a"},"created_at":"2024-03-01T10:00:00Z","updated_at":"2024-03-01T10:00:00Z"},{"body":"no id"}]`)
	})
	mux.HandleFunc("/repos/octo/demo/issues/6/comments", func(w http.ResponseWriter, r *http.Request) {
		t.Error("comments requested for an issue reporting zero comments")
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	srvURL = srv.URL

	p, err := NewGitHubProvider("octo", "demo", ProviderConfig{GitHubToken: "test-token", GitHubBaseURL: srv.URL})
	require.NoError(t, err)

	set, err := p.ListComments(context.Background(), &models.Issue{IssueID: "5", Number: 5, CommentCount: 3})
	require.NoError(t, err)
	require.Len(t, set.Comments, 2)
	assert.Len(t, set.Skipped, 1)
	assert.Equal(t, int64(10), set.Comments[0].CommentID)
	assert.Equal(t, "5", set.Comments[0].IssueID)
	assert.Equal(t, "a", set.Comments[0].User)
	assert.Equal(t, int64(30), set.Comments[1].CommentID)
	assert.True(t, set.Comments[1].UpdatedAt.Equal(time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)))

	empty, err := p.ListComments(context.Background(), &models.Issue{IssueID: "6", Number: 6, CommentCount: 0})
	require.NoError(t, err)
	assert.Empty(t, empty.Comments)
}

func TestGitHubEstimateTotal(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/graphql", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"data":{"repository":{"issues":{"totalCount":12},"pullRequests":{"totalCount":30}}}}`)
	})
	mux.HandleFunc("/search/issues", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		assert.True(t, strings.HasPrefix(q, "repo:octo/demo updated:>="), q)
		fmt.Fprint(w, `{"total_count":7,"incomplete_results":false,"items":[]}`)
	})
	p := newTestGitHub(t, mux)

	n, ok := p.EstimateTotal(context.Background(), time.Time{}, models.SortUpdated)
	assert.True(t, ok)
	assert.Equal(t, 42, n)

	n, ok = p.EstimateTotal(context.Background(), t0, models.SortUpdated)
	assert.True(t, ok)
	assert.Equal(t, 7, n)
}

func TestGitHubEstimateTotal_Indeterminate(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/graphql", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	p := newTestGitHub(t, mux)

	_, ok := p.EstimateTotal(context.Background(), time.Time{}, models.SortUpdated)
	assert.False(t, ok)
}
