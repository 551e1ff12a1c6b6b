package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/wesm/issue-sync/internal/models"
)

const (
	jiraMaxPageSize = 100
	jiraSearchPath  = "/rest/api/2/search"
	jiraIssueFields = "summary,description,status,updated,created,comment,reporter"
	jiraJQLLayout   = "2006-01-02 15:04"

	// jiraZoneSlack widens the JQL lower bound of a listing. JQL dates are
	// read in the server's zone, which can sit up to 26 hours away from
	// jira_timezone; the client-side filter drops the extra records.
	jiraZoneSlack = 26 * time.Hour
)

// jiraTimeLayouts are tried in order when parsing JIRA timestamps
var jiraTimeLayouts = []string{
	"2006-01-02T15:04:05.000-0700",
	"2006-01-02T15:04:05-0700",
	time.RFC3339Nano,
}

// JiraProvider lists issues of one JIRA project anonymously
type JiraProvider struct {
	baseURL  string
	org      string
	project  string
	location *time.Location
	pageSize int
	http     *http.Client
	log      zerolog.Logger
}

// NewJiraProvider creates a JIRA adapter. org only namespaces the local store;
// project is the JIRA project key.
func NewJiraProvider(org, project string, cfg ProviderConfig) (*JiraProvider, error) {
	if cfg.JiraBaseURL == "" {
		return nil, &PermanentFetchError{Op: "jira", Err: errors.New("no JIRA base URL configured")}
	}
	if _, err := url.Parse(cfg.JiraBaseURL); err != nil {
		return nil, &PermanentFetchError{Op: "jira", Err: fmt.Errorf("invalid base URL: %w", err)}
	}

	loc := cfg.JiraTimeZone
	if loc == nil {
		loc = time.UTC
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	return &JiraProvider{
		baseURL:  strings.TrimRight(cfg.JiraBaseURL, "/"),
		org:      org,
		project:  project,
		location: loc,
		pageSize: cfg.pageSize(jiraMaxPageSize),
		http:     client,
		log:      cfg.logger().With().Str("provider", "jira").Str("project", project).Logger(),
	}, nil
}

// Name returns the platform identifier
func (p *JiraProvider) Name() models.Platform { return models.PlatformJira }

// ListChangedSince lists the project's issues ascending by sort field
func (p *JiraProvider) ListChangedSince(cursor time.Time, sort models.SortField) Pager {
	bound := cursor
	if !bound.IsZero() {
		bound = bound.Add(-jiraZoneSlack)
	}
	return &jiraIssuePager{
		p:      p,
		filter: newListingFilter(cursor, sort),
		sort:   sort,
		jql:    p.jql(bound, sort, true),
	}
}

// jql builds the project query. The cursor is truncated to minutes since JQL
// has no finer precision, which makes the lower bound inclusive.
func (p *JiraProvider) jql(cursor time.Time, sort models.SortField, ordered bool) string {
	q := fmt.Sprintf("project = %q", p.project)
	if !cursor.IsZero() {
		q += fmt.Sprintf(" AND %s >= %q", sort, cursor.In(p.location).Truncate(time.Minute).Format(jiraJQLLayout))
	}
	if ordered {
		q += fmt.Sprintf(" ORDER BY %s ASC, key ASC", sort)
	}
	return q
}

type jiraSearchResponse struct {
	StartAt    int               `json:"startAt"`
	MaxResults int               `json:"maxResults"`
	Total      int               `json:"total"`
	Issues     []json.RawMessage `json:"issues"`
}

type jiraIssuePager struct {
	p       *JiraProvider
	filter  *listingFilter
	sort    models.SortField
	jql     string
	startAt int
	done    bool
}

// Next returns the next non-empty page of issues at or after the cursor
func (pg *jiraIssuePager) Next(ctx context.Context) (*Page, error) {
	for !pg.done {
		q := url.Values{}
		q.Set("jql", pg.jql)
		q.Set("startAt", strconv.Itoa(pg.startAt))
		q.Set("maxResults", strconv.Itoa(pg.p.pageSize))
		q.Set("fields", jiraIssueFields)

		var res jiraSearchResponse
		if err := pg.p.getJSON(ctx, "search issues", jiraSearchPath, q, &res); err != nil {
			return nil, err
		}

		page := &Page{}
		repeats := 0
		for _, raw := range res.Issues {
			issue, err := pg.p.normalizeIssue(raw)
			if err != nil {
				ts, ok := jiraRecordTime(raw, pg.sort)
				if pg.filter.malformed(raw, ts, ok) {
					page.Skipped = append(page.Skipped, err)
				}
				continue
			}
			if _, seen := pg.filter.issues[issue.IssueID]; seen {
				repeats++
			}
			if pg.filter.issue(issue) {
				page.Issues = append(page.Issues, issue)
			}
		}
		if pg.startAt > 0 && repeats == 0 && len(res.Issues) > 0 {
			pg.p.log.Warn().Int("start_at", pg.startAt).Msg("issue listing shifted by more than the page overlap")
		}

		end := pg.startAt + len(res.Issues)
		if len(res.Issues) == 0 || end >= res.Total {
			pg.done = true
		} else {
			pg.startAt = end - jiraPageOverlap(len(res.Issues))
		}
		pg.p.log.Debug().Int("start_at", pg.startAt).Int("total", res.Total).Msg("fetched issue page")
		if !page.Empty() {
			return page, nil
		}
	}
	return &Page{}, nil
}

// jiraPageOverlap is how many records of a page are requested again with the
// next one. Issues edited mid-run move to the end of the order and shift the
// remaining records back; the overlap catches records shifted across the
// page boundary and the listing filter drops the repeats.
func jiraPageOverlap(n int) int {
	overlap := n / 10
	if overlap < 1 {
		overlap = 1
	}
	if overlap >= n {
		overlap = n - 1
	}
	return overlap
}

type jiraCommentsResponse struct {
	StartAt  int               `json:"startAt"`
	Total    int               `json:"total"`
	Comments []json.RawMessage `json:"comments"`
}

// ListComments returns every comment of issue
func (p *JiraProvider) ListComments(ctx context.Context, issue *models.Issue) (*CommentSet, error) {
	set := &CommentSet{}
	if issue.CommentCount == 0 {
		return set, nil
	}

	path := "/rest/api/2/issue/" + url.PathEscape(issue.IssueID) + "/comment"
	startAt := 0
	for {
		q := url.Values{}
		q.Set("startAt", strconv.Itoa(startAt))
		q.Set("maxResults", strconv.Itoa(p.pageSize))

		var res jiraCommentsResponse
		if err := p.getJSON(ctx, "list comments of "+issue.IssueID, path, q, &res); err != nil {
			return nil, err
		}

		for _, raw := range res.Comments {
			comment, err := p.normalizeComment(raw, issue.IssueID)
			if err != nil {
				set.Skipped = append(set.Skipped, err)
				continue
			}
			set.Comments = append(set.Comments, comment)
		}

		startAt += len(res.Comments)
		if len(res.Comments) == 0 || startAt >= res.Total {
			break
		}
	}
	return set, nil
}

// EstimateTotal asks the search endpoint for the match count only
func (p *JiraProvider) EstimateTotal(ctx context.Context, cursor time.Time, sort models.SortField) (int, bool) {
	q := url.Values{}
	q.Set("jql", p.jql(cursor, sort, false))
	q.Set("maxResults", "0")
	q.Set("fields", "id")

	var res jiraSearchResponse
	if err := p.getJSON(ctx, "count issues", jiraSearchPath, q, &res); err != nil {
		p.log.Debug().Err(err).Msg("issue count unavailable")
		return 0, false
	}
	return res.Total, true
}

// getJSON performs one GET and classifies any failure
func (p *JiraProvider) getJSON(ctx context.Context, op, path string, q url.Values, out any) error {
	u := p.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return &PermanentFetchError{Op: op, Err: fmt.Errorf("failed to build request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "issue-sync")

	resp, err := p.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &TransientFetchError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		statusErr := fmt.Errorf("jira api status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(b)))
		return classifyStatus(op, resp, statusErr)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &PermanentFetchError{Op: op, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return nil
}

type jiraIssue struct {
	Key    string `json:"key"`
	Fields struct {
		Summary     string `json:"summary"`
		Description string `json:"description"`
		Created     string `json:"created"`
		Updated     string `json:"updated"`
		Status      *struct {
			Name string `json:"name"`
		} `json:"status"`
		Reporter map[string]any `json:"reporter"`
		Comment  *struct {
			Total *int `json:"total"`
		} `json:"comment"`
	} `json:"fields"`
}

// normalizeIssue maps a JIRA search hit onto the common issue shape
func (p *JiraProvider) normalizeIssue(raw json.RawMessage) (*models.Issue, error) {
	var ji jiraIssue
	if err := json.Unmarshal(raw, &ji); err != nil {
		return nil, &MalformedRecordError{Kind: "issue", Ref: "?", Err: err}
	}
	if ji.Key == "" {
		return nil, &MalformedRecordError{Kind: "issue", Ref: "?", Err: errors.New("missing key")}
	}

	number, err := models.NumberFromKey(ji.Key)
	if err != nil {
		return nil, &MalformedRecordError{Kind: "issue", Ref: ji.Key, Err: err}
	}
	created, err := parseJiraTime(ji.Fields.Created)
	if err != nil {
		return nil, &MalformedRecordError{Kind: "issue", Ref: ji.Key, Err: fmt.Errorf("created: %w", err)}
	}
	updated, err := parseJiraTime(ji.Fields.Updated)
	if err != nil {
		return nil, &MalformedRecordError{Kind: "issue", Ref: ji.Key, Err: fmt.Errorf("updated: %w", err)}
	}

	state := "unknown"
	if ji.Fields.Status != nil && ji.Fields.Status.Name != "" {
		state = strings.ToLower(ji.Fields.Status.Name)
	}
	commentCount := -1
	if ji.Fields.Comment != nil && ji.Fields.Comment.Total != nil {
		commentCount = *ji.Fields.Comment.Total
	}

	return &models.Issue{
		IssueID:      ji.Key,
		Number:       number,
		Title:        ji.Fields.Summary,
		Body:         ji.Fields.Description,
		State:        state,
		User:         jiraUser(ji.Fields.Reporter),
		CreatedAt:    created,
		UpdatedAt:    updated,
		CommentCount: commentCount,
		Metadata:     raw,
	}, nil
}

// jiraRecordTime reads the sort timestamp of a raw issue that did not normalize
func jiraRecordTime(raw json.RawMessage, sort models.SortField) (time.Time, bool) {
	var ji struct {
		Fields struct {
			Created string `json:"created"`
			Updated string `json:"updated"`
		} `json:"fields"`
	}
	if err := json.Unmarshal(raw, &ji); err != nil {
		return time.Time{}, false
	}
	v := ji.Fields.Updated
	if sort == models.SortCreated {
		v = ji.Fields.Created
	}
	ts, err := parseJiraTime(v)
	return ts, err == nil
}

type jiraComment struct {
	ID      string         `json:"id"`
	Author  map[string]any `json:"author"`
	Body    string         `json:"body"`
	Created string         `json:"created"`
	Updated string         `json:"updated"`
}

// normalizeComment maps one JIRA comment onto the common comment shape
func (p *JiraProvider) normalizeComment(raw json.RawMessage, issueKey string) (*models.Comment, error) {
	var jc jiraComment
	if err := json.Unmarshal(raw, &jc); err != nil {
		return nil, &MalformedRecordError{Kind: "comment", Ref: issueKey, Err: err}
	}
	if jc.ID == "" {
		return nil, &MalformedRecordError{Kind: "comment", Ref: issueKey, Err: errors.New("missing id")}
	}
	created, err := parseJiraTime(jc.Created)
	if err != nil {
		return nil, &MalformedRecordError{Kind: "comment", Ref: issueKey + ":" + jc.ID, Err: err}
	}
	updated := created
	if jc.Updated != "" {
		if updated, err = parseJiraTime(jc.Updated); err != nil {
			return nil, &MalformedRecordError{Kind: "comment", Ref: issueKey + ":" + jc.ID, Err: err}
		}
	}

	return &models.Comment{
		CommentID: jiraCommentID(issueKey, jc.ID),
		IssueID:   issueKey,
		User:      jiraUser(jc.Author),
		Body:      jc.Body,
		CreatedAt: created,
		UpdatedAt: updated,
		Metadata:  raw,
	}, nil
}

// jiraUser prefers the display name JIRA shows in its UI
func jiraUser(u map[string]any) string {
	if name, ok := u["displayName"].(string); ok && name != "" {
		return name
	}
	return models.FlattenUser(u)
}

// jiraCommentID uses the numeric id when there is one and otherwise a stable
// 63-bit hash of the issue key and id
func jiraCommentID(issueKey, id string) int64 {
	if n, err := strconv.ParseInt(id, 10, 64); err == nil {
		return n
	}
	h := fnv.New64a()
	h.Write([]byte(issueKey + ":" + id))
	return int64(h.Sum64() & (1<<63 - 1))
}

// parseJiraTime parses a JIRA timestamp into UTC
func parseJiraTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, errors.New("missing timestamp")
	}
	for _, layout := range jiraTimeLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", v)
}
