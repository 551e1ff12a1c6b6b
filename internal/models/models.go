package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Platform identifies an issue tracker provider
type Platform string

const (
	// PlatformGitHub is github.com (issues and pull requests)
	PlatformGitHub Platform = "github"
	// PlatformJira is any JIRA-compatible server
	PlatformJira Platform = "jira"
)

// ParsePlatform validates a platform name
func ParsePlatform(s string) (Platform, error) {
	switch p := Platform(strings.ToLower(strings.TrimSpace(s))); p {
	case PlatformGitHub, PlatformJira:
		return p, nil
	default:
		return "", fmt.Errorf("unknown platform %q, expected github or jira", s)
	}
}

// SortField selects the timestamp that orders an incremental sync
type SortField string

const (
	// SortCreated orders by creation time, used for full backfills
	SortCreated SortField = "created"
	// SortUpdated orders by last update time, used for delta syncs
	SortUpdated SortField = "updated"
)

// ParseSortField validates a sort field name
func ParseSortField(s string) (SortField, error) {
	switch f := SortField(strings.ToLower(strings.TrimSpace(s))); f {
	case SortCreated, SortUpdated:
		return f, nil
	case "":
		return SortUpdated, nil
	default:
		return "", fmt.Errorf("invalid sort field %q, expected created or updated", s)
	}
}

// Value returns the issue timestamp this sort field orders by
func (f SortField) Value(issue *Issue) time.Time {
	if f == SortCreated {
		return issue.CreatedAt
	}
	return issue.UpdatedAt
}

// Issue is the provider-agnostic form of an issue or pull request
type Issue struct {
	IssueID   string
	Number    int
	Title     string
	Body      string
	State     string
	User      string
	CreatedAt time.Time
	UpdatedAt time.Time
	ClosedAt  *time.Time
	// CommentCount is the provider-reported number of comments, -1 when unknown
	CommentCount int
	// Metadata is the complete raw provider payload
	Metadata json.RawMessage
}

// Comment is the provider-agnostic form of an issue comment
type Comment struct {
	CommentID int64
	IssueID   string
	User      string
	Body      string
	CreatedAt time.Time
	UpdatedAt time.Time
	Metadata  json.RawMessage
}

// IssueWithComments pairs a stored issue with its stored comments
type IssueWithComments struct {
	Issue    *Issue
	Comments []*Comment
}

// SyncState is the persisted watermark of a store
type SyncState struct {
	// LastIssueSync is zero when no sync has checkpointed yet
	LastIssueSync time.Time
	SortField     SortField
}

// HasCursor reports whether a previous run checkpointed
func (s SyncState) HasCursor() bool {
	return !s.LastIssueSync.IsZero()
}

// IssueSummary is the short listing form of a stored issue
type IssueSummary struct {
	IssueID       string    `json:"issue_id"`
	Number        int       `json:"number"`
	Title         string    `json:"title"`
	State         string    `json:"state"`
	UpdatedAt     time.Time `json:"updated_at"`
	CommentsCount int       `json:"comments_count"`
}

// StoreStats holds row counts and the cursor of a store
type StoreStats struct {
	Issues        int        `json:"issues"`
	Comments      int        `json:"comments"`
	LastIssueSync *time.Time `json:"last_issue_sync,omitempty"`
	SortField     SortField  `json:"sort_field,omitempty"`
}
