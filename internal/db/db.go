package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/wesm/issue-sync/internal/models"
)

// DB is the isolated store of one (platform, owner, repository) triple
type DB struct {
	*sql.DB
	path string
}

const schema = `
CREATE TABLE IF NOT EXISTS issues (
	issue_id TEXT PRIMARY KEY,
	number INTEGER NOT NULL UNIQUE,
	title TEXT,
	body TEXT,
	state TEXT,
	user TEXT,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	closed_at TIMESTAMP,
	comments_count INTEGER,
	metadata TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS comments (
	id INTEGER PRIMARY KEY,
	comment_id INTEGER NOT NULL UNIQUE,
	issue_id TEXT NOT NULL REFERENCES issues(issue_id) ON DELETE CASCADE,
	user TEXT,
	body TEXT,
	created_at TIMESTAMP,
	updated_at TIMESTAMP,
	metadata TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_comments_issue ON comments(issue_id);

CREATE TABLE IF NOT EXISTS sync_state (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	last_issue_sync TIMESTAMP,
	sort_field TEXT NOT NULL DEFAULT 'updated'
);
`

// StorePath returns dataDir/platform/owner/repo.sqlite
func StorePath(dataDir string, platform models.Platform, owner, repo string) (string, error) {
	for _, part := range []string{string(platform), owner, repo} {
		if part == "" || part == "." || part == ".." || strings.ContainsAny(part, `/\`) {
			return "", fmt.Errorf("invalid store path component %q", part)
		}
	}
	return filepath.Join(dataDir, string(platform), owner, repo+".sqlite"), nil
}

// New opens the store at dbPath, creating parent directories as needed.
// The pool holds a single connection so a store never has two open transactions.
func New(dbPath string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate&_loc=UTC", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{DB: db, path: dbPath}, nil
}

// OpenRepo opens and initializes the store for one repository
func OpenRepo(ctx context.Context, dataDir string, platform models.Platform, owner, repo string) (*DB, error) {
	path, err := StorePath(dataDir, platform, owner, repo)
	if err != nil {
		return nil, err
	}
	db, err := New(path)
	if err != nil {
		return nil, err
	}
	if err := db.Initialize(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Path returns the store file location
func (db *DB) Path() string {
	return db.path
}

// Initialize creates the database schema if it doesn't exist
func (db *DB) Initialize(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// withTx runs fn in one transaction, rolling back on any error
func (db *DB) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return &StorageError{Op: op, Err: err}
	}

	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := fn(tx); err != nil {
		return storageErr(op, err)
	}
	if err := tx.Commit(); err != nil {
		return &StorageError{Op: op, Err: err}
	}
	committed = true
	return nil
}

// UpsertIssue inserts or replaces an issue keyed by issue_id. Its comments are left as they are.
func (db *DB) UpsertIssue(ctx context.Context, issue *models.Issue) error {
	return db.withTx(ctx, "upsert issue "+issue.IssueID, func(tx *sql.Tx) error {
		return upsertIssue(ctx, tx, issue)
	})
}

// ReplaceComments swaps the stored comment set of an issue for comments
func (db *DB) ReplaceComments(ctx context.Context, issueID string, comments []*models.Comment) error {
	return db.withTx(ctx, "replace comments of "+issueID, func(tx *sql.Tx) error {
		return replaceComments(ctx, tx, issueID, comments)
	})
}

// SaveIssueWithComments writes an issue and its complete comment set atomically
func (db *DB) SaveIssueWithComments(ctx context.Context, issue *models.Issue, comments []*models.Comment) error {
	return db.withTx(ctx, "save issue "+issue.IssueID, func(tx *sql.Tx) error {
		if err := upsertIssue(ctx, tx, issue); err != nil {
			return err
		}
		return replaceComments(ctx, tx, issue.IssueID, comments)
	})
}

func upsertIssue(ctx context.Context, tx *sql.Tx, issue *models.Issue) error {
	query := `
	INSERT INTO issues (issue_id, number, title, body, state, user, created_at, updated_at, closed_at, comments_count, metadata)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(issue_id) DO UPDATE SET
		number = excluded.number,
		title = excluded.title,
		body = excluded.body,
		state = excluded.state,
		user = excluded.user,
		created_at = excluded.created_at,
		updated_at = excluded.updated_at,
		closed_at = excluded.closed_at,
		comments_count = excluded.comments_count,
		metadata = excluded.metadata
	`

	var closedAt *time.Time
	if issue.ClosedAt != nil {
		t := issue.ClosedAt.UTC()
		closedAt = &t
	}

	_, err := tx.ExecContext(ctx, query,
		issue.IssueID,
		issue.Number,
		issue.Title,
		issue.Body,
		issue.State,
		issue.User,
		issue.CreatedAt.UTC(),
		issue.UpdatedAt.UTC(),
		closedAt,
		nullCount(issue.CommentCount),
		rawText(issue.Metadata),
	)
	if err != nil {
		return fmt.Errorf("failed to save issue %s: %w", issue.IssueID, err)
	}
	return nil
}

func replaceComments(ctx context.Context, tx *sql.Tx, issueID string, comments []*models.Comment) error {
	for _, c := range comments {
		if c.IssueID != issueID {
			return &OrphanCommentError{IssueID: c.IssueID, CommentID: c.CommentID}
		}
	}

	if len(comments) > 0 {
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM issues WHERE issue_id = ?`, issueID).Scan(&n); err != nil {
			return fmt.Errorf("failed to look up issue %s: %w", issueID, err)
		}
		if n == 0 {
			return &OrphanCommentError{IssueID: issueID, CommentID: comments[0].CommentID}
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM comments WHERE issue_id = ?`, issueID); err != nil {
		return fmt.Errorf("failed to delete comments of %s: %w", issueID, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
	INSERT INTO comments (comment_id, issue_id, user, body, created_at, updated_at, metadata)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare comment insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range comments {
		_, err := stmt.ExecContext(ctx,
			c.CommentID,
			issueID,
			c.User,
			c.Body,
			c.CreatedAt.UTC(),
			c.UpdatedAt.UTC(),
			rawText(c.Metadata),
		)
		if err != nil {
			return fmt.Errorf("failed to save comment %d: %w", c.CommentID, err)
		}
	}
	return nil
}

// IssueUpdatedAt returns the stored updated_at of an issue and whether it exists
func (db *DB) IssueUpdatedAt(ctx context.Context, issueID string) (time.Time, bool, error) {
	var updatedAt time.Time
	err := db.QueryRowContext(ctx, `SELECT updated_at FROM issues WHERE issue_id = ?`, issueID).Scan(&updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, &StorageError{Op: "read issue " + issueID, Err: err}
	}
	return updatedAt, true, nil
}

// ReadCursor gets the sync watermark; a zero LastIssueSync means none was written
func (db *DB) ReadCursor(ctx context.Context) (models.SyncState, error) {
	var last sql.NullTime
	var sortField string
	err := db.QueryRowContext(ctx, `SELECT last_issue_sync, sort_field FROM sync_state WHERE id = 1`).Scan(&last, &sortField)
	if errors.Is(err, sql.ErrNoRows) {
		return models.SyncState{SortField: models.SortUpdated}, nil
	}
	if err != nil {
		return models.SyncState{}, &StorageError{Op: "read cursor", Err: err}
	}

	state := models.SyncState{SortField: models.SortField(sortField)}
	if last.Valid {
		state.LastIssueSync = last.Time
	}
	return state, nil
}

// WriteCursor durably records the watermark. Under an unchanged sort field the
// stored value never moves backwards; a new sort field replaces it.
func (db *DB) WriteCursor(ctx context.Context, ts time.Time, sortField models.SortField) error {
	if ts.IsZero() {
		return nil
	}
	return db.withTx(ctx, "write cursor", func(tx *sql.Tx) error {
		var last sql.NullTime
		var stored string
		err := tx.QueryRowContext(ctx, `SELECT last_issue_sync, sort_field FROM sync_state WHERE id = 1`).Scan(&last, &stored)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if err == nil && models.SortField(stored) == sortField && last.Valid && last.Time.After(ts) {
			return nil
		}

		_, err = tx.ExecContext(ctx, `
		INSERT INTO sync_state (id, last_issue_sync, sort_field)
		VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_issue_sync = excluded.last_issue_sync,
			sort_field = excluded.sort_field
		`, ts.UTC(), string(sortField))
		return err
	})
}

// GetIssuesWithComments returns every stored issue ordered by number with its
// comments ordered by creation time
func (db *DB) GetIssuesWithComments(ctx context.Context) ([]*models.IssueWithComments, error) {
	rows, err := db.QueryContext(ctx, `
	SELECT issue_id, number, title, body, state, user, created_at, updated_at, closed_at, comments_count, metadata
	FROM issues ORDER BY number ASC
	`)
	if err != nil {
		return nil, &StorageError{Op: "list issues", Err: err}
	}

	var result []*models.IssueWithComments
	byID := make(map[string]*models.IssueWithComments)
	for rows.Next() {
		issue, err := scanIssue(rows)
		if err != nil {
			rows.Close()
			return nil, &StorageError{Op: "scan issue", Err: err}
		}
		iwc := &models.IssueWithComments{Issue: issue}
		byID[issue.IssueID] = iwc
		result = append(result, iwc)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, &StorageError{Op: "list issues", Err: err}
	}
	rows.Close()

	crows, err := db.QueryContext(ctx, `
	SELECT comment_id, issue_id, user, body, created_at, updated_at, metadata
	FROM comments ORDER BY created_at ASC, comment_id ASC
	`)
	if err != nil {
		return nil, &StorageError{Op: "list comments", Err: err}
	}
	defer crows.Close()

	for crows.Next() {
		var c models.Comment
		var user, body sql.NullString
		var createdAt, updatedAt sql.NullTime
		var metadata string
		if err := crows.Scan(&c.CommentID, &c.IssueID, &user, &body, &createdAt, &updatedAt, &metadata); err != nil {
			return nil, &StorageError{Op: "scan comment", Err: err}
		}
		c.User = user.String
		c.Body = body.String
		c.CreatedAt = createdAt.Time
		c.UpdatedAt = updatedAt.Time
		c.Metadata = json.RawMessage(metadata)

		parent, ok := byID[c.IssueID]
		if !ok {
			continue
		}
		parent.Comments = append(parent.Comments, &c)
	}
	if err := crows.Err(); err != nil {
		return nil, &StorageError{Op: "list comments", Err: err}
	}

	return result, nil
}

// IssueMetadata returns the raw provider payload stored for an issue
func (db *DB) IssueMetadata(ctx context.Context, issueID string) (json.RawMessage, error) {
	return db.metadata(ctx, `SELECT metadata FROM issues WHERE issue_id = ?`, issueID)
}

// IssueMetadataByNumber returns the raw provider payload stored for an issue number
func (db *DB) IssueMetadataByNumber(ctx context.Context, number int) (json.RawMessage, error) {
	return db.metadata(ctx, `SELECT metadata FROM issues WHERE number = ?`, number)
}

func (db *DB) metadata(ctx context.Context, query string, arg any) (json.RawMessage, error) {
	var metadata string
	err := db.QueryRowContext(ctx, query, arg).Scan(&metadata)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("issue %v: %w", arg, ErrNotFound)
	}
	if err != nil {
		return nil, &StorageError{Op: "read metadata", Err: err}
	}
	return json.RawMessage(metadata), nil
}

// ListIssues returns short summaries of all stored issues ordered by number
func (db *DB) ListIssues(ctx context.Context) ([]models.IssueSummary, error) {
	rows, err := db.QueryContext(ctx, `
	SELECT issue_id, number, title, state, updated_at, comments_count FROM issues ORDER BY number ASC
	`)
	if err != nil {
		return nil, &StorageError{Op: "list issues", Err: err}
	}
	defer rows.Close()

	var out []models.IssueSummary
	for rows.Next() {
		var s models.IssueSummary
		var title, state sql.NullString
		var count sql.NullInt64
		if err := rows.Scan(&s.IssueID, &s.Number, &title, &state, &s.UpdatedAt, &count); err != nil {
			return nil, &StorageError{Op: "scan issue", Err: err}
		}
		s.Title = title.String
		s.State = state.String
		s.CommentsCount = int(count.Int64)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "list issues", Err: err}
	}
	return out, nil
}

// Stats returns issue and comment counts together with the cursor
func (db *DB) Stats(ctx context.Context) (*models.StoreStats, error) {
	var stats models.StoreStats
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM issues`).Scan(&stats.Issues); err != nil {
		return nil, &StorageError{Op: "count issues", Err: err}
	}
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM comments`).Scan(&stats.Comments); err != nil {
		return nil, &StorageError{Op: "count comments", Err: err}
	}
	state, err := db.ReadCursor(ctx)
	if err != nil {
		return nil, err
	}
	if state.HasCursor() {
		t := state.LastIssueSync
		stats.LastIssueSync = &t
		stats.SortField = state.SortField
	}
	return &stats, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}

func scanIssue(rows *sql.Rows) (*models.Issue, error) {
	var issue models.Issue
	var title, body, state, user sql.NullString
	var closedAt sql.NullTime
	var count sql.NullInt64
	var metadata string

	err := rows.Scan(
		&issue.IssueID,
		&issue.Number,
		&title,
		&body,
		&state,
		&user,
		&issue.CreatedAt,
		&issue.UpdatedAt,
		&closedAt,
		&count,
		&metadata,
	)
	if err != nil {
		return nil, err
	}

	issue.Title = title.String
	issue.Body = body.String
	issue.State = state.String
	issue.User = user.String
	if closedAt.Valid {
		t := closedAt.Time
		issue.ClosedAt = &t
	}
	issue.CommentCount = -1
	if count.Valid {
		issue.CommentCount = int(count.Int64)
	}
	issue.Metadata = json.RawMessage(metadata)
	return &issue, nil
}

func nullCount(n int) sql.NullInt64 {
	if n < 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(n), Valid: true}
}

func rawText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}
