package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/wesm/issue-sync/internal/api"
	"github.com/wesm/issue-sync/internal/db"
	"github.com/wesm/issue-sync/internal/models"
)

// maxReportedSkips caps the skipped-record errors kept in a Report
const maxReportedSkips = 10

// State is a step of the sync loop
type State int

const (
	StateIdle State = iota
	StateFetchingPage
	StatePersistingIssues
	StateRefreshingComments
	StateCheckpointing
	StateDone
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetchingPage:
		return "fetching_page"
	case StatePersistingIssues:
		return "persisting_issues"
	case StateRefreshingComments:
		return "refreshing_comments"
	case StateCheckpointing:
		return "checkpointing"
	case StateDone:
		return "done"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Status is the outcome of a run
type Status string

const (
	StatusCompleted Status = "completed"
	StatusLimited   Status = "limited"
	StatusAborted   Status = "aborted"
)

// Options controls a single run
type Options struct {
	// Limit stops the run at the first page boundary after this many
	// issues were created or updated. Zero means unlimited.
	Limit     int
	SortField models.SortField
	// Full ignores the stored cursor and lists from the beginning
	Full bool

	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// PageDelay is a polite pause between page requests, jittered by 15%
	PageDelay time.Duration

	// Progress is called once per committed page
	Progress func(Progress)
}

// DefaultOptions returns the settings used when nothing is configured
func DefaultOptions() Options {
	return Options{
		SortField:  models.SortUpdated,
		MaxRetries: 5,
		BaseDelay:  time.Second,
		MaxDelay:   15 * time.Minute,
	}
}

// Progress is a per-page progress event
type Progress struct {
	Processed int `json:"processed"`
	Total     int `json:"total"`
	// Known is false when neither an estimate nor a limit is available
	Known bool `json:"known"`
}

// Report summarizes a run
type Report struct {
	RunID        string           `json:"run_id"`
	Target       string           `json:"target"`
	Status       Status           `json:"status"`
	Processed    int              `json:"processed"`
	Created      int              `json:"created"`
	Updated      int              `json:"updated"`
	Unchanged    int              `json:"unchanged"`
	Pages        int              `json:"pages"`
	Retries      int              `json:"retries"`
	SkippedCount int              `json:"skipped_count"`
	Skipped      []string         `json:"skipped,omitempty"`
	Cursor       *time.Time       `json:"cursor,omitempty"`
	SortField    models.SortField `json:"sort_field"`
	Duration     time.Duration    `json:"duration"`
	Error        string           `json:"error,omitempty"`
}

func (r *Report) skip(err error) {
	r.SkippedCount++
	if len(r.Skipped) < maxReportedSkips {
		r.Skipped = append(r.Skipped, err.Error())
	}
}

// Syncer runs the fetch, persist, checkpoint loop for one store
type Syncer struct {
	db       *db.DB
	provider api.Provider
	opts     Options
	log      zerolog.Logger

	sleep func(ctx context.Context, d time.Duration) error
	state State
}

// New creates a syncer for one store and its provider
func New(database *db.DB, provider api.Provider, log zerolog.Logger, opts Options) *Syncer {
	if opts.SortField == "" {
		opts.SortField = models.SortUpdated
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	return &Syncer{
		db:       database,
		provider: provider,
		opts:     opts,
		log:      log,
		sleep:    sleepContext,
		state:    StateIdle,
	}
}

// State returns the step the syncer is in
func (s *Syncer) State() State {
	return s.state
}

func (s *Syncer) enter(state State) {
	s.state = state
	s.log.Trace().Stringer("state", state).Msg("sync state")
}

// changedIssue is an issue that must be written, with whether it is new
type changedIssue struct {
	issue *models.Issue
	isNew bool
}

// Run performs one sync. The cursor only ever advances after the page that
// produced it is fully persisted, so an aborted run can be resumed safely.
// A non-nil error means the run was aborted; the report is always returned.
func (s *Syncer) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	report := &Report{
		RunID:     uuid.NewString(),
		Status:    StatusCompleted,
		SortField: s.opts.SortField,
	}
	s.log = s.log.With().Str("run_id", report.RunID).Logger()
	s.enter(StateIdle)

	err := s.run(ctx, report)
	report.Duration = time.Since(start)
	if err != nil {
		s.enter(StateAborted)
		report.Status = StatusAborted
		report.Error = err.Error()
		s.log.Error().Err(err).Int("processed", report.Processed).Msg("sync aborted")
		return report, err
	}

	s.enter(StateDone)
	s.log.Info().
		Str("status", string(report.Status)).
		Int("processed", report.Processed).
		Int("created", report.Created).
		Int("updated", report.Updated).
		Int("unchanged", report.Unchanged).
		Int("skipped", report.SkippedCount).
		Dur("duration", report.Duration).
		Msg("sync finished")
	return report, nil
}

func (s *Syncer) run(ctx context.Context, report *Report) error {
	sortField := s.opts.SortField

	// Get the stored cursor and decide where the listing starts
	state, err := s.db.ReadCursor(ctx)
	if err != nil {
		return err
	}

	cursor := state.LastIssueSync
	switch {
	case s.opts.Full:
		s.log.Info().Msg("full sync requested, listing from the beginning")
		cursor = time.Time{}
	case state.HasCursor() && state.SortField != sortField:
		s.log.Warn().
			Str("stored_sort", string(state.SortField)).
			Str("requested_sort", string(sortField)).
			Msg("sort field changed, listing from the beginning")
		cursor = time.Time{}
	}
	if state.HasCursor() {
		stored := state.LastIssueSync
		report.Cursor = &stored
	}

	// Estimate the total for progress reporting
	estimate, known := s.provider.EstimateTotal(ctx, cursor, sortField)
	s.log.Info().
		Time("cursor", cursor).
		Str("sort", string(sortField)).
		Int("estimate", estimate).
		Bool("estimate_known", known).
		Int("limit", s.opts.Limit).
		Msg("starting sync")

	checkpoint := cursor
	pager := s.provider.ListChangedSince(cursor, sortField)

	for {
		s.enter(StateFetchingPage)
		if report.Pages > 0 && s.opts.PageDelay > 0 {
			if err := s.sleep(ctx, jitter(s.opts.PageDelay)); err != nil {
				return err
			}
		}

		// Fetch the next page, retrying transient failures on the same page
		var page *api.Page
		err := s.withRetry(ctx, report, "fetch page", func() error {
			var err error
			page, err = pager.Next(ctx)
			return err
		})
		if err != nil {
			return err
		}
		if page.Empty() {
			return nil
		}
		report.Pages++
		for _, skipped := range page.Skipped {
			s.log.Warn().Err(skipped).Msg("skipping malformed record")
			report.skip(skipped)
		}

		// Find the issues that are new or changed since they were stored
		s.enter(StatePersistingIssues)
		changed, err := s.classify(ctx, page.Issues)
		if err != nil {
			return err
		}
		report.Unchanged += len(page.Issues) - len(changed)

		// Save each changed issue together with its current comments
		s.enter(StateRefreshingComments)
		for _, c := range changed {
			if err := s.refresh(ctx, report, c.issue); err != nil {
				return err
			}
			if c.isNew {
				report.Created++
			} else {
				report.Updated++
			}
			report.Processed++
		}

		// Advance the cursor now that the whole page is stored
		s.enter(StateCheckpointing)
		if pageMax := maxSortValue(page.Issues, sortField); pageMax.After(checkpoint) {
			if err := s.db.WriteCursor(ctx, pageMax, sortField); err != nil {
				return err
			}
			checkpoint = pageMax

			// a full resync keeps a newer stored cursor, so report what was persisted
			stored, err := s.db.ReadCursor(ctx)
			if err != nil {
				return err
			}
			persisted := stored.LastIssueSync
			report.Cursor = &persisted
		}
		s.log.Debug().
			Int("page", report.Pages).
			Int("issues", len(page.Issues)).
			Int("changed", len(changed)).
			Time("cursor", checkpoint).
			Msg("page committed")

		if s.opts.Progress != nil {
			s.opts.Progress(progressOf(report.Processed, estimate, known, s.opts.Limit))
		}

		// Stop at the page boundary once the limit is used up
		if s.opts.Limit > 0 && report.Processed >= s.opts.Limit {
			report.Status = StatusLimited
			s.log.Info().Int("limit", s.opts.Limit).Msg("limit reached, stopping at page boundary")
			return nil
		}
	}
}

// classify returns the issues that are new or strictly newer than the stored copy
func (s *Syncer) classify(ctx context.Context, issues []*models.Issue) ([]changedIssue, error) {
	var changed []changedIssue
	for _, issue := range issues {
		stored, ok, err := s.db.IssueUpdatedAt(ctx, issue.IssueID)
		if err != nil {
			return nil, err
		}
		switch {
		case !ok:
			changed = append(changed, changedIssue{issue: issue, isNew: true})
		case issue.UpdatedAt.After(stored):
			changed = append(changed, changedIssue{issue: issue})
		}
	}
	return changed, nil
}

// refresh fetches the full comment set of issue and writes both atomically
func (s *Syncer) refresh(ctx context.Context, report *Report, issue *models.Issue) error {
	var set *api.CommentSet
	err := s.withRetry(ctx, report, "fetch comments of "+issue.IssueID, func() error {
		var err error
		set, err = s.provider.ListComments(ctx, issue)
		return err
	})
	if err != nil {
		return err
	}
	for _, skipped := range set.Skipped {
		s.log.Warn().Err(skipped).Str("issue", issue.IssueID).Msg("skipping malformed comment")
		report.skip(skipped)
	}

	if err := s.db.SaveIssueWithComments(ctx, issue, set.Comments); err != nil {
		return fmt.Errorf("failed to save issue %s: %w", issue.IssueID, err)
	}
	return nil
}

func maxSortValue(issues []*models.Issue, sortField models.SortField) time.Time {
	var latest time.Time
	for _, issue := range issues {
		if v := sortField.Value(issue); v.After(latest) {
			latest = v
		}
	}
	return latest
}

func progressOf(processed, estimate int, known bool, limit int) Progress {
	p := Progress{Processed: processed}
	switch {
	case known && limit > 0:
		p.Total, p.Known = min(estimate, limit), true
	case known:
		p.Total, p.Known = estimate, true
	case limit > 0:
		p.Total, p.Known = limit, true
	}
	return p
}
