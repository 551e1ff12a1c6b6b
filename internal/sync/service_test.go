package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wesm/issue-sync/internal/api"
	"github.com/wesm/issue-sync/internal/db"
	"github.com/wesm/issue-sync/internal/models"
)

func TestParseTarget(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    Target
		wantErr bool
	}{
		{in: "golang/go", want: Target{Platform: models.PlatformGitHub, Owner: "golang", Repo: "go"}},
		{in: "github:golang/go", want: Target{Platform: models.PlatformGitHub, Owner: "golang", Repo: "go"}},
		{in: "jira:mongodb/SERVER", want: Target{Platform: models.PlatformJira, Owner: "mongodb", Repo: "SERVER"}},
		{in: "gitlab:a/b", wantErr: true},
		{in: "golang", wantErr: true},
		{in: "a/b/c", wantErr: true},
		{in: "/go", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTarget(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	assert.Equal(t, "jira:mongodb/SERVER", Target{Platform: models.PlatformJira, Owner: "mongodb", Repo: "SERVER"}.String())
}

func TestService_SyncAndRead(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	fake := newFakeProvider()
	fake.put(1, base, 10, 11)
	fake.put(2, base.Add(time.Minute))

	svc := NewServiceWithFactory(t.TempDir(), func(Target) (api.Provider, error) { return fake, nil }, zerolog.Nop())
	target := Target{Platform: models.PlatformGitHub, Owner: "octo", Repo: "demo"}

	_, err := svc.Stats(ctx, target)
	assert.Error(t, err, "reads require an existing store")

	report, err := svc.Sync(ctx, target, Options{MaxRetries: 1})
	require.NoError(t, err)
	assert.Equal(t, "github:octo/demo", report.Target)
	assert.Equal(t, 2, report.Created)
	assert.NotEmpty(t, report.RunID)

	all, err := svc.IssuesWithComments(ctx, target)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Len(t, all[0].Comments, 2)

	raw, err := svc.Show(ctx, target, "1")
	require.NoError(t, err)
	assert.JSONEq(t, string(fake.issues["1"].Metadata), string(raw))

	raw, err = svc.ShowNumber(ctx, target, 2)
	require.NoError(t, err)
	assert.JSONEq(t, string(fake.issues["2"].Metadata), string(raw))

	_, err = svc.Show(ctx, target, "3")
	assert.ErrorIs(t, err, db.ErrNotFound)

	summaries, err := svc.ListIssues(ctx, target)
	require.NoError(t, err)
	assert.Len(t, summaries, 2)

	stats, err := svc.Stats(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Issues)
	assert.Equal(t, 2, stats.Comments)
	require.NotNil(t, stats.LastIssueSync)
	assert.True(t, stats.LastIssueSync.Equal(base.Add(time.Minute)))
}

func TestService_SyncAllIsolatesStores(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	providers := map[Target]*fakeProvider{}
	good := Target{Platform: models.PlatformGitHub, Owner: "octo", Repo: "good"}
	other := Target{Platform: models.PlatformJira, Owner: "apache", Repo: "KAFKA"}
	broken := Target{Platform: models.PlatformGitHub, Owner: "octo", Repo: "broken"}

	providers[good] = newFakeProvider()
	providers[good].put(1, base)
	providers[other] = newFakeProvider()
	providers[other].put(1, base)
	providers[other].put(2, base.Add(time.Minute))

	factory := func(t Target) (api.Provider, error) {
		if p, ok := providers[t]; ok {
			return p, nil
		}
		return nil, &api.PermanentFetchError{Op: "github", Err: errors.New("no GitHub token configured")}
	}
	svc := NewServiceWithFactory(t.TempDir(), factory, zerolog.Nop())
	svc.SetWorkers(2)

	reports, err := svc.SyncAll(ctx, []Target{good, other, broken, good}, Options{})
	require.Error(t, err)
	var pe *api.PermanentFetchError
	assert.ErrorAs(t, err, &pe)

	require.Len(t, reports, 3, "duplicate targets run once")
	assert.Equal(t, StatusCompleted, reports[0].Status)
	assert.Equal(t, 1, reports[0].Created)
	assert.Equal(t, StatusCompleted, reports[1].Status)
	assert.Equal(t, 2, reports[1].Created)
	assert.Equal(t, StatusAborted, reports[2].Status)

	stats, err := svc.Stats(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Issues)
}
