package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNumberFromKey(t *testing.T) {
	t.Parallel()

	n, err := NumberFromKey("SERVER-4521")
	require.NoError(t, err)
	assert.Equal(t, 4521, n)

	n, err = NumberFromKey("MY-PROJ-7")
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	for _, bad := range []string{"", "SERVER", "SERVER-", "SERVER-abc"} {
		_, err := NumberFromKey(bad)
		assert.Error(t, err, bad)
	}
}

func TestFlattenUser(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "octocat", FlattenUser("octocat"))
	assert.Equal(t, "octocat", FlattenUser(map[string]any{"login": "octocat", "id": 1.0}))
	assert.Equal(t, "Jane Doe", FlattenUser(map[string]any{"displayName": "Jane Doe"}))
	assert.Equal(t, "jdoe", FlattenUser(map[string]any{"name": "jdoe", "displayName": "Jane Doe"}))
	assert.Equal(t, "", FlattenUser(nil))
	assert.Equal(t, "", FlattenUser(42))
}

func TestParseSortField(t *testing.T) {
	t.Parallel()

	f, err := ParseSortField("Created")
	require.NoError(t, err)
	assert.Equal(t, SortCreated, f)

	f, err = ParseSortField("")
	require.NoError(t, err)
	assert.Equal(t, SortUpdated, f)

	_, err = ParseSortField("closed")
	assert.Error(t, err)
}

func TestSortFieldValue(t *testing.T) {
	t.Parallel()

	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	updated := created.Add(time.Hour)
	issue := &Issue{CreatedAt: created, UpdatedAt: updated}

	assert.Equal(t, created, SortCreated.Value(issue))
	assert.Equal(t, updated, SortUpdated.Value(issue))
}

func TestParsePlatform(t *testing.T) {
	t.Parallel()

	p, err := ParsePlatform("JIRA")
	require.NoError(t, err)
	assert.Equal(t, PlatformJira, p)

	_, err = ParsePlatform("gitlab")
	assert.Error(t, err)
}
