package tbd_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbd-sync/tbd"
	"github.com/tbd-sync/tbd/internal/testutil/gitrepo"
	"github.com/tbd-sync/tbd/internal/types"
)

func TestOpenUninitialized(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping git integration test in short mode")
	}
	dir := t.TempDir()
	gitrepo.Init(t, dir)

	_, err := tbd.Open(context.Background(), dir)
	assert.True(t, errors.Is(err, tbd.ErrNotInitialized), "got %v", err)
}

func TestInitSaveSync(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping git integration test in short mode")
	}
	ctx := context.Background()
	env := gitrepo.New(t)

	repo, err := tbd.Init(ctx, env.Work)
	require.NoError(t, err)

	issue := types.NewIssue("Public API", time.Now())
	require.NoError(t, repo.SaveIssue(ctx, issue))

	res, err := repo.Sync(ctx, tbd.SyncOptions{})
	require.NoError(t, err)
	assert.True(t, res.Pushed)
	assert.Equal(t, 1, res.Summary.Sent.New)

	other := env.Clone(t, "other")
	peer, err := tbd.Init(ctx, other)
	require.NoError(t, err)
	got, err := peer.GetIssue(ctx, issue.ID)
	require.NoError(t, err)
	assert.Equal(t, "Public API", got.Title)

	again, err := tbd.Open(ctx, env.Work)
	require.NoError(t, err)
	issues, err := again.ListIssues(ctx)
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, issue.ID, issues[0].ID)
}
