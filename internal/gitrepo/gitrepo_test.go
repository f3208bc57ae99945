package gitrepo

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/deploygate/internal/deploykey"
	"github.com/edvin/deploygate/internal/model"
)

func newAdapter(t *testing.T) *Adapter {
	t.Helper()
	return NewAdapter(deploykey.NewManager(t.TempDir(), zerolog.Nop()), zerolog.Nop())
}

// initRepo creates a repository with a single commit on master.
func initRepo(t *testing.T, dir string) string {
	t.Helper()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "README"), []byte("hello\n"), 0o644))
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("README")
	require.NoError(t, err)

	hash, err := wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "tester", Email: "tester@example.com", When: time.Now()},
	})
	require.NoError(t, err)
	return hash.String()
}

func TestCurrentRevision(t *testing.T) {
	dir := t.TempDir()
	hash := initRepo(t, dir)

	a := newAdapter(t)
	rev, err := a.CurrentRevision(model.Deployment{Name: "site", GitPath: dir})
	require.NoError(t, err)

	assert.Equal(t, hash, rev.Hash)
	assert.Equal(t, "master", rev.Branch)
}

func TestCurrentRevision_NotARepository(t *testing.T) {
	a := newAdapter(t)
	_, err := a.CurrentRevision(model.Deployment{Name: "site", GitPath: t.TempDir()})
	assert.ErrorIs(t, err, ErrNotARepository)
}

func TestEnsureClone_ExistingCloneIsNoOp(t *testing.T) {
	dir := t.TempDir()
	hash := initRepo(t, dir)
	d := model.Deployment{Name: "site", GitPath: dir}

	a := newAdapter(t)
	_, err := a.EnsureClone(context.Background(), d)
	require.NoError(t, err)
	_, err = a.EnsureClone(context.Background(), d)
	require.NoError(t, err)

	rev, err := a.CurrentRevision(d)
	require.NoError(t, err)
	assert.Equal(t, hash, rev.Hash)
}

func TestEnsureClone_EmptyPathWithoutURL(t *testing.T) {
	a := newAdapter(t)
	d := model.Deployment{Name: "site", GitPath: filepath.Join(t.TempDir(), "checkout")}

	_, err := a.EnsureClone(context.Background(), d)
	assert.ErrorIs(t, err, ErrCloneMissingURL)
}

func TestUpdate_NoURLKeepsCheckout(t *testing.T) {
	dir := t.TempDir()
	hash := initRepo(t, dir)
	d := model.Deployment{Name: "site", GitPath: dir}

	a := newAdapter(t)
	rev, err := a.Update(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, hash, rev.Hash)
}

func TestUpdate_FetchFailureLeavesRevisionUntouched(t *testing.T) {
	dir := t.TempDir()
	hash := initRepo(t, dir)
	// git_url is set but the checkout has no origin remote, so the fetch
	// fails before anything touches the worktree.
	d := model.Deployment{Name: "site", GitPath: dir, GitURL: filepath.Join(t.TempDir(), "nowhere")}

	a := newAdapter(t)
	before, err := a.CurrentRevision(d)
	require.NoError(t, err)

	_, err = a.Update(context.Background(), d)
	require.ErrorIs(t, err, ErrUpdate)

	after, err := a.CurrentRevision(d)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, hash, after.Hash)
}

func TestRemoteTip_UnreachableRemote(t *testing.T) {
	dir := t.TempDir()
	initRepo(t, dir)
	d := model.Deployment{Name: "site", GitPath: dir, GitURL: filepath.Join(t.TempDir(), "nowhere")}

	a := newAdapter(t)
	_, err := a.RemoteTip(context.Background(), d)
	assert.ErrorIs(t, err, ErrRemoteUnavailable)
}

func TestRemoteTip_NoRemoteAndNoURL(t *testing.T) {
	dir := t.TempDir()
	initRepo(t, dir)

	a := newAdapter(t)
	_, err := a.RemoteTip(context.Background(), model.Deployment{Name: "site", GitPath: dir})
	assert.ErrorIs(t, err, ErrRemoteUnavailable)
}

func TestIsStale_RemoteUnreachablePropagates(t *testing.T) {
	dir := t.TempDir()
	initRepo(t, dir)
	d := model.Deployment{Name: "site", GitPath: dir, GitURL: filepath.Join(t.TempDir(), "nowhere")}

	a := newAdapter(t)
	_, err := a.IsStale(context.Background(), d)
	assert.ErrorIs(t, err, ErrRemoteUnavailable)
}
