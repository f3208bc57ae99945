package gate

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/edvin/deploygate/internal/gitrepo"
	"github.com/edvin/deploygate/internal/jenkins"
	"github.com/edvin/deploygate/internal/model"
)

type fakeCI struct {
	build *jenkins.Build
	err   error
}

func (f *fakeCI) LatestBuild(context.Context, model.Deployment) (*jenkins.Build, error) {
	return f.build, f.err
}

type fakeRepo struct {
	tip     string
	tipErr  error
	local   string
	headErr error
}

func (f *fakeRepo) RemoteTip(context.Context, model.Deployment) (string, error) {
	return f.tip, f.tipErr
}

func (f *fakeRepo) CurrentRevision(model.Deployment) (gitrepo.Revision, error) {
	return gitrepo.Revision{Hash: f.local, Branch: "master"}, f.headErr
}

func gated() model.Deployment {
	return model.Deployment{
		Name: "site", GitPath: "/srv/site",
		JenkinsJob: "site-build", JenkinsStates: []string{"SUCCESS"},
	}
}

func successBuild(rev string) *jenkins.Build {
	return &jenkins.Build{
		Job: "site-build", Number: 42, Result: "SUCCESS", Revision: rev,
		Artifacts: []jenkins.Artifact{{RelativePath: "dist/app.tar.gz"}},
	}
}

func evaluate(t *testing.T, ci BuildSource, repo RepoState, d model.Deployment) model.Verdict {
	t.Helper()
	return NewEvaluator(ci, repo, zerolog.Nop()).Evaluate(context.Background(), d)
}

func TestEvaluate_NoJobBypassesGate(t *testing.T) {
	// Source-control state must not matter at all.
	repo := &fakeRepo{tipErr: errors.New("no network")}
	d := model.Deployment{Name: "site", GitPath: "/srv/site"}

	v := evaluate(t, &fakeCI{err: jenkins.ErrCIUnavailable}, repo, d)

	assert.True(t, v.Eligible)
	assert.Equal(t, model.ReasonOK, v.Reason)
}

func TestEvaluate_BuildMatchingRemoteTip(t *testing.T) {
	v := evaluate(t, &fakeCI{build: successBuild("abc123")}, &fakeRepo{tip: "abc123"}, gated())

	assert.True(t, v.Eligible)
	assert.Equal(t, "abc123", v.Build.Revision)
}

func TestEvaluate_StaleWhenRemoteAdvanced(t *testing.T) {
	v := evaluate(t, &fakeCI{build: successBuild("abc123")}, &fakeRepo{tip: "def456"}, gated())

	assert.False(t, v.Eligible)
	assert.Equal(t, model.ReasonStale, v.Reason)
}

func TestEvaluate_BuildFailedOutranksStale(t *testing.T) {
	build := successBuild("abc123")
	build.Result = "FAILURE"
	// The build is also stale; BUILD_FAILED must still win.
	v := evaluate(t, &fakeCI{build: build}, &fakeRepo{tip: "def456"}, gated())

	assert.False(t, v.Eligible)
	assert.Equal(t, model.ReasonBuildFailed, v.Reason)
}

func TestEvaluate_BuildMissing(t *testing.T) {
	v := evaluate(t, &fakeCI{err: jenkins.ErrCIUnavailable}, &fakeRepo{}, gated())

	assert.False(t, v.Eligible)
	assert.Equal(t, model.ReasonBuildMissing, v.Reason)
}

func TestEvaluate_RemoteUnreachable(t *testing.T) {
	repo := &fakeRepo{tipErr: gitrepo.ErrRemoteUnavailable}
	v := evaluate(t, &fakeCI{build: successBuild("abc123")}, repo, gated())

	assert.False(t, v.Eligible)
	assert.Equal(t, model.ReasonRemoteUnreachable, v.Reason)
}

func TestEvaluate_StalenessSkippedWhenDisabled(t *testing.T) {
	off := false
	d := gated()
	d.JenkinsGit = &off

	repo := &fakeRepo{tipErr: errors.New("must not be called")}
	v := evaluate(t, &fakeCI{build: successBuild("abc123")}, repo, d)

	assert.True(t, v.Eligible)
	assert.Equal(t, model.ReasonOK, v.Reason)
}

func TestEvaluate_UnknownBuildRevisionBlocks(t *testing.T) {
	// The remote tip must never be consulted for a revisionless build.
	repo := &fakeRepo{tipErr: errors.New("must not be called")}
	v := evaluate(t, &fakeCI{build: successBuild("")}, repo, gated())

	assert.False(t, v.Eligible)
	assert.Equal(t, model.ReasonBuildMissing, v.Reason)
	assert.Equal(t, "build reports no revision", v.Detail)
}

func TestEvaluate_ArtifactsMissing(t *testing.T) {
	d := gated()
	d.Artifacts = true
	build := successBuild("abc123")
	build.Artifacts = nil

	v := evaluate(t, &fakeCI{build: build}, &fakeRepo{tip: "abc123"}, d)

	assert.False(t, v.Eligible)
	assert.Equal(t, model.ReasonArtifactsMissing, v.Reason)
}

func TestEvaluate_UpToDateWhenCheckoutMatchesTip(t *testing.T) {
	repo := &fakeRepo{tip: "abc123", local: "abc123"}
	v := evaluate(t, &fakeCI{build: successBuild("abc123")}, repo, gated())

	assert.True(t, v.Eligible)
	assert.Equal(t, model.ReasonUpToDate, v.Reason)
}

func TestEvaluate_AcceptsConfiguredStates(t *testing.T) {
	d := gated()
	d.JenkinsStates = []string{"SUCCESS", "UNSTABLE"}
	build := successBuild("abc123")
	build.Result = "UNSTABLE"

	v := evaluate(t, &fakeCI{build: build}, &fakeRepo{tip: "abc123"}, d)

	assert.True(t, v.Eligible)
}
