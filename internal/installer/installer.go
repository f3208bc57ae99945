// Package installer runs the deployment pipeline: repository update,
// artifact merge, secret injection, install script, service restarts and
// compose sync. At most one run per deployment is in flight at a time.
package installer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/edvin/deploygate/internal/bigboat"
	"github.com/edvin/deploygate/internal/gitrepo"
	"github.com/edvin/deploygate/internal/jenkins"
	"github.com/edvin/deploygate/internal/metrics"
	"github.com/edvin/deploygate/internal/model"
	"github.com/edvin/deploygate/internal/sysservices"
)

// ErrDeploymentBusy: an installation for the same deployment is already
// underway. The new request is rejected, never queued.
var ErrDeploymentBusy = errors.New("installer: deployment already underway")

// RepoUpdater advances a deployment's checkout to the remote tip.
type RepoUpdater interface {
	Update(ctx context.Context, d model.Deployment) (gitrepo.Revision, error)
}

// ArtifactSource locates the gating CI build and downloads its artifacts.
type ArtifactSource interface {
	LatestBuild(ctx context.Context, d model.Deployment) (*jenkins.Build, error)
	FetchArtifacts(ctx context.Context, build *jenkins.Build, destDir string) error
}

// KeyStore provisions SSH deploy keys for repository access.
type KeyStore interface {
	EnsurePresent(name string) (string, error)
}

// ComposeSyncer pushes compose files to the container platform.
type ComposeSyncer interface {
	PushCompose(ctx context.Context, d model.Deployment, files bigboat.FileSet) error
}

type Installer struct {
	keys     KeyStore
	repo     RepoUpdater
	ci       ArtifactSource
	services sysservices.Manager
	compose  ComposeSyncer
	progress *ProgressHub
	locks    *lockSet
	logger   zerolog.Logger
}

func New(keys KeyStore, repo RepoUpdater, ci ArtifactSource, services sysservices.Manager, compose ComposeSyncer, progress *ProgressHub, logger zerolog.Logger) *Installer {
	return &Installer{
		keys:     keys,
		repo:     repo,
		ci:       ci,
		services: services,
		compose:  compose,
		progress: progress,
		locks:    newLockSet(),
		logger:   logger.With().Str("component", "installer").Logger(),
	}
}

// Install runs the full pipeline for one deployment. Secrets maps each
// configured secret-file fragment to its content; contents are written into
// the checkout and never logged. A failing file-level step marks the run
// FAILED and the remaining steps SKIPPED; failed service restarts still let
// the compose sync run. Returns ErrDeploymentBusy without touching anything
// when a run for the same name is already in flight.
func (i *Installer) Install(ctx context.Context, d model.Deployment, secrets map[string]string) (*model.InstallationResult, error) {
	if !i.locks.TryAcquire(d.Name) {
		return nil, fmt.Errorf("%w: %s", ErrDeploymentBusy, d.Name)
	}
	defer i.locks.Release(d.Name)

	result := model.NewInstallationResult(d.Name)
	i.publish(d.Name, StateStarting, "", "installation started")

	aborted := false
	for _, step := range model.PipelineSteps {
		if aborted {
			result.Record(step, model.StepSkipped, "earlier step failed")
			continue
		}

		status, detail := i.runStep(ctx, step, d, secrets)
		result.Record(step, status, detail)
		if status == model.StepFailed {
			i.logger.Error().Str("deployment", d.Name).Str("step", string(step)).Str("detail", detail).Msg("install step failed")
			// A failed service restart is an independent side effect; the
			// compose sync still describes the files already on disk.
			if step != model.StepServices {
				aborted = true
			}
			continue
		}
		i.publish(d.Name, StateProgress, string(step), detail)
	}

	result.Finish()
	metrics.ObserveInstall(result)
	if result.Failed() {
		i.publish(d.Name, StateError, "", "installation failed")
	} else {
		i.publish(d.Name, StateSuccess, "", "installation finished")
	}
	i.logger.Info().Str("deployment", d.Name).Str("run_id", result.RunID).Str("status", string(result.Status)).Msg("installation finished")
	return result, nil
}

func (i *Installer) publish(deployment string, state ProgressState, step, message string) {
	i.progress.Publish(ProgressEvent{Deployment: deployment, State: state, Step: step, Message: message})
}

func (i *Installer) runStep(ctx context.Context, step model.Step, d model.Deployment, secrets map[string]string) (model.StepStatus, string) {
	switch step {
	case model.StepUpdate:
		return i.update(ctx, d)
	case model.StepArtifacts:
		return i.mergeArtifacts(ctx, d)
	case model.StepSecrets:
		return i.writeSecrets(d, secrets)
	case model.StepScript:
		return i.runScript(ctx, d)
	case model.StepServices:
		return i.restartServices(ctx, d)
	case model.StepCompose:
		return i.syncCompose(ctx, d)
	}
	return model.StepFailed, "unknown step " + string(step)
}

func (i *Installer) update(ctx context.Context, d model.Deployment) (model.StepStatus, string) {
	if d.GitURL != "" {
		// An existing key is never replaced mid-install; a regenerated key
		// would break the registered counterpart on the git server.
		if _, err := i.keys.EnsurePresent(d.Name); err != nil {
			return model.StepFailed, err.Error()
		}
	}
	rev, err := i.repo.Update(ctx, d)
	if err != nil {
		return model.StepFailed, err.Error()
	}
	return model.StepSuccess, "checkout at " + rev.Hash
}

func (i *Installer) mergeArtifacts(ctx context.Context, d model.Deployment) (model.StepStatus, string) {
	if !d.Artifacts {
		return model.StepSkipped, ""
	}
	build, err := i.ci.LatestBuild(ctx, d)
	if err != nil {
		return model.StepFailed, err.Error()
	}
	if err := i.ci.FetchArtifacts(ctx, build, d.GitPath); err != nil {
		return model.StepFailed, err.Error()
	}
	return model.StepSuccess, fmt.Sprintf("merged %d artifacts from build %d", len(build.Artifacts), build.Number)
}

// writeSecrets places each configured secret file into the checkout with
// owner-only permissions. Every configured fragment must be supplied; a
// partial secret set would leave the deployment half-configured.
func (i *Installer) writeSecrets(d model.Deployment, secrets map[string]string) (model.StepStatus, string) {
	if len(d.SecretFiles) == 0 {
		return model.StepSkipped, ""
	}
	for _, fragment := range d.SecretFiles {
		content, ok := secrets[fragment]
		if !ok {
			return model.StepFailed, "no content supplied for secret file " + fragment
		}
		rel := filepath.Clean(fragment)
		if rel == ".." || strings.HasPrefix(rel, "../") || filepath.IsAbs(rel) {
			return model.StepFailed, fmt.Sprintf("secret path %q escapes the checkout", fragment)
		}
		dest := filepath.Join(d.GitPath, rel)
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return model.StepFailed, err.Error()
		}
		if err := os.WriteFile(dest, []byte(content), 0o600); err != nil {
			return model.StepFailed, err.Error()
		}
	}
	return model.StepSuccess, fmt.Sprintf("wrote %d secret files", len(d.SecretFiles))
}

func (i *Installer) runScript(ctx context.Context, d model.Deployment) (model.StepStatus, string) {
	if d.Script == "" {
		return model.StepSkipped, ""
	}
	// The script is a shell command line, not necessarily a file in the
	// checkout; the shell resolves bare names through PATH.
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", d.Script)
	cmd.Dir = d.GitPath
	cmd.Env = append(os.Environ(), "DEPLOYMENT_NAME="+d.Name)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return model.StepFailed, fmt.Sprintf("%s: %s", err, strings.TrimSpace(string(output)))
	}
	return model.StepSuccess, "script completed"
}

// restartServices attempts every configured unit even after one fails, so a
// broken unit never shadows the healthy ones.
func (i *Installer) restartServices(ctx context.Context, d model.Deployment) (model.StepStatus, string) {
	if len(d.Services) == 0 {
		return model.StepSkipped, ""
	}
	var failed []string
	for _, unit := range d.Services {
		if err := i.services.Restart(ctx, unit); err != nil {
			i.logger.Error().Str("deployment", d.Name).Str("unit", unit).Err(err).Msg("service restart failed")
			failed = append(failed, unit)
		}
	}
	if len(failed) > 0 {
		return model.StepFailed, "failed to restart: " + strings.Join(failed, ", ")
	}
	return model.StepSuccess, fmt.Sprintf("restarted %d services", len(d.Services))
}

func (i *Installer) syncCompose(ctx context.Context, d model.Deployment) (model.StepStatus, string) {
	if !d.ComposeSyncEnabled() {
		return model.StepSkipped, ""
	}
	files, err := bigboat.LoadFileSet(d.GitPath, d.BigBoatCompose)
	if err != nil {
		return model.StepFailed, err.Error()
	}
	if err := i.compose.PushCompose(ctx, d, files); err != nil {
		return model.StepFailed, err.Error()
	}
	return model.StepSuccess, "compose files pushed"
}
