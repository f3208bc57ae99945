// Package gate decides whether a deployment is eligible for installation.
// The evaluator is stateless; every call produces a fresh verdict from the
// CI and source-control adapters.
package gate

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/deploygate/internal/gitrepo"
	"github.com/edvin/deploygate/internal/jenkins"
	"github.com/edvin/deploygate/internal/model"
)

// BuildSource is the CI side of the gate.
type BuildSource interface {
	LatestBuild(ctx context.Context, d model.Deployment) (*jenkins.Build, error)
}

// RepoState is the source-control side of the gate.
type RepoState interface {
	RemoteTip(ctx context.Context, d model.Deployment) (string, error)
	CurrentRevision(d model.Deployment) (gitrepo.Revision, error)
}

type Evaluator struct {
	ci     BuildSource
	repo   RepoState
	logger zerolog.Logger
}

func NewEvaluator(ci BuildSource, repo RepoState, logger zerolog.Logger) *Evaluator {
	return &Evaluator{ci: ci, repo: repo, logger: logger.With().Str("component", "gate").Logger()}
}

// Evaluate runs the gate state machine. Adapter failures never escape; they
// are classified into the verdict's reason code. Build-result acceptability
// is checked strictly before staleness: a failed build is the more
// actionable root cause even when it is also stale.
func (e *Evaluator) Evaluate(ctx context.Context, d model.Deployment) model.Verdict {
	verdict := model.Verdict{
		Deployment:  d.Name,
		EvaluatedAt: time.Now().UTC(),
	}

	// No CI job means the gate is bypassed entirely.
	if d.JenkinsJob == "" {
		verdict.Eligible = true
		verdict.Reason = model.ReasonOK
		return verdict
	}

	build, err := e.ci.LatestBuild(ctx, d)
	if err != nil {
		e.logger.Debug().Str("deployment", d.Name).Err(err).Msg("no usable CI build")
		verdict.Reason = model.ReasonBuildMissing
		verdict.Detail = err.Error()
		return verdict
	}
	verdict.Build = build.Ref()

	if !d.ResultAccepted(build.Result) {
		verdict.Reason = model.ReasonBuildFailed
		verdict.Detail = "build result was " + build.Result
		return verdict
	}

	var remoteTip string
	if d.StalenessChecked() {
		// A build without a recorded revision cannot be matched against the
		// remote; treating it as current would let stale builds through.
		if build.Revision == "" {
			verdict.Reason = model.ReasonBuildMissing
			verdict.Detail = "build reports no revision"
			return verdict
		}
		remoteTip, err = e.repo.RemoteTip(ctx, d)
		if err != nil {
			// Unknown remote state is assumed stale; the distinct reason
			// lets the caller decide policy.
			verdict.Reason = model.ReasonRemoteUnreachable
			verdict.Detail = err.Error()
			return verdict
		}
		if build.Revision != remoteTip {
			verdict.Reason = model.ReasonStale
			verdict.Detail = "build covers " + build.Revision + ", remote tip is " + remoteTip
			return verdict
		}
	}

	if d.Artifacts && len(build.Artifacts) == 0 {
		verdict.Reason = model.ReasonArtifactsMissing
		verdict.Detail = "build produced no artifacts"
		return verdict
	}

	verdict.Eligible = true
	verdict.Reason = model.ReasonOK
	if remoteTip != "" {
		if local, err := e.repo.CurrentRevision(d); err == nil && local.Hash == remoteTip {
			verdict.Reason = model.ReasonUpToDate
		}
	}
	return verdict
}
