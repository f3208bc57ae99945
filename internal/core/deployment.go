// Package core ties the descriptor set, the gate and the installer together
// behind one service used by the HTTP API and the CLI.
package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/edvin/deploygate/internal/descriptor"
	"github.com/edvin/deploygate/internal/gitrepo"
	"github.com/edvin/deploygate/internal/metrics"
	"github.com/edvin/deploygate/internal/model"
)

// ErrNotFound: the named deployment is not in the descriptor set.
var ErrNotFound = errors.New("core: deployment not found")

// Gate produces eligibility verdicts.
type Gate interface {
	Evaluate(ctx context.Context, d model.Deployment) model.Verdict
}

// InstallRunner executes the installation pipeline.
type InstallRunner interface {
	Install(ctx context.Context, d model.Deployment, secrets map[string]string) (*model.InstallationResult, error)
}

// SourceControl reads checkout state for list summaries.
type SourceControl interface {
	CurrentRevision(d model.Deployment) (gitrepo.Revision, error)
	IsStale(ctx context.Context, d model.Deployment) (bool, error)
}

// KeyReader exposes public deploy keys and applies the descriptor's
// deploy-key policy.
type KeyReader interface {
	PublicKey(name string) (string, error)
	Ensure(d model.Deployment) (string, error)
}

// DeployOutcome is the result of a gated deploy: the verdict always, the
// installation result only when the gate allowed the install to run.
type DeployOutcome struct {
	Verdict model.Verdict             `json:"verdict"`
	Result  *model.InstallationResult `json:"result,omitempty"`
}

// listConcurrency bounds parallel gate evaluations during List. Each one may
// hit the CI server and the git remote.
const listConcurrency = 4

type DeploymentService struct {
	store     *descriptor.Store
	gate      Gate
	installer InstallRunner
	repo      SourceControl
	keys      KeyReader
	logger    zerolog.Logger
}

func NewDeploymentService(store *descriptor.Store, gate Gate, installer InstallRunner, repo SourceControl, keys KeyReader, logger zerolog.Logger) *DeploymentService {
	return &DeploymentService{
		store:     store,
		gate:      gate,
		installer: installer,
		repo:      repo,
		keys:      keys,
		logger:    logger.With().Str("component", "core").Logger(),
	}
}

// Get returns the named deployment descriptor.
func (s *DeploymentService) Get(name string) (model.Deployment, error) {
	d, ok := s.store.Get(name)
	if !ok {
		return model.Deployment{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return d, nil
}

// Names returns all deployment names, sorted.
func (s *DeploymentService) Names() []string {
	return s.store.Names()
}

// Reload re-reads the descriptor file. Individually invalid entries are
// returned and skipped; the rest of the set is replaced atomically.
func (s *DeploymentService) Reload() ([]descriptor.ValidationError, error) {
	return s.store.Load()
}

// Evaluate runs the gate for one deployment.
func (s *DeploymentService) Evaluate(ctx context.Context, name string) (model.Verdict, error) {
	d, err := s.Get(name)
	if err != nil {
		return model.Verdict{}, err
	}
	v := s.gate.Evaluate(ctx, d)
	metrics.ObserveVerdict(v)
	return v, nil
}

// Install runs the pipeline without consulting the gate.
func (s *DeploymentService) Install(ctx context.Context, name string, secrets map[string]string) (*model.InstallationResult, error) {
	d, err := s.Get(name)
	if err != nil {
		return nil, err
	}
	return s.installer.Install(ctx, d, secrets)
}

// Deploy evaluates the gate and installs only when eligible. An ineligible
// verdict is not an error; the outcome carries it to the caller.
func (s *DeploymentService) Deploy(ctx context.Context, name string, secrets map[string]string) (*DeployOutcome, error) {
	d, err := s.Get(name)
	if err != nil {
		return nil, err
	}

	verdict := s.gate.Evaluate(ctx, d)
	metrics.ObserveVerdict(verdict)
	if !verdict.Eligible {
		s.logger.Info().Str("deployment", name).Str("reason", string(verdict.Reason)).Msg("deploy blocked by gate")
		return &DeployOutcome{Verdict: verdict}, nil
	}

	result, err := s.installer.Install(ctx, d, secrets)
	if err != nil {
		return nil, err
	}
	result.Verdict = &verdict
	return &DeployOutcome{Verdict: verdict, Result: result}, nil
}

// List summarizes every deployment: checkout state, gate verdict and
// up-to-date flag. Evaluations run in parallel with bounded concurrency; a
// single slow CI server must not serialize the whole listing.
func (s *DeploymentService) List(ctx context.Context) ([]model.Summary, error) {
	deployments := s.store.All()
	summaries := make([]model.Summary, len(deployments))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(listConcurrency)
	for idx, d := range deployments {
		g.Go(func() error {
			summaries[idx] = s.summarize(ctx, d)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return summaries, nil
}

func (s *DeploymentService) summarize(ctx context.Context, d model.Deployment) model.Summary {
	summary := model.Summary{Name: d.Name, Branch: d.Branch()}
	if rev, err := s.repo.CurrentRevision(d); err == nil {
		summary.Revision = rev.Hash
		summary.Branch = rev.Branch
	}

	verdict := s.gate.Evaluate(ctx, d)
	metrics.ObserveVerdict(verdict)
	summary.Verdict = &verdict

	switch verdict.Reason {
	case model.ReasonUpToDate:
		summary.UpToDate = true
	case model.ReasonOK:
		// The gate had no occasion to compare the checkout against the
		// remote, so ask source control directly.
		if stale, err := s.repo.IsStale(ctx, d); err == nil {
			summary.UpToDate = !stale
		}
	}
	return summary
}

// PublicKey returns the deployment's public deploy key in authorized-keys
// form, for registration on the git server.
func (s *DeploymentService) PublicKey(name string) (string, error) {
	if _, err := s.Get(name); err != nil {
		return "", err
	}
	return s.keys.PublicKey(name)
}

// ProvisionKey applies the descriptor's deploy-key policy: a deployment with
// deploy_key set keeps its existing pair, anything else gets a fresh one.
// Returns the authorized-keys line of the resulting public key.
func (s *DeploymentService) ProvisionKey(name string) (string, error) {
	d, err := s.Get(name)
	if err != nil {
		return "", err
	}
	pub, err := s.keys.Ensure(d)
	if err != nil {
		return "", err
	}
	s.logger.Info().Str("deployment", name).Bool("keep_existing", d.DeployKey).Msg("deploy key provisioned")
	return pub, nil
}
