// Package gitrepo wraps clone, fetch and checkout of a deployment's
// repository. The checkout directory is owned exclusively by the adapter
// for the duration of an installer run; the per-deployment lock upstream
// guarantees runs never interleave.
package gitrepo

import (
	"context"
	"errors"
	"fmt"

	git "github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	gitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"
	"github.com/rs/zerolog"

	"github.com/edvin/deploygate/internal/deploykey"
	"github.com/edvin/deploygate/internal/model"
)

var (
	// ErrCloneMissingURL: the checkout is absent and the descriptor has no
	// git_url to clone from.
	ErrCloneMissingURL = errors.New("gitrepo: no git_url configured and no checkout present")
	// ErrNotARepository: git_path exists but holds no valid repository.
	ErrNotARepository = errors.New("gitrepo: path is not a git repository")
	// ErrRemoteUnavailable: the remote could not be reached for a staleness
	// check. Soft failure; callers treat the checkout as possibly stale.
	ErrRemoteUnavailable = errors.New("gitrepo: remote unreachable")
	// ErrUpdate: fetch or checkout of the remote tip failed. The worktree
	// is left at its prior revision.
	ErrUpdate = errors.New("gitrepo: update failed")
)

// Revision identifies the checked-out state of a repository.
type Revision struct {
	Hash   string `json:"hash"`
	Branch string `json:"branch"`
}

type Adapter struct {
	keys   *deploykey.Manager
	logger zerolog.Logger
}

func NewAdapter(keys *deploykey.Manager, logger zerolog.Logger) *Adapter {
	return &Adapter{keys: keys, logger: logger.With().Str("component", "gitrepo").Logger()}
}

// auth returns the SSH credential for the deployment's origin, or nil for
// non-SSH origins and deployments without a generated key.
func (a *Adapter) auth(d model.Deployment) (transport.AuthMethod, error) {
	if d.GitURL == "" {
		return nil, nil
	}
	ep, err := transport.NewEndpoint(d.GitURL)
	if err != nil {
		return nil, fmt.Errorf("gitrepo: parse git_url: %w", err)
	}
	if ep.Protocol != "ssh" {
		return nil, nil
	}
	if !a.keys.Exists(d.Name) {
		return nil, nil
	}
	user := ep.User
	if user == "" {
		user = "git"
	}
	keys, err := gitssh.NewPublicKeysFromFile(user, a.keys.Path(d.Name), "")
	if err != nil {
		return nil, fmt.Errorf("gitrepo: load deploy key: %w", err)
	}
	return keys, nil
}

// EnsureClone opens the checkout at git_path, cloning it first when absent.
// Idempotent: a second call on an existing clone changes nothing.
func (a *Adapter) EnsureClone(ctx context.Context, d model.Deployment) (*git.Repository, error) {
	repo, err := git.PlainOpen(d.GitPath)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("%w: %v", ErrNotARepository, err)
	}

	if d.GitURL == "" {
		return nil, ErrCloneMissingURL
	}

	auth, err := a.auth(d)
	if err != nil {
		return nil, err
	}

	a.logger.Info().Str("deployment", d.Name).Str("url", d.GitURL).Str("path", d.GitPath).Msg("cloning repository")
	repo, err = git.PlainCloneContext(ctx, d.GitPath, false, &git.CloneOptions{
		URL:           d.GitURL,
		Auth:          auth,
		ReferenceName: plumbing.NewBranchReferenceName(d.Branch()),
		SingleBranch:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("gitrepo: clone %s: %w", d.GitURL, err)
	}
	return repo, nil
}

// CurrentRevision returns the checked-out commit and branch.
func (a *Adapter) CurrentRevision(d model.Deployment) (Revision, error) {
	repo, err := git.PlainOpen(d.GitPath)
	if err != nil {
		return Revision{}, fmt.Errorf("%w: %v", ErrNotARepository, err)
	}
	return headRevision(repo)
}

func headRevision(repo *git.Repository) (Revision, error) {
	head, err := repo.Head()
	if err != nil {
		return Revision{}, fmt.Errorf("%w: resolve HEAD: %v", ErrNotARepository, err)
	}
	branch := "HEAD"
	if head.Name().IsBranch() {
		branch = head.Name().Short()
	}
	return Revision{Hash: head.Hash().String(), Branch: branch}, nil
}

// RemoteTip lists the remote refs and returns the tip of the tracked
// branch. Wraps ErrRemoteUnavailable when the remote cannot be reached.
func (a *Adapter) RemoteTip(ctx context.Context, d model.Deployment) (string, error) {
	repo, err := git.PlainOpen(d.GitPath)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotARepository, err)
	}

	remote, err := repo.Remote(git.DefaultRemoteName)
	if err != nil {
		if d.GitURL == "" {
			return "", fmt.Errorf("%w: no origin remote and no git_url", ErrRemoteUnavailable)
		}
		remote, err = repo.CreateRemoteAnonymous(&gitconfig.RemoteConfig{
			Name: "anonymous",
			URLs: []string{d.GitURL},
		})
		if err != nil {
			return "", fmt.Errorf("gitrepo: configure remote: %w", err)
		}
	}

	auth, err := a.auth(d)
	if err != nil {
		return "", err
	}

	refs, err := remote.ListContext(ctx, &git.ListOptions{Auth: auth})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}

	want := plumbing.NewBranchReferenceName(d.Branch())
	for _, ref := range refs {
		if ref.Name() == want {
			return ref.Hash().String(), nil
		}
	}
	return "", fmt.Errorf("%w: branch %s not found on remote", ErrRemoteUnavailable, d.Branch())
}

// IsStale reports whether the remote branch tip differs from the local
// checkout. A wrapped ErrRemoteUnavailable means unknown; callers assume
// stale and surface the distinct reason.
func (a *Adapter) IsStale(ctx context.Context, d model.Deployment) (bool, error) {
	local, err := a.CurrentRevision(d)
	if err != nil {
		return false, err
	}
	tip, err := a.RemoteTip(ctx, d)
	if err != nil {
		return false, err
	}
	return tip != local.Hash, nil
}

// Update fetches the tracked branch and hard-resets the worktree to its
// remote tip. Atomic from the caller's view: the fetch never touches the
// worktree, and a failed reset is rolled back to the prior revision.
// Deployments without a git_url are never fetched; the pre-existing
// checkout is used as is.
func (a *Adapter) Update(ctx context.Context, d model.Deployment) (Revision, error) {
	repo, err := a.EnsureClone(ctx, d)
	if err != nil {
		return Revision{}, err
	}

	prior, err := headRevision(repo)
	if err != nil {
		return Revision{}, err
	}

	if d.GitURL == "" {
		return prior, nil
	}

	auth, err := a.auth(d)
	if err != nil {
		return Revision{}, err
	}

	branch := d.Branch()
	refspec := gitconfig.RefSpec(fmt.Sprintf("+refs/heads/%s:refs/remotes/origin/%s", branch, branch))
	err = repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: git.DefaultRemoteName,
		RefSpecs:   []gitconfig.RefSpec{refspec},
		Auth:       auth,
		Force:      true,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return Revision{}, fmt.Errorf("%w: fetch: %v", ErrUpdate, err)
	}

	remoteRef, err := repo.Reference(plumbing.NewRemoteReferenceName(git.DefaultRemoteName, branch), true)
	if err != nil {
		return Revision{}, fmt.Errorf("%w: resolve origin/%s: %v", ErrUpdate, branch, err)
	}
	target := remoteRef.Hash()

	if target.String() == prior.Hash {
		return prior, nil
	}

	wt, err := repo.Worktree()
	if err != nil {
		return Revision{}, fmt.Errorf("%w: open worktree: %v", ErrUpdate, err)
	}

	if prior.Branch != branch {
		// The checkout tracks a different branch than the descriptor; a
		// failed checkout leaves the worktree on the prior branch.
		if err := checkoutBranch(wt, branch, target); err != nil {
			return Revision{}, fmt.Errorf("%w: checkout %s: %v", ErrUpdate, branch, err)
		}
	}

	if err := wt.Reset(&git.ResetOptions{Mode: git.HardReset, Commit: target}); err != nil {
		// Leave the worktree at the prior revision, never half-updated.
		rollback := wt.Reset(&git.ResetOptions{Mode: git.HardReset, Commit: plumbing.NewHash(prior.Hash)})
		if rollback != nil {
			a.logger.Error().Str("deployment", d.Name).Err(rollback).Msg("rollback after failed reset also failed")
		}
		return Revision{}, fmt.Errorf("%w: reset to %s: %v", ErrUpdate, target, err)
	}

	a.logger.Info().Str("deployment", d.Name).Str("from", prior.Hash).Str("to", target.String()).Msg("updated checkout")
	return Revision{Hash: target.String(), Branch: branch}, nil
}

func checkoutBranch(wt *git.Worktree, branch string, target plumbing.Hash) error {
	ref := plumbing.NewBranchReferenceName(branch)
	err := wt.Checkout(&git.CheckoutOptions{Branch: ref, Force: true})
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		err = wt.Checkout(&git.CheckoutOptions{Branch: ref, Create: true, Hash: target, Force: true})
	}
	return err
}
