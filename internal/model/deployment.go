package model

// DefaultBranch is tracked when a deployment does not name one.
const DefaultBranch = "master"

// DefaultAcceptedState is the only CI result accepted when a deployment does
// not list its own.
const DefaultAcceptedState = "SUCCESS"

// Deployment describes a single deployment target. Instances are loaded from
// the descriptor set and are read-only afterwards; a re-deploy works on a
// freshly loaded copy, never on a mutated live one.
//
// The JSON field names are a compatibility contract with the descriptor file
// format and must not change.
type Deployment struct {
	Name    string `json:"name" yaml:"name" validate:"required,depname"`
	GitPath string `json:"git_path" yaml:"git_path" validate:"required"`

	// GitURL is the origin to clone from. Empty means the checkout at
	// GitPath is expected to pre-exist and is never fetched.
	GitURL    string `json:"git_url,omitempty" yaml:"git_url,omitempty"`
	GitBranch string `json:"git_branch,omitempty" yaml:"git_branch,omitempty"`

	// JenkinsJob gates the deployment on a CI job. Empty bypasses the CI
	// gate entirely.
	JenkinsJob string `json:"jenkins_job,omitempty" yaml:"jenkins_job,omitempty"`

	// JenkinsGit controls the staleness check of the CI build against the
	// remote branch tip. Unset means enabled.
	JenkinsGit *bool `json:"jenkins_git,omitempty" yaml:"jenkins_git,omitempty"`

	// JenkinsStates lists the CI result strings considered deployable.
	JenkinsStates []string `json:"jenkins_states,omitempty" yaml:"jenkins_states,omitempty"`

	// Artifacts requests that the CI build's artifacts are merged into the
	// checkout before the install script runs.
	Artifacts bool `json:"artifacts,omitempty" yaml:"artifacts,omitempty"`

	// DeployKey preserves a previously generated SSH deploy key instead of
	// regenerating it.
	DeployKey bool `json:"deploy_key,omitempty" yaml:"deploy_key,omitempty"`

	// Script is run with the checkout as working directory after all
	// file-level steps.
	Script   string   `json:"script,omitempty" yaml:"script,omitempty"`
	Services []string `json:"services,omitempty" yaml:"services,omitempty"`

	BigBoatURL     string `json:"bigboat_url,omitempty" yaml:"bigboat_url,omitempty"`
	BigBoatKey     string `json:"bigboat_key,omitempty" yaml:"bigboat_key,omitempty"`
	BigBoatCompose string `json:"bigboat_compose,omitempty" yaml:"bigboat_compose,omitempty"`

	// SecretFiles holds destination path fragments, relative to the
	// checkout. The content for each fragment is supplied by the caller at
	// install time and never stored in the descriptor.
	SecretFiles []string `json:"secret_files,omitempty" yaml:"secret_files,omitempty"`
}

// Branch returns the tracked branch, defaulting to master.
func (d *Deployment) Branch() string {
	if d.GitBranch == "" {
		return DefaultBranch
	}
	return d.GitBranch
}

// StalenessChecked reports whether the CI build must match the remote tip.
func (d *Deployment) StalenessChecked() bool {
	return d.JenkinsGit == nil || *d.JenkinsGit
}

// ResultAccepted reports whether a CI result string is deployable for this
// deployment.
func (d *Deployment) ResultAccepted(result string) bool {
	states := d.JenkinsStates
	if len(states) == 0 {
		states = []string{DefaultAcceptedState}
	}
	for _, s := range states {
		if s == result {
			return true
		}
	}
	return false
}

// ComposeSyncEnabled reports whether compose files are pushed after install.
func (d *Deployment) ComposeSyncEnabled() bool {
	return d.BigBoatURL != ""
}

// Summary is the list-view projection of a deployment: identity, current
// checkout state and the most recent gate verdict.
type Summary struct {
	Name     string   `json:"name"`
	Revision string   `json:"revision,omitempty"`
	Branch   string   `json:"branch"`
	UpToDate bool     `json:"up_to_date"`
	Verdict  *Verdict `json:"verdict,omitempty"`
}
