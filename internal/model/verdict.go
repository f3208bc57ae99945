package model

import "time"

// VerdictReason is the machine-interpretable outcome of a gate evaluation.
// The presentation layer renders messages from these codes; they are part of
// the external contract and must stay stable.
type VerdictReason string

const (
	// ReasonOK: eligible, new work to deploy.
	ReasonOK VerdictReason = "OK"
	// ReasonUpToDate: eligible, but the checkout already matches the
	// remote tip.
	ReasonUpToDate VerdictReason = "UP_TO_DATE"
	// ReasonStale: the accepted CI build does not cover the current remote
	// tip.
	ReasonStale VerdictReason = "STALE"
	// ReasonBuildFailed: the latest completed build result is not accepted.
	ReasonBuildFailed VerdictReason = "BUILD_FAILED"
	// ReasonBuildMissing: no completed build could be found, or the CI
	// server was unreachable.
	ReasonBuildMissing VerdictReason = "BUILD_MISSING"
	// ReasonArtifactsMissing: artifacts were required but the build
	// produced none.
	ReasonArtifactsMissing VerdictReason = "ARTIFACTS_MISSING"
	// ReasonRemoteUnreachable: the staleness check could not reach the
	// remote; treated as not eligible so callers can decide policy.
	ReasonRemoteUnreachable VerdictReason = "REMOTE_UNREACHABLE"
)

// BuildRef identifies the CI build a verdict was based on.
type BuildRef struct {
	Job         string    `json:"job"`
	Number      int       `json:"number"`
	Result      string    `json:"result"`
	Revision    string    `json:"revision,omitempty"`
	URL         string    `json:"url,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// Verdict is the outcome of one gate evaluation. Ephemeral; produced fresh
// per call.
type Verdict struct {
	Deployment  string        `json:"deployment"`
	Eligible    bool          `json:"eligible"`
	Reason      VerdictReason `json:"reason"`
	Detail      string        `json:"detail,omitempty"`
	Build       *BuildRef     `json:"build,omitempty"`
	EvaluatedAt time.Time     `json:"evaluated_at"`
}
