package model

import (
	"time"

	"github.com/google/uuid"
)

// Step names one stage of the installer pipeline, in execution order.
type Step string

const (
	StepUpdate    Step = "update"
	StepArtifacts Step = "artifacts"
	StepSecrets   Step = "secrets"
	StepScript    Step = "script"
	StepServices  Step = "services"
	StepCompose   Step = "compose"
)

// PipelineSteps is the fixed installer order.
var PipelineSteps = []Step{
	StepUpdate, StepArtifacts, StepSecrets, StepScript, StepServices, StepCompose,
}

// StepStatus is the outcome of a single installer step.
type StepStatus string

const (
	StepSuccess StepStatus = "SUCCESS"
	StepSkipped StepStatus = "SKIPPED"
	StepFailed  StepStatus = "FAILED"
)

// StepResult records one step's outcome. Failures are data, not control
// flow; the installer decides per stage whether to continue.
type StepResult struct {
	Step   Step       `json:"step"`
	Status StepStatus `json:"status"`
	Detail string     `json:"detail,omitempty"`
}

// InstallationResult is the full record of one installer run. It is not
// persisted by the engine; the presentation layer may keep it.
type InstallationResult struct {
	RunID      string       `json:"run_id"`
	Deployment string       `json:"deployment"`
	Verdict    *Verdict     `json:"verdict,omitempty"`
	Steps      []StepResult `json:"steps"`
	Status     StepStatus   `json:"status"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
}

// NewInstallationResult starts the record for a run.
func NewInstallationResult(deployment string) *InstallationResult {
	return &InstallationResult{
		RunID:      uuid.NewString(),
		Deployment: deployment,
		StartedAt:  time.Now().UTC(),
	}
}

// Record appends a step outcome.
func (r *InstallationResult) Record(step Step, status StepStatus, detail string) {
	r.Steps = append(r.Steps, StepResult{Step: step, Status: status, Detail: detail})
}

// Finish stamps the end time and derives the overall status: FAILED when any
// step failed, SUCCESS otherwise. Skipped steps do not fail a run.
func (r *InstallationResult) Finish() {
	r.FinishedAt = time.Now().UTC()
	r.Status = StepSuccess
	for _, s := range r.Steps {
		if s.Status == StepFailed {
			r.Status = StepFailed
			return
		}
	}
}

// Failed reports whether the run failed overall.
func (r *InstallationResult) Failed() bool {
	return r.Status == StepFailed
}

// StepStatusOf returns the recorded status for a step, or "" if the step was
// never recorded.
func (r *InstallationResult) StepStatusOf(step Step) StepStatus {
	for _, s := range r.Steps {
		if s.Step == step {
			return s.Status
		}
	}
	return ""
}
