package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/edvin/deploygate/internal/model"
)

var (
	gateVerdictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deploygate_gate_verdicts_total",
			Help: "Gate evaluations by deployment and verdict reason",
		},
		[]string{"deployment", "reason"},
	)

	installsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deploygate_installs_total",
			Help: "Installer runs by deployment and overall status",
		},
		[]string{"deployment", "status"},
	)

	installStepFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deploygate_install_step_failures_total",
			Help: "Failed installer steps by deployment and step",
		},
		[]string{"deployment", "step"},
	)

	installDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deploygate_install_duration_seconds",
			Help:    "Installer run duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
		[]string{"deployment"},
	)
)

// ObserveVerdict records a gate evaluation outcome.
func ObserveVerdict(v model.Verdict) {
	gateVerdictsTotal.WithLabelValues(v.Deployment, string(v.Reason)).Inc()
}

// ObserveInstall records a finished installer run.
func ObserveInstall(r *model.InstallationResult) {
	installsTotal.WithLabelValues(r.Deployment, string(r.Status)).Inc()
	installDuration.WithLabelValues(r.Deployment).Observe(r.FinishedAt.Sub(r.StartedAt).Seconds())
	for _, s := range r.Steps {
		if s.Status == model.StepFailed {
			installStepFailuresTotal.WithLabelValues(r.Deployment, string(s.Step)).Inc()
		}
	}
}
