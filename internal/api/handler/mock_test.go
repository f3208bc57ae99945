package handler

import (
	"context"

	"github.com/edvin/deploygate/internal/gitrepo"
	"github.com/edvin/deploygate/internal/model"
)

// mockGate implements core.Gate for handler tests.
type mockGate struct {
	verdicts map[string]model.Verdict
}

func (m *mockGate) Evaluate(_ context.Context, d model.Deployment) model.Verdict {
	if v, ok := m.verdicts[d.Name]; ok {
		v.Deployment = d.Name
		return v
	}
	return model.Verdict{Deployment: d.Name, Eligible: true, Reason: model.ReasonOK}
}

// mockInstaller implements core.InstallRunner.
type mockInstaller struct {
	err error
}

func (m *mockInstaller) Install(_ context.Context, d model.Deployment, _ map[string]string) (*model.InstallationResult, error) {
	if m.err != nil {
		return nil, m.err
	}
	result := model.NewInstallationResult(d.Name)
	result.Record(model.StepUpdate, model.StepSuccess, "")
	result.Finish()
	return result, nil
}

// mockSource implements core.SourceControl.
type mockSource struct{}

func (m *mockSource) CurrentRevision(model.Deployment) (gitrepo.Revision, error) {
	return gitrepo.Revision{Hash: "abc123", Branch: "master"}, nil
}

func (m *mockSource) IsStale(context.Context, model.Deployment) (bool, error) {
	return false, nil
}

// mockKeys implements core.KeyReader.
type mockKeys struct {
	ensured []string
}

func (m *mockKeys) PublicKey(name string) (string, error) {
	return "ssh-ed25519 AAAA deploy-" + name, nil
}

func (m *mockKeys) Ensure(d model.Deployment) (string, error) {
	m.ensured = append(m.ensured, d.Name)
	return "ssh-ed25519 BBBB deploy-" + d.Name, nil
}
