package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/deploygate/internal/core"
	"github.com/edvin/deploygate/internal/descriptor"
	"github.com/edvin/deploygate/internal/installer"
	"github.com/edvin/deploygate/internal/model"
)

func newDeploymentHandler(t *testing.T, gate *mockGate, inst *mockInstaller) (*Deployment, *installer.ProgressHub) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "deployment.json")
	file := `[{"name": "site", "git_path": "/srv/site"}]`
	require.NoError(t, os.WriteFile(path, []byte(file), 0o644))

	store := descriptor.NewStore(path, zerolog.Nop())
	_, err := store.Load()
	require.NoError(t, err)

	svc := core.NewDeploymentService(store, gate, inst, &mockSource{}, &mockKeys{}, zerolog.Nop())
	hub := installer.NewProgressHub()
	return NewDeployment(svc, hub), hub
}

func TestDeploymentGet(t *testing.T) {
	h, _ := newDeploymentHandler(t, &mockGate{}, &mockInstaller{})
	rec := httptest.NewRecorder()
	r := withChiURLParam(newRequest(http.MethodGet, "/deployments/site", nil), "name", "site")

	h.Get(rec, r)

	assert.Equal(t, http.StatusOK, rec.Code)
	var d model.Deployment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	assert.Equal(t, "site", d.Name)
}

func TestDeploymentGet_Unknown(t *testing.T) {
	h, _ := newDeploymentHandler(t, &mockGate{}, &mockInstaller{})
	rec := httptest.NewRecorder()
	r := withChiURLParam(newRequest(http.MethodGet, "/deployments/ghost", nil), "name", "ghost")

	h.Get(rec, r)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	body := decodeErrorResponse(rec)
	assert.Contains(t, body["error"], "ghost")
}

func TestDeploymentGet_InvalidName(t *testing.T) {
	h, _ := newDeploymentHandler(t, &mockGate{}, &mockInstaller{})
	rec := httptest.NewRecorder()
	r := withChiURLParam(newRequest(http.MethodGet, "/deployments/..", nil), "name", "..")

	h.Get(rec, r)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeploymentEvaluate(t *testing.T) {
	gate := &mockGate{verdicts: map[string]model.Verdict{
		"site": {Reason: model.ReasonStale},
	}}
	h, _ := newDeploymentHandler(t, gate, &mockInstaller{})
	rec := httptest.NewRecorder()
	r := withChiURLParam(newRequest(http.MethodGet, "/deployments/site/verdict", nil), "name", "site")

	h.Evaluate(rec, r)

	assert.Equal(t, http.StatusOK, rec.Code)
	var v model.Verdict
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	assert.Equal(t, model.ReasonStale, v.Reason)
	assert.False(t, v.Eligible)
}

func TestDeploymentDeploy_Blocked(t *testing.T) {
	gate := &mockGate{verdicts: map[string]model.Verdict{
		"site": {Reason: model.ReasonBuildFailed},
	}}
	h, _ := newDeploymentHandler(t, gate, &mockInstaller{})
	rec := httptest.NewRecorder()
	r := withChiURLParam(newRequest(http.MethodPost, "/deployments/site/deploy", nil), "name", "site")

	h.Deploy(rec, r)

	assert.Equal(t, http.StatusOK, rec.Code)
	var outcome core.DeployOutcome
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &outcome))
	assert.Equal(t, model.ReasonBuildFailed, outcome.Verdict.Reason)
	assert.Nil(t, outcome.Result)
}

func TestDeploymentDeploy_Eligible(t *testing.T) {
	h, _ := newDeploymentHandler(t, &mockGate{}, &mockInstaller{})
	rec := httptest.NewRecorder()
	r := withChiURLParam(newRequest(http.MethodPost, "/deployments/site/deploy", map[string]any{
		"secrets": map[string]string{"config/db.password": "hunter2"},
	}), "name", "site")

	h.Deploy(rec, r)

	assert.Equal(t, http.StatusOK, rec.Code)
	var outcome core.DeployOutcome
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &outcome))
	require.NotNil(t, outcome.Result)
	assert.Equal(t, model.StepSuccess, outcome.Result.Status)
}

func TestDeploymentDeploy_Busy(t *testing.T) {
	h, _ := newDeploymentHandler(t, &mockGate{}, &mockInstaller{err: installer.ErrDeploymentBusy})
	rec := httptest.NewRecorder()
	r := withChiURLParam(newRequest(http.MethodPost, "/deployments/site/deploy", nil), "name", "site")

	h.Deploy(rec, r)

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDeploymentDeploy_InvalidJSON(t *testing.T) {
	h, _ := newDeploymentHandler(t, &mockGate{}, &mockInstaller{})
	rec := httptest.NewRecorder()
	r := withChiURLParam(newRequestRaw(http.MethodPost, "/deployments/site/deploy", "{bad json"), "name", "site")

	h.Deploy(rec, r)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeErrorResponse(rec)
	assert.Contains(t, body["error"], "invalid JSON")
}

func TestDeploymentInstall_SkipsGate(t *testing.T) {
	gate := &mockGate{verdicts: map[string]model.Verdict{
		"site": {Reason: model.ReasonBuildFailed},
	}}
	h, _ := newDeploymentHandler(t, gate, &mockInstaller{})
	rec := httptest.NewRecorder()
	r := withChiURLParam(newRequest(http.MethodPost, "/deployments/site/install", nil), "name", "site")

	h.Install(rec, r)

	assert.Equal(t, http.StatusOK, rec.Code)
	var result model.InstallationResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, model.StepSuccess, result.Status)
}

func TestDeploymentPublicKey(t *testing.T) {
	h, _ := newDeploymentHandler(t, &mockGate{}, &mockInstaller{})
	rec := httptest.NewRecorder()
	r := withChiURLParam(newRequest(http.MethodGet, "/deployments/site/public-key", nil), "name", "site")

	h.PublicKey(rec, r)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body["public_key"], "ssh-ed25519")
}

func TestDeploymentProvisionKey(t *testing.T) {
	h, _ := newDeploymentHandler(t, &mockGate{}, &mockInstaller{})
	rec := httptest.NewRecorder()
	r := withChiURLParam(newRequest(http.MethodPost, "/deployments/site/deploy-key", nil), "name", "site")

	h.ProvisionKey(rec, r)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body["public_key"], "deploy-site")
}

func TestDeploymentProvisionKey_Unknown(t *testing.T) {
	h, _ := newDeploymentHandler(t, &mockGate{}, &mockInstaller{})
	rec := httptest.NewRecorder()
	r := withChiURLParam(newRequest(http.MethodPost, "/deployments/ghost/deploy-key", nil), "name", "ghost")

	h.ProvisionKey(rec, r)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeploymentStatus_NoRunRecorded(t *testing.T) {
	h, _ := newDeploymentHandler(t, &mockGate{}, &mockInstaller{})
	rec := httptest.NewRecorder()
	r := withChiURLParam(newRequest(http.MethodGet, "/deployments/site/status", nil), "name", "site")

	h.Status(rec, r)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeploymentStatus_ReturnsLatestEvent(t *testing.T) {
	h, hub := newDeploymentHandler(t, &mockGate{}, &mockInstaller{})
	hub.Publish(installer.ProgressEvent{Deployment: "site", State: installer.StateSuccess})

	rec := httptest.NewRecorder()
	r := withChiURLParam(newRequest(http.MethodGet, "/deployments/site/status", nil), "name", "site")

	h.Status(rec, r)

	assert.Equal(t, http.StatusOK, rec.Code)
	var event installer.ProgressEvent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &event))
	assert.Equal(t, installer.StateSuccess, event.State)
}

func TestDeploymentList(t *testing.T) {
	h, _ := newDeploymentHandler(t, &mockGate{}, &mockInstaller{})
	rec := httptest.NewRecorder()

	h.List(rec, newRequest(http.MethodGet, "/deployments", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var summaries []model.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summaries))
	require.Len(t, summaries, 1)
	assert.Equal(t, "site", summaries[0].Name)
	assert.Equal(t, "abc123", summaries[0].Revision)
}
