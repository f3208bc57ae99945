package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/edvin/deploygate/internal/api/request"
	"github.com/edvin/deploygate/internal/api/response"
	"github.com/edvin/deploygate/internal/core"
	"github.com/edvin/deploygate/internal/installer"
)

type Deployment struct {
	svc      *core.DeploymentService
	progress *installer.ProgressHub
}

func NewDeployment(svc *core.DeploymentService, progress *installer.ProgressHub) *Deployment {
	return &Deployment{svc: svc, progress: progress}
}

func (h *Deployment) List(w http.ResponseWriter, r *http.Request) {
	summaries, err := h.svc.List(r.Context())
	if err != nil {
		response.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	response.WriteJSON(w, http.StatusOK, summaries)
}

func (h *Deployment) Get(w http.ResponseWriter, r *http.Request) {
	name, err := request.RequireName(chi.URLParam(r, "name"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	d, err := h.svc.Get(name)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	response.WriteJSON(w, http.StatusOK, d)
}

func (h *Deployment) Evaluate(w http.ResponseWriter, r *http.Request) {
	name, err := request.RequireName(chi.URLParam(r, "name"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	verdict, err := h.svc.Evaluate(r.Context(), name)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	response.WriteJSON(w, http.StatusOK, verdict)
}

// Deploy runs the gate and, when eligible, the installation pipeline. An
// ineligible verdict is a 200 carrying the verdict; the caller inspects it.
func (h *Deployment) Deploy(w http.ResponseWriter, r *http.Request) {
	name, req, ok := h.installRequest(w, r)
	if !ok {
		return
	}
	clearWriteDeadline(w)

	outcome, err := h.svc.Deploy(r.Context(), name, req.Secrets)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	response.WriteJSON(w, http.StatusOK, outcome)
}

// Install runs the pipeline unconditionally, skipping the gate.
func (h *Deployment) Install(w http.ResponseWriter, r *http.Request) {
	name, req, ok := h.installRequest(w, r)
	if !ok {
		return
	}
	clearWriteDeadline(w)

	result, err := h.svc.Install(r.Context(), name, req.Secrets)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	response.WriteJSON(w, http.StatusOK, result)
}

func (h *Deployment) installRequest(w http.ResponseWriter, r *http.Request) (string, request.Deploy, bool) {
	name, err := request.RequireName(chi.URLParam(r, "name"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return "", request.Deploy{}, false
	}

	var req request.Deploy
	if r.ContentLength != 0 {
		if err := request.Decode(r, &req); err != nil {
			response.WriteError(w, http.StatusBadRequest, err.Error())
			return "", request.Deploy{}, false
		}
	}
	return name, req, true
}

// clearWriteDeadline lifts the server's write timeout for one response. An
// installation runs synchronously and can take far longer than the timeout
// suited to the other endpoints. The error is ignored; a plain
// ResponseWriter without deadline support just keeps its limit.
func clearWriteDeadline(w http.ResponseWriter) {
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})
}

func (h *Deployment) PublicKey(w http.ResponseWriter, r *http.Request) {
	name, err := request.RequireName(chi.URLParam(r, "name"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	key, err := h.svc.PublicKey(name)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	response.WriteJSON(w, http.StatusOK, map[string]string{"name": name, "public_key": key})
}

// ProvisionKey applies the deployment's deploy-key policy and returns the
// resulting public key for registration on the git server.
func (h *Deployment) ProvisionKey(w http.ResponseWriter, r *http.Request) {
	name, err := request.RequireName(chi.URLParam(r, "name"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	key, err := h.svc.ProvisionKey(name)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	response.WriteJSON(w, http.StatusOK, map[string]string{"name": name, "public_key": key})
}

// Status returns the most recent installer event for a deployment.
func (h *Deployment) Status(w http.ResponseWriter, r *http.Request) {
	name, err := request.RequireName(chi.URLParam(r, "name"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := h.svc.Get(name); err != nil {
		writeServiceError(w, err)
		return
	}

	event, ok := h.progress.Latest(name)
	if !ok {
		response.WriteError(w, http.StatusNotFound, "no installation recorded for "+name)
		return
	}
	response.WriteJSON(w, http.StatusOK, event)
}

// Progress upgrades to WebSocket and streams installer events until a
// terminal state or client disconnect. The latest known event is replayed
// first so late subscribers see where the run stands.
func (h *Deployment) Progress(w http.ResponseWriter, r *http.Request) {
	name, err := request.RequireName(chi.URLParam(r, "name"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := h.svc.Get(name); err != nil {
		writeServiceError(w, err)
		return
	}

	events, cancel := h.progress.Subscribe(name)
	defer cancel()

	// The stream lives as long as the installation runs; the server's
	// request deadlines must not cut it off.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})
	_ = rc.SetReadDeadline(time.Time{})

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // Origin differs from Host behind a reverse proxy.
	})
	if err != nil {
		log.Ctx(r.Context()).Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer ws.CloseNow()

	ctx := r.Context()
	if latest, ok := h.progress.Latest(name); ok {
		if err := writeEvent(ctx, ws, latest); err != nil {
			return
		}
		if latest.Terminal() {
			ws.Close(websocket.StatusNormalClosure, "")
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-events:
			if err := writeEvent(ctx, ws, event); err != nil {
				return
			}
			if event.Terminal() {
				ws.Close(websocket.StatusNormalClosure, "")
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, ws *websocket.Conn, event installer.ProgressEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}

// Reload re-reads the descriptor file and reports any rejected entries.
func (h *Deployment) Reload(w http.ResponseWriter, _ *http.Request) {
	rejected, err := h.svc.Reload()
	if err != nil {
		response.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	messages := make([]string, 0, len(rejected))
	for _, v := range rejected {
		messages = append(messages, v.Error())
	}
	response.WriteJSON(w, http.StatusOK, map[string]any{
		"deployments": h.svc.Names(),
		"rejected":    messages,
	})
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrNotFound):
		response.WriteError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, installer.ErrDeploymentBusy):
		response.WriteError(w, http.StatusConflict, err.Error())
	default:
		response.WriteError(w, http.StatusInternalServerError, err.Error())
	}
}
