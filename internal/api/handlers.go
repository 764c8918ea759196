package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tomedesk/tome/internal/backend"
	orcerrors "github.com/tomedesk/tome/internal/errors"
	"github.com/tomedesk/tome/internal/gate"
	"github.com/tomedesk/tome/internal/history"
	"github.com/tomedesk/tome/internal/supervisor"
)

const requestTimeout = 30 * time.Second

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, err error) {
	var denied *gate.DeniedError
	if errors.As(err, &denied) {
		writeJSON(w, http.StatusForbidden, errorResponse{Error: denied.Error(), Kind: string(orcerrors.KindAuthorization)})
		return
	}
	kind := orcerrors.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case orcerrors.KindValidation:
		status = http.StatusBadRequest
	case orcerrors.KindAuthorization:
		status = http.StatusForbidden
	case orcerrors.KindTimeout:
		status = http.StatusGatewayTimeout
	case orcerrors.KindConnectivity, orcerrors.KindProtocol:
		status = http.StatusBadGateway
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Kind: string(kind)})
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg, Kind: string(orcerrors.KindValidation)})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		writeBadRequest(w, "invalid request body")
		return false
	}
	return true
}

func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": rt.version})
}

func (rt *Router) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": rt.version})
}

func (rt *Router) handleServicesStatus(w http.ResponseWriter, r *http.Request) {
	statuses := make([]supervisor.StatusInfo, 0, len(rt.serviceOrder)+1)
	for _, name := range rt.serviceOrder {
		sup := rt.supervisors[name]
		info := sup.Status()
		// A sidecar that outlived its boot poll budget stays "starting"
		// until something re-probes it. Status requests are that something.
		if info.Status == supervisor.StatusStarting || info.Status == supervisor.StatusUnhealthy {
			ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
			sup.CheckNow(ctx)
			cancel()
			info = sup.Status()
		}
		statuses = append(statuses, info)
	}
	if rt.probe != nil {
		statuses = append(statuses, rt.probe.Status())
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"services": statuses})
}

func (rt *Router) handleServiceRestart(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	sup, ok := rt.supervisors[name]
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown service: " + name, Kind: string(orcerrors.KindValidation)})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	healthy := sup.Restart(ctx)
	writeJSON(w, http.StatusOK, map[string]interface{}{"restarted": true, "healthy": healthy, "service": sup.Status()})
}

func (rt *Router) handleModels(w http.ResponseWriter, r *http.Request) {
	if rt.probe == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"models": []string{}, "available": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"models":    rt.probe.Models(),
		"available": rt.probe.Healthy(),
	})
}

type chatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"sessionId,omitempty"`
}

func (rt *Router) handleChatSend(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeBadRequest(w, "message is required")
		return
	}
	sessionID, err := rt.relay.Send(req.Message, req.SessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"sessionId": sessionID})
}

func (rt *Router) handleChatAbort(w http.ResponseWriter, r *http.Request) {
	rt.relay.Abort()
	writeJSON(w, http.StatusOK, map[string]bool{"aborted": true})
}

func (rt *Router) handleSessionsList(w http.ResponseWriter, r *http.Request) {
	sessions, err := rt.history.ListSessions()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

func (rt *Router) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	session, messages, err := rt.history.GetSession(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, history.ErrSessionNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "session not found"})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"session": session, "messages": messages})
}

func (rt *Router) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	if err := rt.history.DeleteSession(r.PathValue("id")); err != nil {
		if errors.Is(err, history.ErrSessionNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "session not found"})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (rt *Router) handleSessionExport(w http.ResponseWriter, r *http.Request) {
	if err := rt.featureGate.Require(gate.FeatureExportChats); err != nil {
		writeError(w, err)
		return
	}
	session, messages, err := rt.history.GetSession(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, history.ErrSessionNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "session not found"})
			return
		}
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Disposition", "attachment; filename=\"chat-"+session.ID+".json\"")
	writeJSON(w, http.StatusOK, map[string]interface{}{"session": session, "messages": messages})
}

func (rt *Router) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req backend.SearchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeBadRequest(w, "query is required")
		return
	}
	if req.Limit > 20 {
		if err := rt.featureGate.Require(gate.FeatureAdvancedSearch); err != nil {
			writeError(w, err)
			return
		}
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	resp, err := rt.backend.Search(ctx, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (rt *Router) handleDocumentsList(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	docs, err := rt.backend.ListDocuments(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"documents": docs})
}

func (rt *Router) handleDocumentDelete(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	if err := rt.backend.DeleteDocument(ctx, r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

type activateRequest struct {
	Key string `json:"key"`
}

func (rt *Router) handleLicenseActivate(w http.ResponseWriter, r *http.Request) {
	var req activateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Key) == "" {
		writeBadRequest(w, "key is required")
		return
	}
	result := rt.licenseSvc.Activate(req.Key)
	if !result.Valid {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"valid": false,
			"error": result.Error,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"valid": true, "tier": result.Tier})
}

func (rt *Router) handleLicenseDeactivate(w http.ResponseWriter, r *http.Request) {
	if err := rt.licenseSvc.Deactivate(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deactivated": true})
}

func (rt *Router) handleLicenseStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rt.licenseSvc.Status())
}

func (rt *Router) handleFeatureTier(w http.ResponseWriter, r *http.Request) {
	tier := rt.featureGate.Tier()
	writeJSON(w, http.StatusOK, map[string]string{
		"tier":        string(tier),
		"displayName": tier.DisplayName(),
	})
}

func (rt *Router) handleFeatureCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rt.featureGate.Check(r.PathValue("name")))
}

func (rt *Router) handleUpdateCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	info, err := rt.updater.CheckForUpdate(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (rt *Router) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rt.updater.Status())
}
