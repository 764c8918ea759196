// Package api serves the request/response boundary between the desktop
// shell UI and the orchestration core.
package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomedesk/tome/internal/backend"
	"github.com/tomedesk/tome/internal/gate"
	"github.com/tomedesk/tome/internal/history"
	"github.com/tomedesk/tome/internal/license"
	"github.com/tomedesk/tome/internal/relay"
	"github.com/tomedesk/tome/internal/supervisor"
	"github.com/tomedesk/tome/internal/updates"
	"github.com/tomedesk/tome/internal/websocket"
)

// Router wires the HTTP boundary to the orchestration services.
type Router struct {
	mux *http.ServeMux

	supervisors  map[string]*supervisor.Supervisor
	serviceOrder []string
	probe        *supervisor.HealthProbe
	relay        *relay.Relay
	licenseSvc   *license.Service
	featureGate  *gate.Gate
	backend      *backend.Client
	history      *history.Store
	updater      *updates.Manager
	hub          *websocket.Hub
	version      string
}

// Deps carries the constructed services injected into the router.
type Deps struct {
	Supervisors []*supervisor.Supervisor
	Probe       *supervisor.HealthProbe
	Relay       *relay.Relay
	License     *license.Service
	Gate        *gate.Gate
	Backend     *backend.Client
	History     *history.Store
	Updater     *updates.Manager
	Hub         *websocket.Hub
	Version     string
}

// NewRouter creates the boundary router.
func NewRouter(deps Deps) *Router {
	r := &Router{
		mux:         http.NewServeMux(),
		supervisors: make(map[string]*supervisor.Supervisor),
		probe:       deps.Probe,
		relay:       deps.Relay,
		licenseSvc:  deps.License,
		featureGate: deps.Gate,
		backend:     deps.Backend,
		history:     deps.History,
		updater:     deps.Updater,
		hub:         deps.Hub,
		version:     deps.Version,
	}
	for _, s := range deps.Supervisors {
		r.supervisors[s.Name()] = s
		r.serviceOrder = append(r.serviceOrder, s.Name())
	}
	r.setupRoutes()
	return r
}

func (r *Router) setupRoutes() {
	r.mux.HandleFunc("GET /api/health", r.handleHealth)
	r.mux.HandleFunc("GET /api/version", r.handleVersion)

	r.mux.HandleFunc("GET /api/services/status", r.handleServicesStatus)
	r.mux.HandleFunc("POST /api/services/{name}/restart", r.handleServiceRestart)
	r.mux.HandleFunc("GET /api/models", r.handleModels)

	r.mux.HandleFunc("POST /api/chat", r.handleChatSend)
	r.mux.HandleFunc("POST /api/chat/abort", r.handleChatAbort)

	r.mux.HandleFunc("GET /api/sessions", r.handleSessionsList)
	r.mux.HandleFunc("GET /api/sessions/{id}", r.handleSessionGet)
	r.mux.HandleFunc("DELETE /api/sessions/{id}", r.handleSessionDelete)
	r.mux.HandleFunc("GET /api/sessions/{id}/export", r.handleSessionExport)

	r.mux.HandleFunc("POST /api/search", r.handleSearch)
	r.mux.HandleFunc("GET /api/documents", r.handleDocumentsList)
	r.mux.HandleFunc("DELETE /api/documents/{id}", r.handleDocumentDelete)

	r.mux.HandleFunc("POST /api/license/activate", r.handleLicenseActivate)
	r.mux.HandleFunc("POST /api/license/deactivate", r.handleLicenseDeactivate)
	r.mux.HandleFunc("GET /api/license/status", r.handleLicenseStatus)

	r.mux.HandleFunc("GET /api/features/tier", r.handleFeatureTier)
	r.mux.HandleFunc("GET /api/features/{name}", r.handleFeatureCheck)

	r.mux.HandleFunc("GET /api/updates/check", r.handleUpdateCheck)
	r.mux.HandleFunc("GET /api/updates/status", r.handleUpdateStatus)

	if r.hub != nil {
		r.mux.HandleFunc("GET /ws", r.hub.HandleWebSocket)
	}
	r.mux.Handle("GET /metrics", promhttp.Handler())
}

// Handler returns the root handler.
func (r *Router) Handler() http.Handler {
	return r.mux
}
