// Package api wires the HTTP surface: plugin management endpoints, the
// plugin route dispatcher, static assets, realtime events and metrics.
package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/lanternhost/lantern/pkg/httputil"
	"github.com/lanternhost/lantern/pkg/middleware"
	"github.com/lanternhost/lantern/pkg/observability"
	"github.com/lanternhost/lantern/pkg/plugins"
	"github.com/lanternhost/lantern/pkg/realtime"
)

// Server holds the HTTP handlers and their collaborators.
type Server struct {
	manager  *plugins.Manager
	pipeline *plugins.Pipeline
	binder   *plugins.Binder
	hub      *realtime.Hub
	metrics  *observability.Metrics
	logger   *observability.Logger
	tokens   middleware.TokenValidator
}

// NewServer creates the API server.
func NewServer(manager *plugins.Manager, hub *realtime.Hub, metrics *observability.Metrics,
	logger *observability.Logger, tokens middleware.TokenValidator, pluginLog *logrus.Logger) *Server {
	return &Server{
		manager:  manager,
		pipeline: plugins.NewPipeline(manager, pluginLog),
		binder:   plugins.NewBinder(manager.Registry(), metrics, pluginLog),
		hub:      hub,
		metrics:  metrics,
		logger:   logger,
		tokens:   tokens,
	}
}

// Router builds the full routing table with the middleware chain applied.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.Use(mux.MiddlewareFunc(middleware.RequestID))
	r.Use(mux.MiddlewareFunc(middleware.Recovery(s.logger)))
	r.Use(mux.MiddlewareFunc(middleware.Logging(s.logger)))
	r.Use(mux.MiddlewareFunc(middleware.Authenticate(s.tokens)))

	// Management endpoints match before the plugin dispatcher, which makes
	// "/toggle" and "/config" reserved sub-paths inside every plugin's
	// namespace (and "upload" a reserved plugin identifier). A plugin route
	// declared at one of those paths is unreachable.
	r.HandleFunc("/api/plugins", s.handleList).Methods(http.MethodGet)
	r.HandleFunc("/api/plugins/upload", s.requireAdmin(s.handleUpload)).Methods(http.MethodPost)
	r.HandleFunc("/api/plugins/{id}", s.handleGet).Methods(http.MethodGet)
	r.HandleFunc("/api/plugins/{id}", s.requireAdmin(s.handleDelete)).Methods(http.MethodDelete)
	r.HandleFunc("/api/plugins/{id}/toggle", s.requireAdmin(s.handleToggle)).Methods(http.MethodPost)
	r.HandleFunc("/api/plugins/{id}/config", s.requireAdmin(s.handleSetConfig)).Methods(http.MethodPost)
	r.HandleFunc("/api/events", s.handleEvents).Methods(http.MethodGet)

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	// Plugin-declared routes and static assets resolve through the
	// registry at request time.
	s.binder.Mount(r)

	return r
}

// requireAdmin rejects requests without an authenticated admin user.
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := middleware.UserFromContext(r.Context())
		if !ok {
			httputil.WriteError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		if !user.Admin {
			httputil.WriteError(w, http.StatusForbidden, "admin access required")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteSuccess(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"plugins": s.manager.Registry().Count(),
	})
}
