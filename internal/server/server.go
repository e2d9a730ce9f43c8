package server

import (
	"net/http"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/drewdunne/forgesync/internal/config"
	"github.com/drewdunne/forgesync/internal/gitsync"
	"github.com/drewdunne/forgesync/internal/metrics"
	"github.com/drewdunne/forgesync/internal/webhook"
)

// HealthResponse represents the health check response structure.
type HealthResponse struct {
	Status string                 `json:"status"`
	Checks map[string]interface{} `json:"checks"`
}

// Server is the HTTP server for forgesync.
type Server struct {
	cfg          *config.Config
	facade       *gitsync.Facade
	logger       *zap.Logger
	router       *mux.Router
	httpServer   *httpServer
	httpServerMu sync.RWMutex  // protects httpServer pointer
	ready        chan struct{} // closed when server is ready to accept connections
}

// New creates a new Server with the given config.
func New(cfg *config.Config, facade *gitsync.Facade, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:    cfg,
		facade: facade,
		logger: logger,
		router: mux.NewRouter(),
		ready:  make(chan struct{}),
	}
	s.routes()
	return s
}

// Ready returns a channel that is closed when the server is ready to accept connections.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// routes sets up the HTTP routes.
func (s *Server) routes() {
	s.router.Use(s.logRequests)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)

	s.router.Handle("/webhooks/{repositoryID}", webhook.NewHandler(s.facade, s.logger)).Methods(http.MethodPost)

	r := s.router.PathPrefix("/repositories").Subrouter()
	r.HandleFunc("", s.handleConnect).Methods(http.MethodPost)
	r.HandleFunc("", s.handleListRepositories).Methods(http.MethodGet)
	r.HandleFunc("/{id}", s.handleGetRepository).Methods(http.MethodGet)
	r.HandleFunc("/{id}", s.handleDisconnect).Methods(http.MethodDelete)
	r.HandleFunc("/{id}/sync", s.handleSync).Methods(http.MethodPost)
	r.HandleFunc("/{id}/resync", s.handleResync).Methods(http.MethodPost)

	r.HandleFunc("/{id}/branches", s.handleListBranches).Methods(http.MethodGet)
	r.HandleFunc("/{id}/branches", s.handleCreateBranch).Methods(http.MethodPost)
	r.HandleFunc("/{id}/branches/{name:.+}", s.handleDeleteBranch).Methods(http.MethodDelete)
	r.HandleFunc("/{id}/commits", s.handleCommits).Methods(http.MethodGet)
	r.HandleFunc("/{id}/commits/{sha}", s.handleCommit).Methods(http.MethodGet)

	r.HandleFunc("/{id}/merge-requests", s.handleListMergeRequests).Methods(http.MethodGet)
	r.HandleFunc("/{id}/merge-requests", s.handleCreateMergeRequest).Methods(http.MethodPost)
	r.HandleFunc("/{id}/merge-requests/{number:[0-9]+}/merge", s.handleMerge).Methods(http.MethodPost)
	r.HandleFunc("/{id}/merge-requests/{number:[0-9]+}/close", s.handleClose).Methods(http.MethodPost)
	r.HandleFunc("/{id}/merge-requests/{number:[0-9]+}/reopen", s.handleReopen).Methods(http.MethodPost)

	r.HandleFunc("/{id}/webhook", s.handleSetupWebhook).Methods(http.MethodPost)
	r.HandleFunc("/{id}/webhook", s.handleRemoveWebhook).Methods(http.MethodDelete)
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

// handleHealth responds with server health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := map[string]interface{}{
		"providers": s.cfg.Providers.Enabled,
	}

	status := "ok"
	active, err := s.facade.ListRepositories(r.Context(), true)
	if err != nil {
		status = "degraded"
		checks["store"] = err.Error()
	} else {
		checks["store"] = "ok"
		checks["active_repositories"] = len(active)
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status: status,
		Checks: checks,
	})
}

// handleMetrics responds with current operational metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, metrics.Get())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
