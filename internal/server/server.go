package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"droidfleet.sh/internal/archive"
	"droidfleet.sh/internal/config"
	"droidfleet.sh/internal/dferrors"
	"droidfleet.sh/internal/discovery"
	"droidfleet.sh/internal/dispatch"
	"droidfleet.sh/internal/events"
	"droidfleet.sh/internal/executor"
	"droidfleet.sh/internal/middleware"
	"droidfleet.sh/internal/models"
	"droidfleet.sh/internal/queue"
	"droidfleet.sh/internal/schedule"
	"droidfleet.sh/internal/session"
	"droidfleet.sh/internal/store"
)

// Deps are the owned components the server fronts.
type Deps struct {
	Store      *store.Store
	Registry   *session.Registry
	Dispatcher *dispatch.Dispatcher
	Executor   *executor.Executor
	Queue      *queue.Orchestrator
	Schedules  *schedule.Manager
	Hub        *events.Hub
	// Discovery is optional; the scan endpoint reports 503 without it.
	Discovery *discovery.Browser
	// Bundler compresses report bundles. Defaults to zstd.
	Bundler archive.Compressor
}

// Server is the HTTP shell over the orchestration core.
type Server struct {
	cfg    *config.ServerConfig
	deps   Deps
	logger *slog.Logger

	limiter *middleware.RateLimiter
	http    *http.Server
}

// New assembles the router and middleware chain.
func New(cfg *config.ServerConfig, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Bundler == nil {
		deps.Bundler = archive.NewZstdCompressor(3)
	}
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With("component", "server"),
	}

	s.limiter = middleware.NewRateLimiter(middleware.RateLimiterConfig{
		Rate:  cfg.RateLimitPerSecond,
		Burst: cfg.RateLimitBurst,
	})

	r := mux.NewRouter()
	s.registerRoutes(r)

	corsOpts := cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "X-Socket-ID", "X-User-Name", "X-Request-ID"},
		AllowCredentials: true,
	}
	if len(cfg.CORSOrigins) == 0 {
		corsOpts.AllowedOrigins = []string{"*"}
		corsOpts.AllowCredentials = false
	}

	var handler http.Handler = r
	handler = s.limiter.Middleware(handler)
	handler = cors.New(corsOpts).Handler(handler)
	handler = middleware.SecurityHeaders(handler)
	handler = middleware.RequestLogging(logger)(handler)
	handler = middleware.RequestID(handler)
	handler = middleware.Recovery(logger)(handler)

	s.http = &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     handler,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
		// No write timeout: parallel runs, bundles and websockets all
		// outlive any sane fixed deadline.
	}
	return s
}

func (s *Server) registerRoutes(r *mux.Router) {
	api := r.PathPrefix("/api").Subrouter()

	// Queue
	api.HandleFunc("/test/submit", s.handleTestSubmit).Methods(http.MethodPost)
	api.HandleFunc("/test/cancel/{queueId}", s.handleTestCancel).Methods(http.MethodPost)
	api.HandleFunc("/test/queue/status", s.handleQueueStatus).Methods(http.MethodGet)
	api.HandleFunc("/test/status", s.handleTestStatus).Methods(http.MethodGet)
	api.HandleFunc("/test/plan", s.handleTestPlan).Methods(http.MethodPost)

	// Sessions
	api.HandleFunc("/session/create", s.handleSessionCreate).Methods(http.MethodPost)
	api.HandleFunc("/session/destroy", s.handleSessionDestroy).Methods(http.MethodPost)
	api.HandleFunc("/session/list", s.handleSessionList).Methods(http.MethodGet)
	api.HandleFunc("/session/execute-parallel", s.handleExecuteParallel).Methods(http.MethodPost)
	api.HandleFunc("/session/stop-parallel", s.handleStopParallel).Methods(http.MethodPost)

	// Schedules
	api.HandleFunc("/schedules", s.handleScheduleList).Methods(http.MethodGet)
	api.HandleFunc("/schedules", s.handleScheduleCreate).Methods(http.MethodPost)
	api.HandleFunc("/schedules/{id}", s.handleScheduleGet).Methods(http.MethodGet)
	api.HandleFunc("/schedules/{id}", s.handleScheduleUpdate).Methods(http.MethodPut)
	api.HandleFunc("/schedules/{id}", s.handleScheduleDelete).Methods(http.MethodDelete)
	api.HandleFunc("/schedules/{id}/enable", s.handleScheduleEnable).Methods(http.MethodPost)
	api.HandleFunc("/schedules/{id}/history", s.handleScheduleHistory).Methods(http.MethodGet)

	// Devices
	api.HandleFunc("/devices", s.handleDeviceList).Methods(http.MethodGet)
	api.HandleFunc("/devices/scan", s.handleDeviceScan).Methods(http.MethodPost)
	api.HandleFunc("/devices/{id}", s.handleDeviceUpdate).Methods(http.MethodPut)
	api.HandleFunc("/devices/{id}", s.handleDeviceDelete).Methods(http.MethodDelete)

	// Reports
	api.HandleFunc("/reports/parallel", s.handleReportList).Methods(http.MethodGet)
	api.HandleFunc("/reports/parallel/{id}", s.handleReportGet).Methods(http.MethodGet)
	api.HandleFunc("/reports/parallel/{id}/bundle", s.handleReportBundle).Methods(http.MethodGet)
	api.HandleFunc("/reports/tests/{id}", s.handleTestReportGet).Methods(http.MethodGet)

	// Events
	r.HandleFunc("/ws", s.deps.Hub.HandleWS)

	// Operational
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/health/live", s.handleHealthLive).Methods(http.MethodGet)
	r.HandleFunc("/health/ready", s.handleHealthReady).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("api server listening", "addr", s.cfg.ListenAddr)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and stops the limiter.
func (s *Server) Shutdown(ctx context.Context) error {
	s.limiter.Stop()
	return s.http.Shutdown(ctx)
}

// Handler exposes the full middleware chain. Used by tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

// respondError maps domain errors onto HTTP statuses.
func (s *Server) respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case dferrors.Is(err, dferrors.ErrValidation):
		status = http.StatusBadRequest
	case dferrors.Is(err, dferrors.ErrNotFound), dferrors.Is(err, dferrors.ErrSessionNotFound):
		status = http.StatusNotFound
	case dferrors.Is(err, dferrors.ErrOwnerMismatch):
		status = http.StatusForbidden
	case dferrors.Is(err, dferrors.ErrDeviceBusy):
		status = http.StatusConflict
	case dferrors.Is(err, dferrors.ErrNoValidDevices), dferrors.Is(err, dferrors.ErrSessionCreation), dferrors.Is(err, dferrors.ErrDriverUnavailable):
		status = http.StatusBadGateway
	}
	var invalidReq models.ErrInvalidRequest
	var invalidDev models.ErrInvalidDevice
	if dferrors.As(err, &invalidReq) || dferrors.As(err, &invalidDev) {
		status = http.StatusBadRequest
	}
	s.respondJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return dferrors.Wrapf(dferrors.ErrValidation, "invalid request body: %v", err)
	}
	return nil
}
