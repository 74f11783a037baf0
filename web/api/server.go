// Package api is the Control API: task and source management over REST,
// live task streams over SSE and websocket, the GitHub webhook receiver,
// metrics and health endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hochfrequenz/issue-orchestrator/internal/coordinator"
	"github.com/hochfrequenz/issue-orchestrator/internal/domain"
	"github.com/hochfrequenz/issue-orchestrator/internal/logging"
	"github.com/hochfrequenz/issue-orchestrator/internal/poller"
	"github.com/hochfrequenz/issue-orchestrator/internal/taskstore"
)

// WebhookConfig configures the GitHub webhook receiver. An empty secret
// disables the endpoint.
type WebhookConfig struct {
	Secret       string
	TriggerLabel string
	// Limit and Burst bound deliveries per client IP
	Limit rate.Limit
	Burst int
}

// Server is the HTTP API server
type Server struct {
	coord     *coordinator.Coordinator
	scheduler *poller.Scheduler
	repo      *taskstore.Repository
	metrics   http.Handler
	webhook   WebhookConfig
	logger    *logging.Logger
	addr      string
	mux       *http.ServeMux
	upgrader  websocket.Upgrader
	heartbeat time.Duration

	limitersMu  sync.Mutex
	limiters    map[string]*rate.Limiter
	lastCleanup time.Time

	// base outlives requests; the scheduler runs on it
	base context.Context
}

// Option configures a Server
type Option func(*Server)

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetrics serves h on /metrics
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithWebhook enables /webhooks/github
func WithWebhook(cfg WebhookConfig) Option {
	return func(s *Server) { s.webhook = cfg }
}

// WithHeartbeat sets the keep-alive interval of event streams
func WithHeartbeat(d time.Duration) Option {
	return func(s *Server) { s.heartbeat = d }
}

// NewServer creates a new API server
func NewServer(coord *coordinator.Coordinator, scheduler *poller.Scheduler, repo *taskstore.Repository, addr string, opts ...Option) *Server {
	s := &Server{
		coord:     coord,
		scheduler: scheduler,
		repo:      repo,
		logger:    logging.Nop(),
		addr:      addr,
		mux:       http.NewServeMux(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		heartbeat: 15 * time.Second,
		limiters:  make(map[string]*rate.Limiter),
		base:      context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.webhook.Limit == 0 {
		s.webhook.Limit = rate.Limit(1)
	}
	if s.webhook.Burst == 0 {
		s.webhook.Burst = 10
	}
	s.logger = s.logger.Named("api")
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("GET /healthz", s.healthHandler())
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics)
	}

	s.mux.HandleFunc("GET /api/tasks", s.listTasksHandler())
	s.mux.HandleFunc("POST /api/tasks", s.createTaskHandler())
	s.mux.HandleFunc("GET /api/tasks/{id}", s.getTaskHandler())
	s.mux.HandleFunc("DELETE /api/tasks/{id}", s.deleteTaskHandler())
	s.mux.HandleFunc("POST /api/tasks/{id}/cancel", s.cancelTaskHandler())
	s.mux.HandleFunc("POST /api/tasks/{id}/retry", s.retryTaskHandler())
	s.mux.HandleFunc("GET /api/tasks/{id}/iterations", s.iterationsHandler())
	s.mux.HandleFunc("GET /api/tasks/{id}/artifact", s.artifactHandler())
	s.mux.HandleFunc("GET /api/tasks/{id}/events", s.sseHandler())
	s.mux.HandleFunc("GET /ws/tasks/{id}", s.websocketHandler())
	s.mux.HandleFunc("GET /api/stats", s.statsHandler())

	s.mux.HandleFunc("GET /api/sources", s.listSourcesHandler())
	s.mux.HandleFunc("POST /api/sources", s.addSourceHandler())
	s.mux.HandleFunc("GET /api/sources/{owner}/{repo}", s.getSourceHandler())
	s.mux.HandleFunc("DELETE /api/sources/{owner}/{repo}", s.removeSourceHandler())
	s.mux.HandleFunc("POST /api/sources/{owner}/{repo}/poll", s.pollSourceHandler())

	s.mux.HandleFunc("GET /api/scheduler", s.schedulerStatusHandler())
	s.mux.HandleFunc("POST /api/scheduler/start", s.schedulerStartHandler())
	s.mux.HandleFunc("POST /api/scheduler/stop", s.schedulerStopHandler())

	if s.webhook.Secret != "" {
		s.mux.HandleFunc("POST /webhooks/github", s.webhookHandler())
	}
}

// Handler returns the root handler with request ids attached
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		s.mux.ServeHTTP(w, r.WithContext(logging.WithRequestID(r.Context(), id)))
	})
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	s.base = context.WithoutCancel(ctx)
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info(ctx, "control API listening", zap.String("addr", s.addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info(ctx, "control API stopped")
	return nil
}

func (s *Server) healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// A failing store read means the process cannot make progress.
		if _, err := s.repo.ListSources(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeJSON(w, map[string]string{"status": "healthy"})
	}
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	writeJSONStatus(w, http.StatusOK, data)
}

func writeJSONStatus(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSONStatus(w, code, ErrorResponse{Error: message})
}

// writeErr maps domain and store errors onto status codes
func (s *Server) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, taskstore.ErrNotFound):
		code = http.StatusNotFound
	case domain.IsInput(err):
		code = http.StatusBadRequest
		writeError(w, code, domain.Detail(err))
		return
	case errors.Is(err, coordinator.ErrNotTerminal),
		errors.Is(err, taskstore.ErrExists),
		errors.Is(err, poller.ErrRunning),
		errors.Is(err, poller.ErrPollInFlight):
		code = http.StatusConflict
	case errors.Is(err, taskstore.ErrUnavailable):
		code = http.StatusServiceUnavailable
	case domain.IsTransient(err):
		code = http.StatusBadGateway
	}
	if code >= 500 {
		s.logger.Error(r.Context(), "request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeError(w, code, err.Error())
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
