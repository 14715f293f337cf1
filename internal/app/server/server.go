package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"chatsync/internal/app/registry"
	"chatsync/internal/app/server/handlers"
	"chatsync/internal/config"
	"chatsync/internal/core/services"
	"chatsync/pkg/logging"
	"chatsync/pkg/middleware"
)

type Server struct {
	log        *slog.Logger
	mux        *http.ServeMux
	httpServer *http.Server
	app        string
	tokenSvc   middleware.Authenticator
	wsHandler  *handlers.WSHandler
	msgHandler *handlers.MessageHandler
	hub        *registry.Registry
	checks     map[string]HealthCheck
	gauges     map[string]HealthGauge
}

// HealthCheck probes one backing dependency.
type HealthCheck func(ctx context.Context) error

// HealthGauge reads one number worth watching, such as the unacknowledged
// delivery backlog.
type HealthGauge func(ctx context.Context) (int64, error)

type Option func(*Server)

// WithGauge adds a named gauge to the health report. A gauge that cannot be
// read degrades the report like a failed check.
func WithGauge(name string, g HealthGauge) Option {
	return func(s *Server) {
		s.gauges[name] = g
	}
}

func NewServer(
	log *slog.Logger,
	cfg config.Config,
	tokenSvc middleware.Authenticator,
	guard handlers.RoomDecider,
	msgSvc services.IMessageService,
	hub *registry.Registry,
	checks map[string]HealthCheck,
	opts ...Option,
) *Server {
	s := &Server{
		log:        log,
		mux:        http.NewServeMux(),
		app:        cfg.Service.Name,
		tokenSvc:   tokenSvc,
		wsHandler:  handlers.NewWSHandler(log, hub, cfg.Realtime.AllowedOrigins, cfg.Realtime.SendBuffer),
		msgHandler: handlers.NewMessageHandler(msgSvc, guard),
		hub:        hub,
		checks:     checks,
		gauges:     make(map[string]HealthGauge),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	s.httpServer = &http.Server{
		Addr:              cfg.Service.Add,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// no WriteTimeout: websocket sessions are long lived
		IdleTimeout: 60 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	auth := middleware.AuthMiddleware(s.tokenSvc)

	// public
	s.mux.HandleFunc("GET /healthz", s.health)

	// protected
	s.mux.Handle("GET /ws", auth(http.HandlerFunc(s.wsHandler.Handler)))
	s.mux.Handle("GET /messages", auth(http.HandlerFunc(s.msgHandler.List)))
	s.mux.Handle("POST /messages", auth(http.HandlerFunc(s.msgHandler.Create)))
	s.mux.Handle("PATCH /messages/{id}", auth(http.HandlerFunc(s.msgHandler.Update)))
	s.mux.Handle("DELETE /messages/{id}", auth(http.HandlerFunc(s.msgHandler.Delete)))
}

// Handler returns the mux wrapped in tracing and request logging.
func (s *Server) Handler() http.Handler {
	return middleware.TracerMiddleware(s.app, "/healthz")(middleware.RequestLogger(s.log)(s.mux))
}

type healthReport struct {
	Status   string            `json:"status"`
	Registry *registry.Stats   `json:"registry,omitempty"`
	Checks   map[string]string `json:"checks,omitempty"`
	Gauges   map[string]int64  `json:"gauges,omitempty"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	report := healthReport{Status: "ok", Checks: make(map[string]string, len(s.checks))}
	status := http.StatusOK
	if stats, err := s.hub.Stats(); err != nil {
		report.Status, status = "degraded", http.StatusServiceUnavailable
		report.Checks["registry"] = err.Error()
	} else {
		report.Registry = &stats
	}
	for name, check := range s.checks {
		if err := check(r.Context()); err != nil {
			logging.FromContext(r.Context()).WarnContext(r.Context(), "server - health - check failed", "check", name, "err", err)
			report.Status, status = "degraded", http.StatusServiceUnavailable
			report.Checks[name] = err.Error()
			continue
		}
		report.Checks[name] = "ok"
	}
	if len(s.gauges) > 0 {
		report.Gauges = make(map[string]int64, len(s.gauges))
	}
	for name, gauge := range s.gauges {
		v, err := gauge(r.Context())
		if err != nil {
			logging.FromContext(r.Context()).WarnContext(r.Context(), "server - health - gauge failed", "gauge", name, "err", err)
			report.Status, status = "degraded", http.StatusServiceUnavailable
			report.Checks[name] = err.Error()
			continue
		}
		report.Gauges[name] = v
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(report)
}

// Start blocks serving until Shutdown is called.
func (s *Server) Start() error {
	s.log.Info("server - start - listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests. Hijacked websocket connections are not
// tracked by http.Server; the registry closes those.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
