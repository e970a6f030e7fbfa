// Package api exposes the modswap HTTP surface: deployment pipeline
// control, broker messaging, topic and subscription CRUD, the schema
// registry, and a websocket event feed.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/freitascorp/modswap/pkg/audit"
	"github.com/freitascorp/modswap/pkg/broker"
	"github.com/freitascorp/modswap/pkg/deploy"
	"github.com/freitascorp/modswap/pkg/observability"
	"github.com/freitascorp/modswap/pkg/schema"
)

// ServerOptions tunes the HTTP listener.
type ServerOptions struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server wires the modswap services behind a gorilla/mux router.
type Server struct {
	broker       *broker.Broker
	orchestrator *deploy.Orchestrator
	tracker      deploy.Tracker
	registry     *schema.Registry
	approval     *schema.ApprovalService
	health       *broker.HealthMonitor
	hub          *EventHub
	metrics      *observability.Metrics
	logger       *slog.Logger
	audit        *audit.Recorder

	httpServer *http.Server
}

// SetAudit attaches an audit recorder. Mutating endpoints record
// control-plane actions through it; a nil recorder disables auditing.
func (s *Server) SetAudit(rec *audit.Recorder) { s.audit = rec }

func NewServer(
	b *broker.Broker,
	orchestrator *deploy.Orchestrator,
	tracker deploy.Tracker,
	registry *schema.Registry,
	approval *schema.ApprovalService,
	health *broker.HealthMonitor,
	hub *EventHub,
	metrics *observability.Metrics,
	logger *slog.Logger,
	opts ServerOptions,
) *Server {
	s := &Server{
		broker:       b,
		orchestrator: orchestrator,
		tracker:      tracker,
		registry:     registry,
		approval:     approval,
		health:       health,
		hub:          hub,
		metrics:      metrics,
		logger:       logger,
	}

	readTimeout := opts.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 15 * time.Second
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 30 * time.Second
	}
	s.httpServer = &http.Server{
		Addr:         opts.Addr,
		Handler:      s.routes(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	// Operational endpoints.
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.handleReadyz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/ws/events", s.hub.ServeWS)

	v1 := r.PathPrefix("/api/v1").Subrouter()

	// Deployments.
	v1.HandleFunc("/deployments", s.handleCreateDeployment).Methods(http.MethodPost)
	v1.HandleFunc("/deployments", s.handleListDeployments).Methods(http.MethodGet)
	v1.HandleFunc("/deployments/{id}", s.handleGetDeployment).Methods(http.MethodGet)
	v1.HandleFunc("/deployments/{id}/approve", s.handleApproveDeployment).Methods(http.MethodPost)
	v1.HandleFunc("/deployments/{id}/reject", s.handleRejectDeployment).Methods(http.MethodPost)
	v1.HandleFunc("/deployments/{id}/rollback", s.handleRollbackDeployment).Methods(http.MethodPost)

	// Messaging.
	v1.HandleFunc("/messages", s.handlePublishMessage).Methods(http.MethodPost)
	v1.HandleFunc("/messages/{id}", s.handleGetMessage).Methods(http.MethodGet)
	v1.HandleFunc("/messages/{id}", s.handleDeleteMessage).Methods(http.MethodDelete)
	v1.HandleFunc("/messages/{id}/ack", s.handleAcknowledgeMessage).Methods(http.MethodPost)
	v1.HandleFunc("/messages/{id}/replay", s.handleReplayMessage).Methods(http.MethodPost)

	// Topics.
	v1.HandleFunc("/topics", s.handleCreateTopic).Methods(http.MethodPost)
	v1.HandleFunc("/topics", s.handleListTopics).Methods(http.MethodGet)
	v1.HandleFunc("/topics/{name}", s.handleGetTopic).Methods(http.MethodGet)
	v1.HandleFunc("/topics/{name}", s.handleUpdateTopic).Methods(http.MethodPut)
	v1.HandleFunc("/topics/{name}", s.handleDeleteTopic).Methods(http.MethodDelete)
	v1.HandleFunc("/topics/{name}/messages", s.handleGetMessagesByTopic).Methods(http.MethodGet)
	v1.HandleFunc("/topics/{name}/subscriptions", s.handleListSubscriptions).Methods(http.MethodGet)

	// Subscriptions.
	v1.HandleFunc("/subscriptions", s.handleSubscribe).Methods(http.MethodPost)
	v1.HandleFunc("/subscriptions/{id}", s.handleGetSubscription).Methods(http.MethodGet)
	v1.HandleFunc("/subscriptions/{id}", s.handleUnsubscribe).Methods(http.MethodDelete)

	// Schemas.
	v1.HandleFunc("/schemas", s.handleRegisterSchema).Methods(http.MethodPost)
	v1.HandleFunc("/schemas", s.handleListSchemas).Methods(http.MethodGet)
	v1.HandleFunc("/schemas/{id}", s.handleGetSchema).Methods(http.MethodGet)
	v1.HandleFunc("/schemas/{id}", s.handleDeleteSchema).Methods(http.MethodDelete)
	v1.HandleFunc("/schemas/{id}/versions", s.handleProposeSchemaVersion).Methods(http.MethodPost)
	v1.HandleFunc("/schemas/{id}/approve", s.handleApproveSchema).Methods(http.MethodPost)
	v1.HandleFunc("/schemas/{id}/reject", s.handleRejectSchema).Methods(http.MethodPost)
	v1.HandleFunc("/schemas/{id}/deprecate", s.handleDeprecateSchema).Methods(http.MethodPost)
	v1.HandleFunc("/schemas/{id}/check", s.handleCheckCompatibility).Methods(http.MethodPost)

	return r
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("api server listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start))
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz reports broker health; an unhealthy broker turns the
// instance away from load balancers.
func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	status := broker.HealthUnknown
	if s.health != nil {
		status = s.health.CurrentHealthStatus()
	}
	code := http.StatusOK
	if status == broker.HealthUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"broker": string(status)})
}
