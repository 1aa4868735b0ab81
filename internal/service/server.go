// Package service exposes the credential derivation flow over HTTP.
package service

import (
	"net/http"
	"sync/atomic"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/arcstor/console-access-engine/internal/config"
	"github.com/arcstor/console-access-engine/internal/fingerprint"
	"github.com/arcstor/console-access-engine/internal/middleware"
	"github.com/arcstor/console-access-engine/internal/session"
)

// Server routes credential, fingerprint and session requests to the
// session manager and the fingerprint store.
type Server struct {
	config       *config.Config
	manager      *session.Manager
	prints       fingerprint.RecordStore
	router       *mux.Router
	logger       *logrus.Entry
	shuttingDown int32 // atomic flag for shutdown state
}

// NewServer wires the HTTP surface. prints may be nil when the
// fingerprint store is disabled; its routes then return 503.
func NewServer(cfg *config.Config, manager *session.Manager, prints fingerprint.RecordStore) *Server {
	s := &Server{
		config:  cfg,
		manager: manager,
		prints:  prints,
		router:  mux.NewRouter(),
		logger:  logrus.WithField("module", "service"),
	}
	s.setupRoutes()
	return s
}

// ServeHTTP handles incoming requests with security headers applied
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.setSecurityHeaders(w)
	s.router.ServeHTTP(w, r)
}

func (s *Server) setSecurityHeaders(w http.ResponseWriter) {
	// Prevent MIME type sniffing
	w.Header().Set("X-Content-Type-Options", "nosniff")

	// Prevent clickjacking attacks
	w.Header().Set("X-Frame-Options", "DENY")

	// Responses carry credentials; they must never land in a shared cache
	w.Header().Set("Cache-Control", "no-store")
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.healthCheck).Methods("GET", "HEAD")
	s.router.HandleFunc("/ready", s.readinessCheck).Methods("GET", "HEAD")

	if s.config.Monitoring.MetricsEnabled {
		s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	}

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.RequestIDMiddleware())
	if s.config.Sentry.Enabled {
		api.Use(middleware.SentryMiddleware(false))
		api.Use(middleware.SentryRecoveryMiddleware())
	}

	api.HandleFunc("/credentials", s.openCredentials).Methods("POST")
	api.HandleFunc("/credentials/confirm", s.confirmMismatch).Methods("POST")
	api.HandleFunc("/session", s.sessionState).Methods("GET")
	api.HandleFunc("/session", s.closeSession).Methods("DELETE")
	api.HandleFunc("/fingerprint", s.checkFingerprint).Methods("POST")
	api.HandleFunc("/fingerprint/flags/dismiss", s.dismissFlag).Methods("POST")
}

func (s *Server) healthCheck(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if s.IsShuttingDown() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"shutting-down","ready":false}`))
	} else {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy","ready":true}`))
	}
}

// readinessCheck indicates if the server is ready to accept requests
func (s *Server) readinessCheck(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if s.IsShuttingDown() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"ready":false,"status":"shutting-down"}`))
	} else {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ready":true,"status":"active"}`))
	}
}

// SetShuttingDown marks the server as shutting down
func (s *Server) SetShuttingDown() {
	atomic.StoreInt32(&s.shuttingDown, 1)
	s.logger.Info("Server marked as shutting down - health checks will return 503")
}

// IsShuttingDown returns true if the server is shutting down
func (s *Server) IsShuttingDown() bool {
	return atomic.LoadInt32(&s.shuttingDown) == 1
}
