package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"iotc-bridge/internal/cache"
	"iotc-bridge/internal/clock"
	"iotc-bridge/internal/config"
	"iotc-bridge/internal/provisioning"
)

// Provisioner runs provisioning for a device on demand
type Provisioner interface {
	GetConnectionString(ctx context.Context, deviceID string) (*provisioning.ConnectionCredential, error)
}

// Server represents the local provisioning status API
type Server struct {
	config      config.StatusAPIConfig
	logger      *logrus.Logger
	router      *mux.Router
	httpServer  *http.Server
	provisioner Provisioner
	cache       *cache.CredentialCache
	clock       clock.Clock
	coolDown    time.Duration

	upgrader      websocket.Upgrader
	watchInterval time.Duration
	done          chan struct{}
	closeOnce     sync.Once
}

// NewServer creates a new API server instance
func NewServer(cfg *config.Config, provisioner Provisioner, credCache *cache.CredentialCache, clk clock.Clock, logger *logrus.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if provisioner == nil {
		return nil, fmt.Errorf("provisioner is required")
	}
	if credCache == nil {
		return nil, fmt.Errorf("credential cache is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if clk == nil {
		clk = clock.Real()
	}

	s := &Server{
		config:      cfg.StatusAPI,
		logger:      logger,
		router:      mux.NewRouter(),
		provisioner: provisioner,
		cache:       credCache,
		clock:       clk,
		coolDown:    cfg.MinRegistrationIntervalDuration(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		watchInterval: 500 * time.Millisecond,
		done:          make(chan struct{}),
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         net.JoinHostPort(s.config.Host, fmt.Sprintf("%d", s.config.Port)),
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s, nil
}

// Handler returns the server's root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled or the listener fails
func (s *Server) Start(ctx context.Context) error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("Starting status API server")

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("Status API server shutting down")
		return s.Shutdown()
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Hijacked watch connections are not tracked by http.Server
	s.closeOnce.Do(func() { close(s.done) })

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.WithError(err).Error("Error during server shutdown")
		return err
	}

	s.logger.Info("Status API server shutdown complete")
	return nil
}

// setupMiddleware configures middleware for the router
func (s *Server) setupMiddleware() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.recoveryMiddleware)
}

// setupRoutes configures API routes
func (s *Server) setupRoutes() {
	// Health endpoint (no auth required)
	s.router.HandleFunc("/health", s.HealthCheck).Methods(http.MethodGet)

	protected := s.router.PathPrefix("/api/v1").Subrouter()
	protected.Use(s.authenticationMiddleware)

	protected.HandleFunc("/devices/{deviceId}/provisioning", s.ProvisioningStatus).Methods(http.MethodGet)
	protected.HandleFunc("/devices/{deviceId}/provisioning/watch", s.WatchProvisioning).Methods(http.MethodGet)
	protected.HandleFunc("/devices/{deviceId}/provision", s.ProvisionDevice).Methods(http.MethodPost)
}
