// Package server assembles the S3 API HTTP server: routing, middleware,
// handler wiring and lifecycle.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/lamina-storage/lamina/internal/auth"
	buckets "github.com/lamina-storage/lamina/internal/bucket"
	"github.com/lamina-storage/lamina/internal/config"
	"github.com/lamina-storage/lamina/internal/monitoring"
	objects "github.com/lamina-storage/lamina/internal/object"
	"github.com/lamina-storage/lamina/internal/server/response"
	"github.com/lamina-storage/lamina/internal/storage"
	"github.com/lamina-storage/lamina/internal/storage/cache"
)

// Server is the S3 API server.
type Server struct {
	httpServer *http.Server
	cfg        *config.Config
	backend    storage.Backend
	objects    *objects.Service
	registry   *buckets.Registry
	auth       *auth.Authenticator
	xml        *response.XMLWriter
	errors     *response.ErrorWriter
	logger     *logrus.Entry
	version    string
}

// NewServer wires the service layers onto a backend and builds the HTTP
// server around them.
func NewServer(cfg *config.Config, backend storage.Backend, version string, logger *logrus.Logger) (*Server, error) {
	var metaCache *cache.Cache
	if cfg.Cache.MaxSizeBytes > 0 {
		c, err := cache.New(int(cfg.Cache.MaxSizeBytes), func(string) {
			monitoring.RecordCacheEviction()
		})
		if err != nil {
			return nil, fmt.Errorf("creating metadata cache: %w", err)
		}
		metaCache = c
	}

	objectSvc := objects.NewService(backend, metaCache, logger)
	objectSvc.MinPartSize = cfg.Storage.MinPartSize
	objectSvc.BackendLabel = cfg.Storage.Backend

	defaultType, _ := storage.ParseBucketType(cfg.Buckets.DefaultType)
	registry := buckets.NewRegistry(backend, buckets.Defaults{
		Type:         defaultType,
		StorageClass: cfg.Buckets.DefaultStorageClass,
	}, logger)

	authenticator := auth.NewAuthenticator(auth.NewCredentialStore(cfg.Users()), cfg.Auth.Region, logger)

	s := &Server{
		cfg:      cfg,
		backend:  backend,
		objects:  objectSvc,
		registry: registry,
		auth:     authenticator,
		xml:      response.NewXMLWriter(logger),
		errors:   response.NewErrorWriter(logger),
		logger:   logger.WithField("component", "server"),
		version:  version,
	}

	router := mux.NewRouter()
	s.setupRoutes(router)

	s.httpServer = &http.Server{
		Addr:         cfg.Server.BindAddress,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return s, nil
}

// Start runs the server until ctx is canceled, then shuts down gracefully
// within the configured timeout.
func (s *Server) Start(ctx context.Context) error {
	serverErrChan := make(chan error, 1)
	go func() {
		s.logger.WithFields(logrus.Fields{
			"address": s.httpServer.Addr,
			"tls":     s.cfg.Server.TLS.Enabled,
			"backend": s.cfg.Storage.Backend,
		}).Info("Starting S3 API server")

		var err error
		if s.cfg.Server.TLS.Enabled {
			err = s.httpServer.ListenAndServeTLS(s.cfg.Server.TLS.CertFile, s.cfg.Server.TLS.KeyFile)
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			serverErrChan <- err
		}
	}()

	select {
	case err := <-serverErrChan:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
		s.logger.Info("Shutting down S3 API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("Server stopped")
		return nil
	}
}

// Handler exposes the routed handler, mainly for tests driving the server
// through httptest.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
