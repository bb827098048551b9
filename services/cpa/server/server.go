// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package server exposes the analysis engine over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/AleutianCPA/services/cpa/cancel"
	"github.com/AleutianAI/AleutianCPA/services/cpa/config"
	"github.com/AleutianAI/AleutianCPA/services/cpa/engine"
	"github.com/AleutianAI/AleutianCPA/services/cpa/report"
	"github.com/AleutianAI/AleutianCPA/services/cpa/telemetry"
)

// ServiceName is the otelgin server name.
const ServiceName = "cpa-service"

// Analyzer runs analyses. *engine.Engine implements it.
type Analyzer interface {
	Analyze(ctx context.Context, p engine.Program) (*report.Report, error)
	Controller() *cancel.Controller
}

// Results reads stored reports. *badger.ResultStore implements it.
type Results interface {
	Get(ctx context.Context, id string) (*report.Report, error)
	List(ctx context.Context, limit int) ([]*report.Report, error)
	Delete(ctx context.Context, id string) error
}

// Server is the HTTP front end of the analysis engine.
//
// Thread Safety: Safe for concurrent use.
type Server struct {
	cfg      config.ServerConfig
	version  string
	analyzer Analyzer
	results  Results
	notFound error
	logger   *slog.Logger
	router   *gin.Engine
}

// Option configures a Server.
type Option func(*Server)

// WithResults serves stored reports from results. notFound is the error
// results returns for unknown IDs.
func WithResults(results Results, notFound error) Option {
	return func(s *Server) {
		s.results = results
		s.notFound = notFound
	}
}

// WithVersion sets the version reported by the health endpoint.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New builds the server and its routes.
func New(cfg config.ServerConfig, analyzer Analyzer, opts ...Option) *Server {
	s := &Server{cfg: cfg, analyzer: analyzer, version: "dev"}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With(slog.String("component", "server"))

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(ServiceName))
	router.Use(s.requestLogger())

	router.GET("/metrics", gin.WrapH(telemetry.MetricsHandler()))
	s.registerRoutes(router.Group("/v1"))
	s.router = router
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on the configured port until ctx is done, then
// shuts down gracefully within grace.
func (s *Server) ListenAndServe(ctx context.Context, grace time.Duration) error {
	srv := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(s.cfg.Port)),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", slog.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.WithoutCancel(ctx), grace)
	defer cancelShutdown()
	s.logger.Info("shutting down", slog.Duration("grace", grace))
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("latency", time.Since(start)),
		)
	}
}
