// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package orchestrator exposes the kernel's two external surfaces (spec
// §6): a gin-routed request/reply HTTP API and a gorilla/websocket duplex
// channel for streaming, both backed by the same Dispatcher, Stream
// Controller, Credential Vault, and Storage Engine instances.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/deepweb-ai/kernel/pkg/kernelconfig"
	"github.com/deepweb-ai/kernel/pkg/metrics"
	"github.com/deepweb-ai/kernel/pkg/tracing"
	"github.com/deepweb-ai/kernel/services/credentials"
	"github.com/deepweb-ai/kernel/services/kernel"
	"github.com/deepweb-ai/kernel/services/policy"
	"github.com/deepweb-ai/kernel/services/providers"
	"github.com/deepweb-ai/kernel/services/storage"
)

// Service is the orchestrator's lifecycle contract, following the teacher's
// orchestrator.Service shape: a Run() that blocks and a Router() escape
// hatch for tests.
type Service interface {
	Run() error
	Router() *gin.Engine
}

// Config is the orchestrator's own tunables, layered over kernelconfig.Config.
type Config struct {
	kernelconfig.Config
	GinMode string // "debug", "release", or "test"; empty keeps gin's default
}

type service struct {
	config Config
	router *gin.Engine

	vault      *credentials.Vault
	store      *storage.Store
	dispatcher *kernel.Dispatcher
	streams    *kernel.StreamController

	exports *jobTracker
	imports *jobTracker

	metrics       *metrics.Kernel
	tracerCleanup func(context.Context)
	log           *slog.Logger
}

// New wires every kernel component over cfg and returns a ready-to-run
// Service. It owns the Badger store and the metrics registry it creates.
func New(cfg Config, log *slog.Logger) (Service, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.GinMode != "" {
		gin.SetMode(cfg.GinMode)
	}

	db, err := storage.OpenWithPath(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: open storage: %w", err)
	}
	store := storage.NewStoreWithQuota(db, cfg.QuotaSoftThreshold)

	vault := credentials.New(store.Vault, store.Vault, log)
	if err := vault.Initialize(); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("orchestrator: initialize credential vault: %w", err)
	}

	gate := policy.NewGate()
	registry := providers.NewDefaultRegistry(nil, log)

	var m *metrics.Kernel
	if cfg.EnableMetrics {
		m = metrics.New(prometheus.DefaultRegisterer)
	}
	store.Conversations.OnEvict(func(reason string, count int) {
		if m != nil {
			m.StorageEvictions.WithLabelValues(reason).Add(float64(count))
		}
		log.Info("conversation eviction", "reason", reason, "count", count)
	})

	var tracerCleanup func(context.Context)
	if cfg.OTelEndpoint != "" {
		cleanup, err := tracing.Setup(context.Background(), cfg.OTelEndpoint, "deepweb-kernel")
		if err != nil {
			log.Warn("tracing setup failed, continuing without spans", "error", err)
		} else {
			tracerCleanup = cleanup
		}
	}

	s := &service{
		config:        cfg,
		vault:         vault,
		store:         store,
		dispatcher:    kernel.NewDispatcher(gate, registry, vault, store, m, log),
		streams:       kernel.NewStreamController(gate, registry, vault, store, m, log),
		exports:       newJobTracker(),
		imports:       newJobTracker(),
		metrics:       m,
		tracerCleanup: tracerCleanup,
		log:           log,
	}
	s.initRouter()
	return s, nil
}

func (s *service) initRouter() {
	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(otelgin.Middleware("deepweb-kernel"))
	s.router.Use(requestLogger(s.log))

	setupRoutes(s.router, s)
}

func (s *service) Run() error {
	defer s.cleanup()
	addr := fmt.Sprintf(":%d", s.config.HTTPPort)
	s.log.Info("starting kernel orchestrator", "addr", addr)
	return s.router.Run(addr)
}

func (s *service) Router() *gin.Engine { return s.router }

func (s *service) cleanup() {
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
	if err := s.store.Close(); err != nil {
		s.log.Warn("storage close error", "error", err)
	}
}

// requestLogger mirrors gin.Logger's default line but through the
// service's injected *slog.Logger, consistent with SPEC_FULL.md A.1's
// no-package-global-logger rule.
func requestLogger(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		log.Info("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
		)
	}
}

var _ Service = (*service)(nil)

// metricsHandler exposes /metrics when enabled.
func metricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) { h.ServeHTTP(c.Writer, c.Request) }
}
