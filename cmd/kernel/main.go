// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command kernel starts the deepweb assistant kernel's HTTP and websocket
// surfaces.
//
// This is the main entry point for the containerized kernel service. It
// reads configuration from environment variables and starts the server.
//
// # Environment Variables
//
//   - KERNEL_HTTP_PORT: HTTP server port (default: 8787)
//   - KERNEL_DATA_DIR: Badger store and credential salt directory (default: ./data)
//   - KERNEL_ENABLE_METRICS: toggles the Prometheus /metrics endpoint (default: true)
//   - KERNEL_PROVIDER_TIMEOUT: per-call provider timeout (default: 30s)
//   - KERNEL_RETRY_MAX_ATTEMPTS: provider call retry budget (default: 3)
//   - KERNEL_QUOTA_SOFT_THRESHOLD: storage eviction trigger fraction (default: 0.80)
//   - KERNEL_LOG_DIR: optional directory for an additional dated log file
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OpenTelemetry collector (default: deepweb-otel-collector:4317)
//
// # Usage
//
//	# Build
//	go build -o kernel ./cmd/kernel
//
//	# Run
//	./kernel
package main

import (
	"log"

	"github.com/deepweb-ai/kernel/pkg/kernelconfig"
	"github.com/deepweb-ai/kernel/pkg/logging"
	"github.com/deepweb-ai/kernel/services/orchestrator"
)

func main() {
	cfg := orchestrator.Config{Config: kernelconfig.FromEnv()}

	logger := logging.New(logging.Config{Level: logging.LevelInfo, LogDir: cfg.LogDir, Service: "kernel"})
	defer logger.Close()

	logger.Info("starting kernel",
		"port", cfg.HTTPPort,
		"data_dir", cfg.DataDir,
		"metrics", cfg.EnableMetrics,
	)

	svc, err := orchestrator.New(cfg, logger.Slog())
	if err != nil {
		log.Fatalf("failed to create kernel: %v", err)
	}

	if err := svc.Run(); err != nil {
		log.Fatalf("kernel error: %v", err)
	}
}
