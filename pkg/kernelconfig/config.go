// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package kernelconfig centralizes process configuration, following the
// teacher's env-var-then-secret-file-then-default pattern in
// services/llm/openai_llm.go and anthropic_llm.go, rather than scattering
// os.Getenv calls across components.
package kernelconfig

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the kernel process's tunable surface. Every field has a
// SPEC_FULL.md-derived default; none is required for the kernel to run.
type Config struct {
	// HTTPPort serves the request/reply surface (§6.A).
	HTTPPort int
	// DataDir is where the Badger store and the credential salt live.
	DataDir string
	// OTelEndpoint is the OTLP gRPC collector address.
	OTelEndpoint string
	// EnableMetrics toggles the Prometheus /metrics endpoint.
	EnableMetrics bool
	// ProviderTimeout bounds a single non-stream provider call (spec §5).
	ProviderTimeout time.Duration
	// RetryMaxAttempts is the provider call retry budget (spec §4.3).
	RetryMaxAttempts int
	// QuotaSoftThreshold is the fraction of available storage that triggers
	// eviction (spec §5 Quotas).
	QuotaSoftThreshold float64
	// LogDir, if set, enables an additional dated log file alongside stderr.
	LogDir string
}

// FromEnv loads Config from environment variables, falling back to
// /run/secrets/<name> files, then to hard defaults, matching the teacher's
// NewOpenAIClient/NewAnthropicClient lookup order.
func FromEnv() Config {
	return Config{
		HTTPPort:           getEnvInt("KERNEL_HTTP_PORT", 8787),
		DataDir:             getEnvString("KERNEL_DATA_DIR", "./data"),
		OTelEndpoint:        getEnvString("OTEL_EXPORTER_OTLP_ENDPOINT", "deepweb-otel-collector:4317"),
		EnableMetrics:       getEnvBool("KERNEL_ENABLE_METRICS", true),
		ProviderTimeout:     getEnvDuration("KERNEL_PROVIDER_TIMEOUT", 30*time.Second),
		RetryMaxAttempts:    getEnvInt("KERNEL_RETRY_MAX_ATTEMPTS", 3),
		QuotaSoftThreshold:  getEnvFloat("KERNEL_QUOTA_SOFT_THRESHOLD", 0.80),
		LogDir:              getEnvString("KERNEL_LOG_DIR", ""),
	}
}

func getEnvString(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	if data, err := os.ReadFile("/run/secrets/" + strings.ToLower(key)); err == nil {
		return strings.TrimSpace(string(data))
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	v := getEnvString(key, "")
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("kernelconfig: invalid int env var, using default", "key", key, "value", v)
		return defaultValue
	}
	return n
}

func getEnvBool(key string, defaultValue bool) bool {
	v := getEnvString(key, "")
	if v == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("kernelconfig: invalid bool env var, using default", "key", key, "value", v)
		return defaultValue
	}
	return b
}

func getEnvFloat(key string, defaultValue float64) float64 {
	v := getEnvString(key, "")
	if v == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		slog.Warn("kernelconfig: invalid float env var, using default", "key", key, "value", v)
		return defaultValue
	}
	return f
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	v := getEnvString(key, "")
	if v == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("kernelconfig: invalid duration env var, using default", "key", key, "value", v)
		return defaultValue
	}
	return d
}
