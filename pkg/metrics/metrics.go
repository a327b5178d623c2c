// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package metrics exposes Prometheus instrumentation for the kernel,
// grounded on the teacher's services/orchestrator/observability package:
// the same promauto-constructed CounterVec/HistogramVec/GaugeVec shape,
// retargeted from RAG/streaming-chat labels to this kernel's six
// components (spec §A.5).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "deepweb_kernel"

// Kernel holds every metric the kernel's components record against. Unlike
// the teacher's package-level registration, Kernel is constructed once in
// New and passed explicitly to collaborators, consistent with the kernel's
// no-package-global-state rule (spec §9).
type Kernel struct {
	// PolicyDecisions counts Policy Gate admit/reject outcomes by reason
	// (admitted, rate_limited, invalid_input).
	PolicyDecisions *prometheus.CounterVec

	// ProviderCallDuration measures provider.Chat/Stream latency by
	// provider and outcome (success, error).
	ProviderCallDuration *prometheus.HistogramVec

	// ProviderRetries counts retry attempts by provider.
	ProviderRetries *prometheus.CounterVec

	// StreamSessionsTotal counts Stream Controller sessions by terminal
	// state (done, errored, cancelled).
	StreamSessionsTotal *prometheus.CounterVec

	// StorageEvictions counts conversations evicted by reason (archived,
	// oldest_archived_fallback).
	StorageEvictions *prometheus.CounterVec
}

// New constructs and registers every kernel metric against reg. Pass
// prometheus.NewRegistry() in tests to avoid polluting the default
// registry's global state across test runs.
func New(reg prometheus.Registerer) *Kernel {
	factory := promauto.With(reg)
	return &Kernel{
		PolicyDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "policy",
			Name:      "decisions_total",
			Help:      "Policy Gate admit/reject decisions by reason.",
		}, []string{"reason"}),

		ProviderCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "call_duration_seconds",
			Help:      "Provider call latency by provider and outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider", "outcome"}),

		ProviderRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "retries_total",
			Help:      "Retry attempts issued per provider call.",
		}, []string{"provider"}),

		StreamSessionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "sessions_total",
			Help:      "Stream Controller sessions by terminal state.",
		}, []string{"state"}),

		StorageEvictions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "evictions_total",
			Help:      "Conversations evicted by reason.",
		}, []string{"reason"}),
	}
}
