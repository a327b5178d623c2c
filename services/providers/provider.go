// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package providers implements the Provider Registry (spec §4.3): a table
// of chat-completion providers (DeepSeek, OpenAI, Anthropic) exposed behind
// one uniform contract, so the Dispatcher never branches on which provider
// it is talking to.
package providers

import (
	"context"
	"errors"

	"github.com/deepweb-ai/kernel/services/policy"
)

// Turn is one prior message fed back to a provider as conversation history.
type Turn struct {
	Role    string
	Content string
}

// Parameters are the uniform numeric generation controls (spec §4.3).
type Parameters struct {
	MaxTokens        int
	Temperature      float64
	TopP             float64
	FrequencyPenalty float64
	PresencePenalty  float64
	StopSequences    []string
}

// ChatRequest is the uniform input to a provider call.
type ChatRequest struct {
	APIKey     string
	Model      string
	System     string
	PriorTurns []Turn // capped to the last 6 by the Dispatcher
	Message    string
	Parameters Parameters
}

// Usage is token accounting as reported by (or estimated for) a provider.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Reply is a completed, non-streamed provider response.
type Reply struct {
	Content      string
	Usage        Usage
	FinishReason string
}

// StreamEventKind discriminates StreamEvent's variant.
type StreamEventKind string

const (
	StreamEventDelta StreamEventKind = "delta"
	StreamEventNamed StreamEventKind = "named" // passthrough for provider-named SSE events
	StreamEventDone  StreamEventKind = "done"
	StreamEventError StreamEventKind = "error"
)

// StreamEvent is one item of a provider's asyncSequence<StreamEvent>. Exactly
// one StreamEventDone or StreamEventError terminates the sequence.
type StreamEvent struct {
	Kind         StreamEventKind
	Delta        string // set on StreamEventDelta
	Name         string // set on StreamEventNamed
	FinishReason string // set on StreamEventDone
	Usage        Usage  // set on StreamEventDone
	Err          error  // set on StreamEventError
}

// StreamHandler receives StreamEvents in arrival order. Returning an error
// aborts the stream.
type StreamHandler func(StreamEvent) error

// ErrAuthFailed maps to a 401 from the provider (credential_invalid, spec §7).
var ErrAuthFailed = errors.New("providers: authentication failed")

// RateLimitedError carries a provider-supplied retry-after hint (spec §7
// provider_rate_limited).
type RateLimitedError struct {
	RetryAfterSeconds int
}

func (e *RateLimitedError) Error() string { return "providers: rate limited by upstream" }

// ResponseMalformedError wraps a decode failure (spec §7 response_malformed).
type ResponseMalformedError struct {
	Err error
}

func (e *ResponseMalformedError) Error() string { return "providers: malformed response: " + e.Err.Error() }
func (e *ResponseMalformedError) Unwrap() error  { return e.Err }

// Provider is the uniform capability set every registry entry implements
// (spec §4.3: chat, stream, validateKey, cost).
type Provider interface {
	// Name is the provider's registry key, e.g. "deepseek".
	Name() string
	// Accepts reports whether this provider handles the given model string,
	// expressed as a predicate rather than Dispatcher-side prefix branching
	// (spec §9's redesign note on per-provider model-prefix branching).
	Accepts(model string) bool
	// Endpoint is the provider's chat-completion URL, checked against the
	// Policy Gate's allow-list before every resolve (spec §4.2 endpoint
	// validation).
	Endpoint() string
	Chat(ctx context.Context, req ChatRequest) (Reply, error)
	Stream(ctx context.Context, req ChatRequest, handle StreamHandler) error
	// ValidateKey performs the structural check for this provider's key
	// shape (delegates to credentials.ValidateFormat with this provider's
	// name, but is exposed here so the registry's contract is self-contained).
	ValidateKey(key string) bool
	// Cost computes the USD cost of usage against model's per-token price
	// table, applying the conservative-default-on-missing-usage rule.
	Cost(usage Usage, model string) float64
}

// Registry looks up a Provider by accepted model string.
type Registry struct {
	providers []Provider
}

// NewRegistry builds a registry over the given providers, tried in order.
func NewRegistry(providers ...Provider) *Registry {
	if len(providers) == 0 {
		panic("providers: NewRegistry requires at least one Provider")
	}
	return &Registry{providers: providers}
}

// ErrNoProviderForModel is returned when no registered Provider accepts the
// requested model.
var ErrNoProviderForModel = errors.New("providers: no provider accepts this model")

// Resolve selects the Provider for a model string: a provider whose Accepts
// predicate matches, falling back to the last-registered provider if none
// match, mirroring the design's "else DeepSeek" default (spec §4.5 step 2).
// The Policy Gate's endpoint allow-list (spec §4.2) is checked here, before
// the caller ever gets a Provider back, so a registry entry pointed at an
// unapproved host can never be dispatched to.
func (r *Registry) Resolve(model string) (Provider, error) {
	selected := r.providers[len(r.providers)-1]
	for _, p := range r.providers {
		if p.Accepts(model) {
			selected = p
			break
		}
	}
	if err := policy.ValidateEndpoint(selected.Endpoint()); err != nil {
		return nil, err
	}
	return selected, nil
}
