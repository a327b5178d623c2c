// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package kernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/deepweb-ai/kernel/pkg/metrics"
	"github.com/deepweb-ai/kernel/pkg/tracing"
	"github.com/deepweb-ai/kernel/services/credentials"
	"github.com/deepweb-ai/kernel/services/policy"
	"github.com/deepweb-ai/kernel/services/providers"
	"github.com/deepweb-ai/kernel/services/storage"
)

// priorTurnsWindow is how many prior messages are loaded as conversation
// history (spec §4.5 step 5).
const priorTurnsWindow = 6

// PageContext is the extracted-page block a client may attach to a chat
// request (spec §4.5 step 6).
type PageContext struct {
	URL            string
	Title          string
	Content        string
	Summary        string
	RelevanceScore float64
}

// ChatInput is the uniform request the Dispatcher turns into a provider
// call. ConversationID is empty to synthesize a new conversation.
type ChatInput struct {
	ClientID       string
	Message        string
	Model          string
	ConversationID string
	Context        *PageContext
	Parameters     providers.Parameters
}

// ChatResult is the one-shot dispatch outcome (spec §6 chat_request).
type ChatResult struct {
	Content        string
	Cost           float64
	ConversationID string
}

// Dispatcher is the Dispatcher component (spec §4.5): it admits a request
// through the Policy Gate, resolves a provider and credential, weaves in
// conversation history and page context, and persists the exchange.
type Dispatcher struct {
	gate     *policy.Gate
	registry *providers.Registry
	vault    *credentials.Vault
	store    *storage.Store
	metrics  *metrics.Kernel // optional; nil disables recording
	log      *slog.Logger
}

// NewDispatcher wires the Dispatcher over its four collaborators. m and log
// may be nil: a nil m disables metric recording, a nil log falls back to
// slog.Default(), matching the Credential Vault's own nil-logger fallback.
func NewDispatcher(gate *policy.Gate, registry *providers.Registry, vault *credentials.Vault, store *storage.Store, m *metrics.Kernel, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{gate: gate, registry: registry, vault: vault, store: store, metrics: m, log: log}
}

// Dispatch runs the one-shot chat path (spec §4.5 steps 1-10).
func (d *Dispatcher) Dispatch(ctx context.Context, in ChatInput) (ChatResult, error) {
	ctx, span := tracing.Tracer.Start(ctx, "kernel.Dispatch")
	defer span.End()

	// 1. Policy Gate admits or rejects.
	sanitized, err := d.gate.Admit(in.ClientID, in.Message, time.Now())
	if err != nil {
		var rateLimited *policy.RateLimitedError
		if errors.As(err, &rateLimited) {
			d.recordPolicy("rate_limited")
			return ChatResult{}, newError(ErrorRateLimited, true, fmt.Sprintf("rate limited, retry in %.1fs", rateLimited.WaitSeconds))
		}
		d.recordPolicy("invalid_input")
		return ChatResult{}, newError(ErrorInvalidInput, true, err.Error())
	}
	d.recordPolicy("admitted")
	if hits := policy.Classify(sanitized); len(hits) > 0 {
		d.log.Warn("message matched content classification", "client_id", in.ClientID, "classifications", hits)
	}

	// 2. Select provider by model prefix.
	provider, err := d.registry.Resolve(in.Model)
	if err != nil {
		return ChatResult{}, newError(ErrorProviderUnavailable, false, err.Error())
	}

	// 3. Fetch credential.
	apiKey, ok := d.vault.Get(provider.Name())
	if !ok {
		return ChatResult{}, newError(ErrorCredentialMissing, true, fmt.Sprintf("no credential stored for %s", provider.Name()))
	}
	if !credentials.ValidateFormat(provider.Name(), apiKey) {
		return ChatResult{}, newError(ErrorCredentialInvalid, true, fmt.Sprintf("stored credential for %s is malformed", provider.Name()))
	}

	// 4. Ensure a conversation.
	conversationID := in.ConversationID
	if conversationID == "" {
		conv, err := d.store.Conversations.Create(storage.CreateInput{Title: deriveTitle(sanitized)})
		if err != nil {
			return ChatResult{}, classifyStorageError(err)
		}
		conversationID = conv.ID
	}

	// 5. Load prior turns.
	history, err := d.store.Messages.LastN(conversationID, priorTurnsWindow)
	if err != nil {
		return ChatResult{}, classifyStorageError(err)
	}
	priorTurns := make([]providers.Turn, len(history))
	for i, msg := range history {
		priorTurns[i] = providers.Turn{Role: string(msg.Role), Content: msg.Content}
	}

	// 6. Build the page-context block.
	message := sanitized
	if len(priorTurns) == 0 {
		message = prependContext(sanitized, in.Context)
	}

	// 7. Persist the user message.
	if _, err := d.store.Messages.Add(conversationID, storage.AddInput{Role: storage.RoleUser, Content: sanitized}); err != nil {
		return ChatResult{}, classifyStorageError(err)
	}

	// 8. Call the provider with retries (handled inside the provider's Chat).
	d.log.Debug("dispatching chat request", "provider", provider.Name(), "model", in.Model, "estimated_prompt_tokens", providers.EstimateTokens(message))
	callStart := time.Now()
	reply, err := provider.Chat(ctx, providers.ChatRequest{
		APIKey:     apiKey,
		Model:      in.Model,
		PriorTurns: priorTurns,
		Message:    message,
		Parameters: in.Parameters,
	})
	if err != nil {
		d.recordProviderCall(provider.Name(), "error", time.Since(callStart))
		d.log.Warn("provider call failed", "provider", provider.Name(), "error", err)
		// 10. On failure the user message stays persisted; no assistant
		// message is written.
		return ChatResult{}, classifyProviderError(err)
	}
	d.recordProviderCall(provider.Name(), "success", time.Since(callStart))

	// 9. On success: persist assistant message, update totalCost.
	cost := provider.Cost(reply.Usage, in.Model)
	now := time.Now().UTC()
	if _, err := d.store.Messages.Add(conversationID, storage.AddInput{
		Role:     storage.RoleAssistant,
		Content:  reply.Content,
		Metadata: storage.MessageMetadata{Model: in.Model, Tokens: reply.Usage.TotalTokens},
		Cost:     cost,
	}); err != nil {
		return ChatResult{}, classifyStorageError(err)
	}
	if err := d.store.Conversations.AddCost(conversationID, cost, preview(reply.Content), now); err != nil {
		return ChatResult{}, classifyStorageError(err)
	}

	return ChatResult{Content: reply.Content, Cost: cost, ConversationID: conversationID}, nil
}

func (d *Dispatcher) recordPolicy(reason string) {
	if d.metrics == nil {
		return
	}
	d.metrics.PolicyDecisions.WithLabelValues(reason).Inc()
}

func (d *Dispatcher) recordProviderCall(provider, outcome string, elapsed time.Duration) {
	if d.metrics == nil {
		return
	}
	d.metrics.ProviderCallDuration.WithLabelValues(provider, outcome).Observe(elapsed.Seconds())
}

// prependContext concatenates the page-context block ahead of message when
// there is no prior conversation history to carry it implicitly (spec §4.5
// step 6).
func prependContext(message string, ctx *PageContext) string {
	if ctx == nil {
		return message
	}
	var b strings.Builder
	if ctx.Title != "" {
		fmt.Fprintf(&b, "Page: %s\n", ctx.Title)
	}
	if ctx.URL != "" {
		fmt.Fprintf(&b, "URL: %s\n", ctx.URL)
	}
	body := ctx.Summary
	if body == "" {
		body = ctx.Content
	}
	if body != "" {
		fmt.Fprintf(&b, "Content: %s\n", body)
	}
	if ctx.RelevanceScore != 0 {
		fmt.Fprintf(&b, "Relevance: %.2f\n", ctx.RelevanceScore)
	}
	if b.Len() == 0 {
		return message
	}
	b.WriteString("\n")
	b.WriteString(message)
	return b.String()
}

func deriveTitle(message string) string {
	runes := []rune(message)
	if len(runes) > 60 {
		return string(runes[:60])
	}
	return message
}

// preview mirrors storage's own message-preview truncation for the
// conversation list's lastMessage field.
func preview(content string) string {
	const previewLength = 120
	runes := []rune(content)
	if len(runes) <= previewLength {
		return content
	}
	return string(runes[:previewLength])
}
