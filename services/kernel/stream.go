// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package kernel

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/deepweb-ai/kernel/pkg/metrics"
	"github.com/deepweb-ai/kernel/pkg/tracing"
	"github.com/deepweb-ai/kernel/services/credentials"
	"github.com/deepweb-ai/kernel/services/policy"
	"github.com/deepweb-ai/kernel/services/providers"
	"github.com/deepweb-ai/kernel/services/storage"
	"github.com/google/uuid"
)

// maxReconnectAttempts bounds the Stream Controller's reconnect loop
// (spec §4.6).
const maxReconnectAttempts = 3

// heartbeatInterval is how often the controller emits a keepalive event
// while waiting on a provider that hasn't produced a first token yet.
const heartbeatInterval = 15 * time.Second

// SessionState is a StreamSession's position in the state machine (spec
// §4.6).
type SessionState string

const (
	StateIdle         SessionState = "idle"
	StateStreaming    SessionState = "streaming"
	StateReconnecting SessionState = "reconnecting"
	StateCancelling   SessionState = "cancelling"
	StateDone         SessionState = "done"
	StateErrored      SessionState = "errored"
	StateCancelled    SessionState = "cancelled"
)

func (s SessionState) terminal() bool {
	switch s {
	case StateDone, StateErrored, StateCancelled:
		return true
	default:
		return false
	}
}

// ClientEventKind discriminates the events emitted to the streaming port
// (spec §4.6).
type ClientEventKind string

const (
	EventStreamStarted   ClientEventKind = "stream_started"
	EventStreamContent   ClientEventKind = "stream_content"
	EventStreamEvent     ClientEventKind = "stream_event"
	EventStreamRetry     ClientEventKind = "stream_retry"
	EventReconnecting    ClientEventKind = "reconnecting"
	EventStreamDone      ClientEventKind = "stream_done"
	EventStreamCancelled ClientEventKind = "stream_cancelled"
	EventError           ClientEventKind = "error"
)

// ClientEvent is one message sent over the `deepweb-stream` port. ID,
// CreatedAt, Hash, and PrevHash form a hash chain over a session's events
// (spec §4.6 supplemented stream-integrity property): a client or auditor
// can recompute Hash from the event's content fields and PrevHash to detect
// a dropped or reordered event.
type ClientEvent struct {
	Kind         ClientEventKind
	StreamID     string
	Delta        string
	Name         string
	DelayMs      int64
	Attempt      int
	Content      string
	Usage        providers.Usage
	Cost         float64
	FinishReason string
	Message      string
	Recoverable  bool

	ID        string
	CreatedAt time.Time
	Hash      string
	PrevHash  string
}

// computeEventHash chains evt to prevHash over its content-bearing fields.
func computeEventHash(prevHash string, evt ClientEvent) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write([]byte(evt.Kind))
	h.Write([]byte(evt.Delta))
	h.Write([]byte(evt.Name))
	h.Write([]byte(evt.Content))
	h.Write([]byte(evt.FinishReason))
	h.Write([]byte(evt.Message))
	return hex.EncodeToString(h.Sum(nil))
}

// EventSink receives ClientEvents in arrival order, per session.
type EventSink func(ClientEvent)

// StreamSession is one in-flight duplex stream (spec §3 StreamSession).
type StreamSession struct {
	mu                sync.Mutex
	id                string
	clientID          string
	conversationID    string
	state             SessionState
	buffer            strings.Builder
	reconnectAttempts int
	lastEventAt       time.Time
	cancel            context.CancelFunc
	lastHash          string
}

func (s *StreamSession) setState(state SessionState) {
	s.mu.Lock()
	s.state = state
	s.lastEventAt = time.Now().UTC()
	s.mu.Unlock()
}

func (s *StreamSession) getState() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *StreamSession) appendDelta(delta string) {
	s.mu.Lock()
	s.buffer.WriteString(delta)
	s.mu.Unlock()
}

func (s *StreamSession) resetBuffer() {
	s.mu.Lock()
	s.buffer.Reset()
	s.mu.Unlock()
}

func (s *StreamSession) content() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffer.String()
}

// StartStreamInput mirrors ChatInput for the streaming path.
type StartStreamInput struct {
	ClientID       string
	Message        string
	Model          string
	ConversationID string
	Context        *PageContext
	Parameters     providers.Parameters
}

// StreamController is the Stream Controller component (spec §4.6).
type StreamController struct {
	gate     *policy.Gate
	registry *providers.Registry
	vault    *credentials.Vault
	store    *storage.Store
	retry    providers.RetryPolicy

	mu       sync.Mutex
	sessions map[string]*StreamSession
	byClient map[string]string // clientID+conversationID -> streamID, for the one-session-per-pair invariant

	metrics *metrics.Kernel // optional; nil disables recording
	log     *slog.Logger
}

// NewStreamController wires the controller over its collaborators. m and
// log may be nil, matching NewDispatcher's nil-safety.
func NewStreamController(gate *policy.Gate, registry *providers.Registry, vault *credentials.Vault, store *storage.Store, m *metrics.Kernel, log *slog.Logger) *StreamController {
	if log == nil {
		log = slog.Default()
	}
	return &StreamController{
		gate:     gate,
		registry: registry,
		vault:    vault,
		store:    store,
		retry:    providers.DefaultRetryPolicy(),
		sessions: make(map[string]*StreamSession),
		byClient: make(map[string]string),
		metrics:  m,
		log:      log,
	}
}

func pairKey(clientID, conversationID string) string { return clientID + "\x00" + conversationID }

// emit stamps evt with its id/createdAt/hash, chains it to session's prior
// event, and hands it to sink. Every ClientEvent a session produces must go
// through emit so the chain has no gaps.
func (c *StreamController) emit(session *StreamSession, sink EventSink, evt ClientEvent) {
	session.mu.Lock()
	evt.ID = uuid.New().String()
	evt.CreatedAt = time.Now().UTC()
	evt.PrevHash = session.lastHash
	evt.Hash = computeEventHash(evt.PrevHash, evt)
	session.lastHash = evt.Hash
	session.mu.Unlock()
	sink(evt)
}

// StartStream admits and prepares a request exactly like the Dispatcher's
// steps 1-7, then launches the streaming goroutine and returns immediately
// with the new session's id. Starting a second stream for the same
// (clientId, conversationId) pair implicitly cancels the first (spec §3).
func (c *StreamController) StartStream(ctx context.Context, in StartStreamInput, sink EventSink) (string, error) {
	ctx, span := tracing.Tracer.Start(ctx, "kernel.StartStream")
	defer span.End()

	sanitized, err := c.gate.Admit(in.ClientID, in.Message, time.Now())
	if err != nil {
		var rateLimited *policy.RateLimitedError
		if errors.As(err, &rateLimited) {
			return "", newError(ErrorRateLimited, true, "rate limited")
		}
		return "", newError(ErrorInvalidInput, true, err.Error())
	}

	provider, err := c.registry.Resolve(in.Model)
	if err != nil {
		return "", newError(ErrorProviderUnavailable, false, err.Error())
	}

	apiKey, ok := c.vault.Get(provider.Name())
	if !ok {
		return "", newError(ErrorCredentialMissing, true, "no credential stored for "+provider.Name())
	}
	if !credentials.ValidateFormat(provider.Name(), apiKey) {
		return "", newError(ErrorCredentialInvalid, true, "stored credential is malformed")
	}

	conversationID := in.ConversationID
	if conversationID == "" {
		conv, err := c.store.Conversations.Create(storage.CreateInput{Title: deriveTitle(sanitized)})
		if err != nil {
			return "", classifyStorageError(err)
		}
		conversationID = conv.ID
	}

	history, err := c.store.Messages.LastN(conversationID, priorTurnsWindow)
	if err != nil {
		return "", classifyStorageError(err)
	}
	priorTurns := make([]providers.Turn, len(history))
	for i, msg := range history {
		priorTurns[i] = providers.Turn{Role: string(msg.Role), Content: msg.Content}
	}

	message := sanitized
	if len(priorTurns) == 0 {
		message = prependContext(sanitized, in.Context)
	}

	if _, err := c.store.Messages.Add(conversationID, storage.AddInput{Role: storage.RoleUser, Content: sanitized}); err != nil {
		return "", classifyStorageError(err)
	}

	key := pairKey(in.ClientID, conversationID)
	c.mu.Lock()
	if previousID, exists := c.byClient[key]; exists {
		c.mu.Unlock()
		c.CancelStream(previousID)
		c.mu.Lock()
	}

	streamCtx, cancel := context.WithCancel(ctx)
	session := &StreamSession{
		id:             uuid.New().String(),
		clientID:       in.ClientID,
		conversationID: conversationID,
		state:          StateIdle,
		cancel:         cancel,
	}
	c.sessions[session.id] = session
	c.byClient[key] = session.id
	c.mu.Unlock()

	req := providers.ChatRequest{APIKey: apiKey, Model: in.Model, PriorTurns: priorTurns, Message: message, Parameters: in.Parameters}
	c.emit(session, sink, ClientEvent{Kind: EventStreamStarted, StreamID: session.id})
	session.setState(StateStreaming)

	go c.run(streamCtx, session, provider, in.Model, req, sink)

	return session.id, nil
}

// run drives one session through provider.Stream, reconnecting up to
// maxReconnectAttempts times on a transient transport failure, and persists
// the assistant message on successful completion (spec §4.6 Completion).
func (c *StreamController) run(ctx context.Context, session *StreamSession, provider providers.Provider, model string, req providers.ChatRequest, sink EventSink) {
	defer c.forget(session.id)

	for attempt := 0; ; attempt++ {
		var finalUsage providers.Usage
		var finalFinishReason string
		var firstTokenReceived int32

		heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
		go c.runHeartbeat(heartbeatCtx, session, sink, &firstTokenReceived)

		err := provider.Stream(ctx, req, func(evt providers.StreamEvent) error {
			switch evt.Kind {
			case providers.StreamEventDelta:
				session.appendDelta(evt.Delta)
				atomic.StoreInt32(&firstTokenReceived, 1)
				c.emit(session, sink, ClientEvent{Kind: EventStreamContent, StreamID: session.id, Delta: evt.Delta})
			case providers.StreamEventNamed:
				atomic.StoreInt32(&firstTokenReceived, 1)
				c.emit(session, sink, ClientEvent{Kind: EventStreamEvent, StreamID: session.id, Name: evt.Name})
			case providers.StreamEventDone:
				finalUsage = evt.Usage
				finalFinishReason = evt.FinishReason
			}
			return ctx.Err()
		})
		stopHeartbeat()

		if session.getState() == StateCancelling || errors.Is(ctx.Err(), context.Canceled) {
			c.finishCancelled(session, sink)
			return
		}

		if err == nil {
			c.finishDone(session, provider, model, finalUsage, finalFinishReason, sink)
			return
		}

		if !isRetryableStreamError(err) || attempt >= maxReconnectAttempts {
			c.finishErrored(session, sink, err)
			return
		}

		session.setState(StateReconnecting)
		session.reconnectAttempts++
		c.recordRetry(provider.Name())
		delay := c.retry.Backoff(attempt, retryAfterSecondsOf(err))
		c.emit(session, sink, ClientEvent{Kind: EventStreamRetry, StreamID: session.id, DelayMs: delay.Milliseconds()})
		c.emit(session, sink, ClientEvent{Kind: EventReconnecting, StreamID: session.id, Attempt: session.reconnectAttempts})

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			c.finishCancelled(session, sink)
			return
		}

		// Continuation strategy: discard the partial and re-request the
		// full completion (the provider cannot resume at an offset).
		session.resetBuffer()
		session.setState(StateStreaming)
	}
}

// runHeartbeat emits a keepalive ClientEvent every heartbeatInterval while
// waiting on a provider that hasn't produced a first token, grounded on the
// spec's "heartbeat keepalive during long provider calls" supplement. It
// stops as soon as firstTokenReceived flips or ctx is done.
func (c *StreamController) runHeartbeat(ctx context.Context, session *StreamSession, sink EventSink, firstTokenReceived *int32) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if atomic.LoadInt32(firstTokenReceived) == 1 {
				return
			}
			c.emit(session, sink, ClientEvent{Kind: EventStreamEvent, StreamID: session.id, Name: "keepalive"})
		}
	}
}

func (c *StreamController) finishDone(session *StreamSession, provider providers.Provider, model string, usage providers.Usage, finishReason string, sink EventSink) {
	content := session.content()
	if content == "" {
		// Some providers report no incremental deltas and only a final
		// content block; nothing further to reconstruct here since every
		// Stream implementation in this registry always emits deltas.
	}
	cost := provider.Cost(usage, model)
	now := time.Now().UTC()

	if _, err := c.store.Messages.Add(session.conversationID, storage.AddInput{
		Role:     storage.RoleAssistant,
		Content:  content,
		Metadata: storage.MessageMetadata{Model: model, Tokens: usage.TotalTokens},
		Cost:     cost,
	}); err != nil {
		c.finishErrored(session, sink, err)
		return
	}
	_ = c.store.Conversations.AddCost(session.conversationID, cost, preview(content), now)

	session.setState(StateDone)
	c.recordTerminal("done")
	c.emit(session, sink, ClientEvent{Kind: EventStreamDone, StreamID: session.id, Content: content, Usage: usage, Cost: cost, FinishReason: finishReason})
}

func (c *StreamController) finishCancelled(session *StreamSession, sink EventSink) {
	session.setState(StateCancelled)
	c.recordTerminal("cancelled")
	c.emit(session, sink, ClientEvent{Kind: EventStreamCancelled, StreamID: session.id, Content: session.content()})
}

func (c *StreamController) finishErrored(session *StreamSession, sink EventSink, err error) {
	session.setState(StateErrored)
	c.recordTerminal("errored")
	kernelErr := classifyProviderError(err)
	c.log.Warn("stream session errored", "stream_id", session.id, "error", err)
	c.emit(session, sink, ClientEvent{Kind: EventError, StreamID: session.id, Message: kernelErr.Message, Recoverable: false})
}

func (c *StreamController) recordRetry(provider string) {
	if c.metrics == nil {
		return
	}
	c.metrics.ProviderRetries.WithLabelValues(provider).Inc()
}

func (c *StreamController) recordTerminal(state string) {
	if c.metrics == nil {
		return
	}
	c.metrics.StreamSessionsTotal.WithLabelValues(state).Inc()
}

func (c *StreamController) forget(streamID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	session, ok := c.sessions[streamID]
	if !ok {
		return
	}
	delete(c.sessions, streamID)
	delete(c.byClient, pairKey(session.clientID, session.conversationID))
}

// CancelStream requests cancellation of streamID. Cancellation is idempotent
// (spec §4.6): cancelling a terminal or unknown session is a no-op.
func (c *StreamController) CancelStream(streamID string) {
	c.mu.Lock()
	session, ok := c.sessions[streamID]
	c.mu.Unlock()
	if !ok {
		return
	}
	if session.getState().terminal() {
		return
	}
	session.setState(StateCancelling)
	session.cancel()
}

func isRetryableStreamError(err error) bool {
	if errors.Is(err, providers.ErrAuthFailed) {
		return false
	}
	var malformed *providers.ResponseMalformedError
	if errors.As(err, &malformed) {
		return false
	}
	return true
}

func retryAfterSecondsOf(err error) int {
	var rateLimited *providers.RateLimitedError
	if errors.As(err, &rateLimited) {
		return rateLimited.RetryAfterSeconds
	}
	return 0
}
