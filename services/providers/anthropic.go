// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/deepweb-ai/kernel/services/credentials"
	"github.com/deepweb-ai/kernel/services/policy"
)

// anthropicVersion is the required API version header value.
const anthropicVersion = "2023-06-01"

// anthropicProvider implements Provider against the Anthropic Messages API
// (spec §4.3): x-api-key plus anthropic-version headers, a top-level system
// field instead of a system message, no frequency/presence penalties, and
// named SSE events (content_block_delta etc.) rather than OpenAI-style
// choices[0].delta chunks.
type anthropicProvider struct {
	baseURL    string
	httpClient *http.Client
	retry      RetryPolicy
	log        *slog.Logger
}

func newAnthropic(httpClient *http.Client, log *slog.Logger) *anthropicProvider {
	if log == nil {
		log = slog.Default()
	}
	return &anthropicProvider{
		baseURL:    "https://api.anthropic.com/v1/messages",
		httpClient: httpClient,
		retry:      DefaultRetryPolicy(),
		log:        log,
	}
}

func (p *anthropicProvider) Name() string             { return "anthropic" }
func (p *anthropicProvider) Accepts(model string) bool { return strings.HasPrefix(model, "claude") }
func (p *anthropicProvider) Endpoint() string          { return p.baseURL }
func (p *anthropicProvider) ValidateKey(key string) bool {
	return credentials.ValidateFormat("anthropic", key)
}
func (p *anthropicProvider) Cost(usage Usage, model string) float64 {
	return costForModel(usage, model)
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequestBody struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature,omitempty"`
	TopP        float64            `json:"top_p,omitempty"`
	StopSequences []string         `json:"stop_sequences,omitempty"`
	Stream      bool               `json:"stream"`
}

type anthropicResponseBody struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (p *anthropicProvider) buildBody(req ChatRequest, stream bool) anthropicRequestBody {
	messages := make([]anthropicMessage, 0, len(req.PriorTurns)+1)
	for _, turn := range req.PriorTurns {
		messages = append(messages, anthropicMessage{Role: turn.Role, Content: turn.Content})
	}
	messages = append(messages, anthropicMessage{Role: "user", Content: req.Message})

	maxTokens := req.Parameters.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	return anthropicRequestBody{
		Model:         req.Model,
		System:        req.System,
		Messages:      messages,
		MaxTokens:     maxTokens,
		Temperature:   req.Parameters.Temperature,
		TopP:          req.Parameters.TopP,
		StopSequences: req.Parameters.StopSequences,
		Stream:        stream,
	}
}

func (p *anthropicProvider) newRequest(ctx context.Context, req ChatRequest, stream bool) (*http.Request, error) {
	body, err := json.Marshal(p.buildBody(req, stream))
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("anthropic: new request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", req.APIKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	return httpReq, nil
}

func (p *anthropicProvider) Chat(ctx context.Context, req ChatRequest) (Reply, error) {
	var reply Reply
	err := withRetry(ctx, p.retry, func() (int, int, error) {
		httpReq, err := p.newRequest(ctx, req, false)
		if err != nil {
			return 0, 0, err
		}
		resp, err := p.httpClient.Do(httpReq)
		if err != nil {
			return 0, 0, err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return resp.StatusCode, 0, ErrAuthFailed
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			retryAfter, _ := strconv.Atoi(resp.Header.Get("Retry-After"))
			return resp.StatusCode, retryAfter, &RateLimitedError{RetryAfterSeconds: retryAfter}
		}
		if resp.StatusCode >= 400 {
			data, _ := io.ReadAll(resp.Body)
			return resp.StatusCode, 0, fmt.Errorf("anthropic: upstream status %d: %s", resp.StatusCode, string(data))
		}
		if err := policy.ValidateResponseContentType(resp.Header.Get("Content-Type")); err != nil {
			return resp.StatusCode, 0, err
		}

		var decoded anthropicResponseBody
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			return resp.StatusCode, 0, &ResponseMalformedError{Err: err}
		}
		var text strings.Builder
		for _, block := range decoded.Content {
			if block.Type == "text" {
				text.WriteString(block.Text)
			}
		}
		reply = Reply{
			Content:      text.String(),
			FinishReason: decoded.StopReason,
			Usage: Usage{
				PromptTokens:     decoded.Usage.InputTokens,
				CompletionTokens: decoded.Usage.OutputTokens,
				TotalTokens:      decoded.Usage.InputTokens + decoded.Usage.OutputTokens,
			},
		}
		return resp.StatusCode, 0, nil
	})
	return reply, err
}

// Stream parses Anthropic's named-event SSE framing: a line beginning
// "event:" names the next "data:" line's payload shape.
func (p *anthropicProvider) Stream(ctx context.Context, req ChatRequest, handle StreamHandler) error {
	httpReq, err := p.newRequest(ctx, req, true)
	if err != nil {
		return err
	}
	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return ErrAuthFailed
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter, _ := strconv.Atoi(resp.Header.Get("Retry-After"))
		return &RateLimitedError{RetryAfterSeconds: retryAfter}
	}
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("anthropic: upstream status %d: %s", resp.StatusCode, string(data))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var eventName string
	var usage Usage
	finishReason := ""
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "" {
				continue
			}
			switch eventName {
			case "content_block_delta":
				var evt struct {
					Delta struct {
						Text string `json:"text"`
					} `json:"delta"`
				}
				if err := json.Unmarshal([]byte(payload), &evt); err != nil {
					p.log.Warn("skipping malformed SSE chunk", "provider", "anthropic", "event", eventName, "error", err)
					continue
				}
				if evt.Delta.Text != "" {
					if err := handle(StreamEvent{Kind: StreamEventDelta, Delta: evt.Delta.Text}); err != nil {
						return err
					}
				}
			case "message_delta":
				var evt struct {
					Delta struct {
						StopReason string `json:"stop_reason"`
					} `json:"delta"`
					Usage struct {
						OutputTokens int `json:"output_tokens"`
					} `json:"usage"`
				}
				if err := json.Unmarshal([]byte(payload), &evt); err != nil {
					p.log.Warn("skipping malformed SSE chunk", "provider", "anthropic", "event", eventName, "error", err)
					continue
				}
				if evt.Delta.StopReason != "" {
					finishReason = evt.Delta.StopReason
				}
				usage.CompletionTokens = evt.Usage.OutputTokens
			case "message_start":
				var evt struct {
					Message struct {
						Usage struct {
							InputTokens int `json:"input_tokens"`
						} `json:"usage"`
					} `json:"message"`
				}
				if err := json.Unmarshal([]byte(payload), &evt); err == nil {
					usage.PromptTokens = evt.Message.Usage.InputTokens
				}
			case "error":
				return &ResponseMalformedError{Err: fmt.Errorf("anthropic stream error event: %s", payload)}
			default:
				if err := handle(StreamEvent{Kind: StreamEventNamed, Name: eventName}); err != nil {
					return err
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	return handle(StreamEvent{Kind: StreamEventDone, FinishReason: finishReason, Usage: usage})
}
