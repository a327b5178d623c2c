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

// openAIShapedProvider implements Provider against the OpenAI chat-completions
// wire format shared by DeepSeek and OpenAI itself (spec §4.3): Authorization
// Bearer header, choices[0].message.content on a full reply, and
// choices[0].delta.content SSE deltas when streaming.
type openAIShapedProvider struct {
	name       string
	baseURL    string
	httpClient *http.Client
	retry      RetryPolicy
	accepts    func(model string) bool
	log        *slog.Logger
}

func newDeepSeek(httpClient *http.Client, log *slog.Logger) *openAIShapedProvider {
	if log == nil {
		log = slog.Default()
	}
	return &openAIShapedProvider{
		name:       "deepseek",
		baseURL:    "https://api.deepseek.com/v1/chat/completions",
		httpClient: httpClient,
		retry:      DefaultRetryPolicy(),
		accepts:    func(model string) bool { return strings.HasPrefix(model, "deepseek") },
		log:        log,
	}
}

func (p *openAIShapedProvider) Name() string               { return p.name }
func (p *openAIShapedProvider) Accepts(model string) bool   { return p.accepts(model) }
func (p *openAIShapedProvider) Endpoint() string            { return p.baseURL }
func (p *openAIShapedProvider) ValidateKey(key string) bool { return credentials.ValidateFormat(p.name, key) }
func (p *openAIShapedProvider) Cost(usage Usage, model string) float64 {
	return costForModel(usage, model)
}

type openAIChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIChatRequestBody struct {
	Model            string               `json:"model"`
	Messages         []openAIChatMessage  `json:"messages"`
	MaxTokens        int                  `json:"max_tokens,omitempty"`
	Temperature      float64              `json:"temperature,omitempty"`
	TopP             float64              `json:"top_p,omitempty"`
	FrequencyPenalty float64              `json:"frequency_penalty,omitempty"`
	PresencePenalty  float64              `json:"presence_penalty,omitempty"`
	Stop             []string             `json:"stop,omitempty"`
	Stream           bool                 `json:"stream"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message      openAIChatMessage `json:"message"`
		FinishReason string            `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (p *openAIShapedProvider) buildBody(req ChatRequest, stream bool) openAIChatRequestBody {
	messages := make([]openAIChatMessage, 0, len(req.PriorTurns)+2)
	if req.System != "" {
		messages = append(messages, openAIChatMessage{Role: "system", Content: req.System})
	}
	for _, turn := range req.PriorTurns {
		messages = append(messages, openAIChatMessage{Role: turn.Role, Content: turn.Content})
	}
	messages = append(messages, openAIChatMessage{Role: "user", Content: req.Message})

	return openAIChatRequestBody{
		Model:            req.Model,
		Messages:         messages,
		MaxTokens:        req.Parameters.MaxTokens,
		Temperature:      req.Parameters.Temperature,
		TopP:             req.Parameters.TopP,
		FrequencyPenalty: req.Parameters.FrequencyPenalty,
		PresencePenalty:  req.Parameters.PresencePenalty,
		Stop:             req.Parameters.StopSequences,
		Stream:           stream,
	}
}

func (p *openAIShapedProvider) newRequest(ctx context.Context, req ChatRequest, stream bool) (*http.Request, error) {
	body, err := json.Marshal(p.buildBody(req, stream))
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", p.name, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: new request: %w", p.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+req.APIKey)
	return httpReq, nil
}

func (p *openAIShapedProvider) Chat(ctx context.Context, req ChatRequest) (Reply, error) {
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
			return resp.StatusCode, 0, fmt.Errorf("%s: upstream status %d: %s", p.name, resp.StatusCode, string(data))
		}
		if err := policy.ValidateResponseContentType(resp.Header.Get("Content-Type")); err != nil {
			return resp.StatusCode, 0, err
		}

		var decoded openAIChatResponse
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			return resp.StatusCode, 0, &ResponseMalformedError{Err: err}
		}
		if len(decoded.Choices) == 0 {
			return resp.StatusCode, 0, &ResponseMalformedError{Err: fmt.Errorf("no choices in response")}
		}
		reply = Reply{
			Content:      decoded.Choices[0].Message.Content,
			FinishReason: decoded.Choices[0].FinishReason,
			Usage: Usage{
				PromptTokens:     decoded.Usage.PromptTokens,
				CompletionTokens: decoded.Usage.CompletionTokens,
				TotalTokens:      decoded.Usage.TotalTokens,
			},
		}
		return resp.StatusCode, 0, nil
	})
	return reply, err
}

// Stream issues a single streaming request (the retry policy applies to the
// initial connection only; mid-stream drops surface as a terminal error and
// are the Stream Controller's reconnect concern, not the provider's).
func (p *openAIShapedProvider) Stream(ctx context.Context, req ChatRequest, handle StreamHandler) error {
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
		return fmt.Errorf("%s: upstream status %d: %s", p.name, resp.StatusCode, string(data))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var usage Usage
	finishReason := ""
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			break
		}

		var chunk struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
				FinishReason string `json:"finish_reason"`
			} `json:"choices"`
			Usage *struct {
				PromptTokens     int `json:"prompt_tokens"`
				CompletionTokens int `json:"completion_tokens"`
				TotalTokens      int `json:"total_tokens"`
			} `json:"usage"`
		}
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			p.log.Warn("skipping malformed SSE chunk", "provider", p.name, "error", err)
			continue
		}
		if chunk.Usage != nil {
			usage = Usage{PromptTokens: chunk.Usage.PromptTokens, CompletionTokens: chunk.Usage.CompletionTokens, TotalTokens: chunk.Usage.TotalTokens}
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				if err := handle(StreamEvent{Kind: StreamEventDelta, Delta: choice.Delta.Content}); err != nil {
					return err
				}
			}
			if choice.FinishReason != "" {
				finishReason = choice.FinishReason
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return handle(StreamEvent{Kind: StreamEventDone, FinishReason: finishReason, Usage: usage})
}
