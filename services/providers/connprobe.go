// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	openai "github.com/sashabaranov/go-openai"
)

// TestConnection performs a live, minimal credential probe against the
// named provider's API (spec §6 test_api_connection). This is distinct from
// ValidateKey's offline structural check: it actually calls the provider
// and reports whether apiKey is live and authorized.
func TestConnection(ctx context.Context, providerName, apiKey string) error {
	switch providerName {
	case "openai":
		return probeOpenAIShaped(ctx, apiKey, "")
	case "deepseek":
		return probeOpenAIShaped(ctx, apiKey, "https://api.deepseek.com/v1")
	case "anthropic":
		return probeAnthropic(ctx, apiKey)
	default:
		return fmt.Errorf("providers: unknown provider %q", providerName)
	}
}

// probeHTTPClient is the transport every probe issues requests through;
// tests swap it for a server pointed at httptest.Server.
var probeHTTPClient = http.DefaultClient

// probeOpenAIShaped uses the go-openai SDK's ListModels call against
// baseURL (empty selects the SDK's OpenAI default). Listing models costs no
// completion tokens, unlike probing via Chat, and a 401 surfaces the same
// way an invalid key would on a real chat call.
func probeOpenAIShaped(ctx context.Context, apiKey, baseURL string) error {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	cfg.HTTPClient = probeHTTPClient
	client := openai.NewClientWithConfig(cfg)
	if _, err := client.ListModels(ctx); err != nil {
		return fmt.Errorf("providers: connection test failed: %w", err)
	}
	return nil
}

// probeAnthropic issues a one-token Messages call, since Anthropic exposes
// no models-listing endpoint cheap enough to double as a key check.
func probeAnthropic(ctx context.Context, apiKey string) error {
	body, err := json.Marshal(anthropicRequestBody{
		Model:     "claude-3-haiku-20240307",
		Messages:  []anthropicMessage{{Role: "user", Content: "hi"}},
		MaxTokens: 1,
	})
	if err != nil {
		return fmt.Errorf("providers: build connection test request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://api.anthropic.com/v1/messages", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("providers: build connection test request: %w", err)
	}
	req.Header.Set("content-type", "application/json")
	req.Header.Set("x-api-key", apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := probeHTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("providers: connection test failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return ErrAuthFailed
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("providers: connection test returned status %d", resp.StatusCode)
	}
	return nil
}
