// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package providers

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestDeepSeek(t *testing.T, server *httptest.Server) *openAIShapedProvider {
	t.Helper()
	p := newDeepSeek(server.Client(), nil)
	p.baseURL = server.URL
	p.retry = RetryPolicy{MaxAttempts: 1}
	return p
}

func TestDeepSeek_Accepts(t *testing.T) {
	p := newDeepSeek(http.DefaultClient, nil)
	require.True(t, p.Accepts("deepseek-chat"))
	require.False(t, p.Accepts("gpt-4o"))
}

func TestDeepSeek_Chat_DecodesContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"hi there"},"finish_reason":"stop"}],"usage":{"prompt_tokens":10,"completion_tokens":2,"total_tokens":12}}`)
	}))
	defer server.Close()

	p := newTestDeepSeek(t, server)
	reply, err := p.Chat(context.Background(), ChatRequest{APIKey: "sk-test", Model: "deepseek-chat", Message: "hi"})
	require.NoError(t, err)
	require.Equal(t, "hi there", reply.Content)
	require.Equal(t, "stop", reply.FinishReason)
	require.Equal(t, 12, reply.Usage.TotalTokens)
}

func TestDeepSeek_Chat_AuthFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	p := newTestDeepSeek(t, server)
	_, err := p.Chat(context.Background(), ChatRequest{APIKey: "bad", Model: "deepseek-chat", Message: "hi"})
	require.ErrorIs(t, err, ErrAuthFailed)
}

func TestDeepSeek_Chat_RateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	p := newTestDeepSeek(t, server)
	_, err := p.Chat(context.Background(), ChatRequest{APIKey: "sk-test", Model: "deepseek-chat", Message: "hi"})
	var rateLimited *RateLimitedError
	require.ErrorAs(t, err, &rateLimited)
	require.Equal(t, 2, rateLimited.RetryAfterSeconds)
}

func TestDeepSeek_Stream_EmitsDeltasThenDone(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n")
		flusher.Flush()
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"},\"finish_reason\":\"stop\"}],\"usage\":{\"prompt_tokens\":3,\"completion_tokens\":2,\"total_tokens\":5}}\n\n")
		flusher.Flush()
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
	defer server.Close()

	p := newTestDeepSeek(t, server)
	var deltas []string
	var done *StreamEvent
	err := p.Stream(context.Background(), ChatRequest{APIKey: "sk-test", Model: "deepseek-chat", Message: "hi"}, func(evt StreamEvent) error {
		switch evt.Kind {
		case StreamEventDelta:
			deltas = append(deltas, evt.Delta)
		case StreamEventDone:
			e := evt
			done = &e
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"Hel", "lo"}, deltas)
	require.NotNil(t, done)
	require.Equal(t, "stop", done.FinishReason)
	require.Equal(t, 5, done.Usage.TotalTokens)
}
