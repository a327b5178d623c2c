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

func newTestAnthropic(t *testing.T, server *httptest.Server) *anthropicProvider {
	t.Helper()
	p := newAnthropic(server.Client(), nil)
	p.baseURL = server.URL
	p.retry = RetryPolicy{MaxAttempts: 1}
	return p
}

func TestAnthropic_Accepts(t *testing.T) {
	p := newAnthropic(http.DefaultClient, nil)
	require.True(t, p.Accepts("claude-3-5-sonnet-20241022"))
	require.False(t, p.Accepts("gpt-4o"))
}

func TestAnthropic_Chat_UsesSystemHeaderAndKeyHeader(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "sk-ant-test", r.Header.Get("x-api-key"))
		require.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"content":[{"type":"text","text":"hello back"}],"stop_reason":"end_turn","usage":{"input_tokens":5,"output_tokens":3}}`)
	}))
	defer server.Close()

	p := newTestAnthropic(t, server)
	reply, err := p.Chat(context.Background(), ChatRequest{APIKey: "sk-ant-test", Model: "claude-3-5-sonnet", System: "be terse", Message: "hi"})
	require.NoError(t, err)
	require.Equal(t, "hello back", reply.Content)
	require.Equal(t, "end_turn", reply.FinishReason)
	require.Equal(t, 8, reply.Usage.TotalTokens)
}

func TestAnthropic_Stream_ParsesNamedEvents(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "event: message_start\ndata: {\"message\":{\"usage\":{\"input_tokens\":7}}}\n\n")
		flusher.Flush()
		fmt.Fprint(w, "event: content_block_delta\ndata: {\"delta\":{\"text\":\"Hi\"}}\n\n")
		flusher.Flush()
		fmt.Fprint(w, "event: message_delta\ndata: {\"delta\":{\"stop_reason\":\"end_turn\"},\"usage\":{\"output_tokens\":4}}\n\n")
		flusher.Flush()
	}))
	defer server.Close()

	p := newTestAnthropic(t, server)
	var deltas []string
	var done *StreamEvent
	err := p.Stream(context.Background(), ChatRequest{APIKey: "sk-ant-test", Model: "claude-3-5-sonnet", Message: "hi"}, func(evt StreamEvent) error {
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
	require.Equal(t, []string{"Hi"}, deltas)
	require.NotNil(t, done)
	require.Equal(t, "end_turn", done.FinishReason)
	require.Equal(t, 7, done.Usage.PromptTokens)
	require.Equal(t, 4, done.Usage.CompletionTokens)
}
