// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package orchestrator

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/deepweb-ai/kernel/services/credentials"
	"github.com/deepweb-ai/kernel/services/kernel"
	"github.com/deepweb-ai/kernel/services/policy"
	"github.com/deepweb-ai/kernel/services/providers"
	"github.com/deepweb-ai/kernel/services/storage"
)

// newTestService wires a full service over an in-memory Badger store, the
// same shape New builds but without touching disk or starting a listener,
// following the teacher's httptest.NewRecorder handler-test style.
func newTestService(t *testing.T) *service {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := storage.NewStore(db)

	vault := credentials.New(store.Vault, store.Vault, slog.Default())
	require.NoError(t, vault.Initialize())

	s := &service{
		config:     Config{},
		vault:      vault,
		store:      store,
		dispatcher: kernel.NewDispatcher(policy.NewGate(), providers.NewDefaultRegistry(nil, nil), vault, store, nil, slog.Default()),
		streams:    kernel.NewStreamController(policy.NewGate(), providers.NewDefaultRegistry(nil, nil), vault, store, nil, slog.Default()),
		exports:    newJobTracker(),
		imports:    newJobTracker(),
		log:        slog.Default(),
	}
	s.initRouter()
	return s
}

func doJSON(t *testing.T, s *service, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func TestHealthCheck(t *testing.T) {
	s := newTestService(t)
	rec := doJSON(t, s, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateAndListConversations(t *testing.T) {
	s := newTestService(t)

	rec := doJSON(t, s, http.MethodPost, "/v1/conversations", createConversationBody{Title: "first"})
	require.Equal(t, http.StatusOK, rec.Code)
	var created struct {
		ConversationID string `json:"conversationId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.ConversationID)

	rec = doJSON(t, s, http.MethodGet, "/v1/conversations", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		Conversations []storage.Conversation `json:"conversations"`
		CurrentID     string                  `json:"currentId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed.Conversations, 1)
	require.Empty(t, listed.CurrentID)
}

func TestGetConversationSetsCurrent(t *testing.T) {
	s := newTestService(t)
	rec := doJSON(t, s, http.MethodPost, "/v1/conversations", createConversationBody{Title: "x"})
	var created struct {
		ConversationID string `json:"conversationId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = doJSON(t, s, http.MethodGet, "/v1/conversations/"+created.ConversationID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	current, err := s.store.CurrentConversationID()
	require.NoError(t, err)
	require.Equal(t, created.ConversationID, current)
}

func TestGetConversationNotFound(t *testing.T) {
	s := newTestService(t)
	rec := doJSON(t, s, http.MethodGet, "/v1/conversations/missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAddAndClearMessages(t *testing.T) {
	s := newTestService(t)
	rec := doJSON(t, s, http.MethodPost, "/v1/conversations", createConversationBody{Title: "x"})
	var created struct {
		ConversationID string `json:"conversationId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = doJSON(t, s, http.MethodPost, "/v1/conversations/"+created.ConversationID+"/messages", addMessageBody{
		Role:    storage.RoleUser,
		Content: "hello",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodDelete, "/v1/conversations/"+created.ConversationID+"/messages", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	conv, err := s.store.Conversations.Get(created.ConversationID)
	require.NoError(t, err)
	require.Equal(t, 0, conv.MessageCount)
}

func TestChatRejectsMalformedBody(t *testing.T) {
	s := newTestService(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat", bytes.NewReader([]byte("{not json")))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTestConnectionWithNoStoredCredentialReportsFailure(t *testing.T) {
	s := newTestService(t)
	rec := doJSON(t, s, http.MethodPost, "/v1/providers/test-connection", testConnectionRequestBody{Provider: "openai"})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.False(t, resp.Success)
	require.Contains(t, resp.Error, "no credential stored")
}

func TestCredentialStoreRejectsBadFormat(t *testing.T) {
	s := newTestService(t)
	rec := doJSON(t, s, http.MethodPost, "/v1/providers/openai/credential", credentialStoreBody{Key: "not-a-real-key"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCredentialStoreAndRemoveRoundTrip(t *testing.T) {
	s := newTestService(t)
	rec := doJSON(t, s, http.MethodPost, "/v1/providers/openai/credential", credentialStoreBody{Key: "sk-" + mockKey()})
	require.Equal(t, http.StatusOK, rec.Code)

	_, ok := s.vault.Get("openai")
	require.True(t, ok)

	rec = doJSON(t, s, http.MethodDelete, "/v1/providers/openai/credential", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	_, ok = s.vault.Get("openai")
	require.False(t, ok)
}

func TestExportImportRoundTrip(t *testing.T) {
	s := newTestService(t)
	rec := doJSON(t, s, http.MethodPost, "/v1/conversations", createConversationBody{Title: "exported"})
	var created struct {
		ConversationID string `json:"conversationId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	doJSON(t, s, http.MethodPost, "/v1/conversations/"+created.ConversationID+"/messages", addMessageBody{
		Role: storage.RoleUser, Content: "hi",
	})

	rec = doJSON(t, s, http.MethodPost, "/v1/export", exportConversationsBody{})
	require.Equal(t, http.StatusOK, rec.Code)
	var exportResp struct {
		ExportID string `json:"exportId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &exportResp))
	require.NotEmpty(t, exportResp.ExportID)

	require.Eventually(t, func() bool {
		rec := doJSON(t, s, http.MethodGet, "/v1/export/"+exportResp.ExportID, nil)
		var progress jobProgress
		_ = json.Unmarshal(rec.Body.Bytes(), &progress)
		return progress.Status == jobDone
	}, defaultEventualTimeout, defaultEventualTick)
}

const (
	defaultEventualTimeout = 2 * time.Second
	defaultEventualTick    = 10 * time.Millisecond
)

func mockKey() string {
	return "abcdefghijklmnopqrstuvwxyzABCDEF"
}
