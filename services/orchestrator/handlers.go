// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package orchestrator

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/deepweb-ai/kernel/services/credentials"
	"github.com/deepweb-ai/kernel/services/kernel"
	"github.com/deepweb-ai/kernel/services/providers"
	"github.com/deepweb-ai/kernel/services/storage"
)

func writeError(c *gin.Context, status int, kind, message string) {
	c.JSON(status, gin.H{"error": message, "kind": kind})
}

// writeKernelError maps a Dispatcher/Stream Controller error to its HTTP
// response, using the KernelError's own Kind/Recoverable rather than
// re-deriving the mapping here (spec §7).
func writeKernelError(c *gin.Context, err error) {
	if ke, ok := err.(*kernel.KernelError); ok {
		writeError(c, httpStatusFor(string(ke.Kind)), string(ke.Kind), ke.Message)
		return
	}
	writeError(c, http.StatusInternalServerError, "provider_unavailable", err.Error())
}

func httpStatusFor(kind string) int {
	switch kind {
	case "invalid_input", "endpoint_not_allowed":
		return http.StatusBadRequest
	case "credential_missing", "credential_invalid":
		return http.StatusUnauthorized
	case "rate_limited", "provider_rate_limited":
		return http.StatusTooManyRequests
	case "storage_not_found":
		return http.StatusNotFound
	case "transport_timeout":
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// chatRequestBody is the wire shape of spec §6's chat_request.
type chatRequestBody struct {
	Message        string                   `json:"message"`
	Model          string                   `json:"model"`
	ConversationID string                   `json:"conversationId,omitempty"`
	Context        *kernel.PageContext      `json:"context,omitempty"`
	Parameters     providers.Parameters     `json:"parameters,omitempty"`
}

func (s *service) handleChat(c *gin.Context) {
	var body chatRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_input", "malformed request body")
		return
	}

	result, err := s.dispatcher.Dispatch(c.Request.Context(), kernel.ChatInput{
		ClientID:       clientID(c),
		Message:        body.Message,
		Model:          body.Model,
		ConversationID: body.ConversationID,
		Context:        body.Context,
		Parameters:     body.Parameters,
	})
	if err != nil {
		writeKernelError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":        true,
		"content":        result.Content,
		"cost":           result.Cost,
		"conversationId": result.ConversationID,
	})
}

// clientID identifies the caller for rate limiting (spec §4.2). The
// extension's process-to-process transport pins one client per connection;
// over HTTP the closest equivalent is the remote address, which is enough
// to give the Policy Gate a stable per-caller ledger key.
func clientID(c *gin.Context) string {
	return c.ClientIP()
}

type testConnectionRequestBody struct {
	Provider string `json:"provider"`
	APIKey   string `json:"apiKey,omitempty"`
}

// handleTestConnection probes a provider with either the request's apiKey
// or, if omitted, the credential already stored in the vault.
func (s *service) handleTestConnection(c *gin.Context) {
	var body testConnectionRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_input", "malformed request body")
		return
	}

	apiKey := body.APIKey
	if apiKey == "" {
		stored, ok := s.vault.Get(body.Provider)
		if !ok {
			c.JSON(http.StatusOK, gin.H{"success": false, "error": "no credential stored for " + body.Provider})
			return
		}
		apiKey = stored
	}

	if err := providers.TestConnection(c.Request.Context(), body.Provider, apiKey); err != nil {
		c.JSON(http.StatusOK, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type credentialStoreBody struct {
	Key string `json:"key"`
}

// handleCredentialStore persists a provider key (SPEC_FULL.md C.6).
func (s *service) handleCredentialStore(c *gin.Context) {
	provider := c.Param("provider")
	var body credentialStoreBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_input", "malformed request body")
		return
	}
	if !credentials.ValidateFormat(provider, body.Key) {
		writeError(c, http.StatusBadRequest, "invalid_input", "key does not match the expected provider format")
		return
	}
	if err := s.vault.Store(provider, body.Key); err != nil {
		writeError(c, http.StatusInternalServerError, "storage_quota_exceeded", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *service) handleCredentialRemove(c *gin.Context) {
	provider := c.Param("provider")
	if err := s.vault.Remove(provider); err != nil {
		writeError(c, http.StatusInternalServerError, "storage_quota_exceeded", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type createConversationBody struct {
	Title    string                         `json:"title,omitempty"`
	Metadata storage.ConversationMetadata   `json:"metadata,omitempty"`
}

func (s *service) handleCreateConversation(c *gin.Context) {
	var body createConversationBody
	_ = c.ShouldBindJSON(&body) // empty body is valid: title/metadata are optional

	conv, err := s.store.Conversations.Create(storage.CreateInput{Title: body.Title, Metadata: body.Metadata})
	if err != nil {
		writeKernelError(c, classifyStorage(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversationId": conv.ID, "conversation": conv})
}

func (s *service) handleListConversations(c *gin.Context) {
	opts := storage.ListOptions{
		SortBy: c.Query("sortBy"),
		Search: c.Query("search"),
	}
	if archived := c.Query("archived"); archived != "" {
		v := archived == "true"
		opts.Archived = &v
	}
	convs, err := s.store.Conversations.List(opts)
	if err != nil {
		writeKernelError(c, classifyStorage(err))
		return
	}
	currentID, _ := s.store.CurrentConversationID()
	c.JSON(http.StatusOK, gin.H{"conversations": convs, "currentId": currentID})
}

func (s *service) handleGetConversation(c *gin.Context) {
	id := c.Param("id")
	conv, err := s.store.Conversations.Get(id)
	if err != nil {
		writeKernelError(c, classifyStorage(err))
		return
	}
	msgs, err := s.store.Messages.List(id, storage.MessageListOptions{IncludeSystem: true})
	if err != nil {
		writeKernelError(c, classifyStorage(err))
		return
	}
	_ = s.store.SetCurrentConversationID(id)
	c.JSON(http.StatusOK, gin.H{"conversation": conv, "messages": msgs})
}

type updateConversationBody struct {
	Title    *string                        `json:"title,omitempty"`
	Archived *bool                          `json:"archived,omitempty"`
	Metadata *storage.ConversationMetadata  `json:"metadata,omitempty"`
}

func (s *service) handleUpdateConversation(c *gin.Context) {
	id := c.Param("id")
	var body updateConversationBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_input", "malformed request body")
		return
	}
	conv, err := s.store.Conversations.Update(id, storage.UpdatePatch{
		Title:    body.Title,
		Archived: body.Archived,
		Metadata: body.Metadata,
	})
	if err != nil {
		writeKernelError(c, classifyStorage(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation": conv})
}

func (s *service) handleDeleteConversation(c *gin.Context) {
	id := c.Param("id")
	if err := s.store.Conversations.Delete(id); err != nil {
		writeKernelError(c, classifyStorage(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type addMessageBody struct {
	Role     storage.Role            `json:"role"`
	Content  string                  `json:"content"`
	Metadata storage.MessageMetadata `json:"metadata,omitempty"`
	Cost     float64                 `json:"cost,omitempty"`
}

func (s *service) handleAddMessage(c *gin.Context) {
	id := c.Param("id")
	var body addMessageBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_input", "malformed request body")
		return
	}
	msg, err := s.store.Messages.Add(id, storage.AddInput{Role: body.Role, Content: body.Content, Metadata: body.Metadata, Cost: body.Cost})
	if err != nil {
		writeKernelError(c, classifyStorage(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"messageId": msg.ID})
}

func (s *service) handleClearMessages(c *gin.Context) {
	id := c.Param("id")
	if err := s.store.Messages.Clear(id); err != nil {
		writeKernelError(c, classifyStorage(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *service) handleSearchMessages(c *gin.Context) {
	id := c.Param("id")
	query := c.Query("query")
	results, err := s.store.Messages.Search(id, query, storage.MessageListOptions{IncludeSystem: true})
	if err != nil {
		writeKernelError(c, classifyStorage(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

type exportConversationsBody struct {
	ConversationIDs []string `json:"conversationIds,omitempty"`
}

func (s *service) handleExportConversations(c *gin.Context) {
	var body exportConversationsBody
	_ = c.ShouldBindJSON(&body)

	id := s.exports.start(func(id string, report func(int)) {
		bundle, err := runExport(s.store, body.ConversationIDs, report)
		if err != nil {
			s.exports.fail(id, err)
			return
		}
		s.exports.succeed(id, bundle)
	})
	c.JSON(http.StatusOK, gin.H{"exportId": id})
}

func (s *service) handleExportProgress(c *gin.Context) {
	id := c.Param("id")
	progress, ok := s.exports.get(id)
	if !ok {
		writeError(c, http.StatusNotFound, "storage_not_found", "unknown export job")
		return
	}
	c.JSON(http.StatusOK, progress)
}

func (s *service) handleImportConversations(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid_input", "could not read request body")
		return
	}
	bundle, err := decodeBundle(json.RawMessage(raw))
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}

	id := s.imports.start(func(id string, report func(int)) {
		summary, err := runImport(s.store, bundle, report)
		if err != nil {
			s.imports.fail(id, err)
			return
		}
		s.imports.succeed(id, summary)
	})
	c.JSON(http.StatusOK, gin.H{"importId": id})
}

func (s *service) handleImportProgress(c *gin.Context) {
	id := c.Param("id")
	progress, ok := s.imports.get(id)
	if !ok {
		writeError(c, http.StatusNotFound, "storage_not_found", "unknown import job")
		return
	}
	c.JSON(http.StatusOK, progress)
}

func classifyStorage(err error) error {
	if err == storage.ErrNotFound {
		return &kernel.KernelError{Kind: "storage_not_found", Message: "referenced record was not found", Recoverable: true}
	}
	return &kernel.KernelError{Kind: "storage_quota_exceeded", Message: "storage operation failed: " + err.Error(), Recoverable: true}
}
