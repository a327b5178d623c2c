// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package orchestrator

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// setupRoutes registers every route spec §6 names, grounded on the
// teacher's routes.SetupRoutes grouping under /v1, adapted from a
// RAG/document API to this kernel's chat/conversation/stream surface.
func setupRoutes(router *gin.Engine, s *service) {
	router.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	if s.config.EnableMetrics {
		router.GET("/metrics", metricsHandler())
	}

	router.GET("/deepweb-stream", s.handleStreamUpgrade)

	v1 := router.Group("/v1")
	{
		v1.POST("/chat", s.handleChat)
		v1.POST("/providers/test-connection", s.handleTestConnection)
		v1.POST("/providers/:provider/credential", s.handleCredentialStore)
		v1.DELETE("/providers/:provider/credential", s.handleCredentialRemove)

		conversations := v1.Group("/conversations")
		{
			conversations.POST("", s.handleCreateConversation)
			conversations.GET("", s.handleListConversations)
			conversations.GET("/:id", s.handleGetConversation)
			conversations.PATCH("/:id", s.handleUpdateConversation)
			conversations.DELETE("/:id", s.handleDeleteConversation)
			conversations.POST("/:id/messages", s.handleAddMessage)
			conversations.DELETE("/:id/messages", s.handleClearMessages)
			conversations.GET("/:id/search", s.handleSearchMessages)
		}

		v1.POST("/export", s.handleExportConversations)
		v1.GET("/export/:id", s.handleExportProgress)
		v1.POST("/import", s.handleImportConversations)
		v1.GET("/import/:id", s.handleImportProgress)
	}
}
