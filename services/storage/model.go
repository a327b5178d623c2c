// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned by any operation addressing a conversation or
// message id that does not exist. Callers map it to the storage_not_found
// error kind.
var ErrNotFound = errors.New("storage: not found")

// Role is the sender of a Message turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

func (r Role) valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	default:
		return false
	}
}

// ConversationMetadata is the freeform, UI-owned portion of a Conversation.
type ConversationMetadata struct {
	URL        string   `json:"url,omitempty"`
	Domain     string   `json:"domain,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	TotalCost  float64  `json:"totalCost"`
}

// ConversationState is the kernel-owned mutable state of a Conversation.
type ConversationState struct {
	IsActive       bool      `json:"isActive"`
	LastAccessedAt time.Time `json:"lastAccessedAt"`
}

// Conversation is the spec §3 Conversation entity.
type Conversation struct {
	ID            string               `json:"id"`
	Title         string               `json:"title"`
	CreatedAt     time.Time            `json:"createdAt"`
	UpdatedAt     time.Time            `json:"updatedAt"`
	MessageCount  int                  `json:"messageCount"`
	LastMessage   string               `json:"lastMessage"`
	LastMessageAt time.Time            `json:"lastMessageAt"`
	Archived      bool                 `json:"archived"`
	Metadata      ConversationMetadata `json:"metadata"`
	State         ConversationState    `json:"state"`
}

// MessageMetadata records provider/accounting facts about a turn.
type MessageMetadata struct {
	Model  string `json:"model,omitempty"`
	Tokens int    `json:"tokens,omitempty"`
}

// MessageState is UI-mutable per-message state.
type MessageState struct {
	Read   bool `json:"read"`
	Pinned bool `json:"pinned"`
	Edited bool `json:"edited"`
}

// Message is the spec §3 Message entity.
type Message struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversationId"`
	Role           Role            `json:"role"`
	Content        string          `json:"content"`
	Timestamp      time.Time       `json:"timestamp"`
	Metadata       MessageMetadata `json:"metadata"`
	State          MessageState    `json:"state"`
	Cost           float64         `json:"cost"`
}

// maxConversations is the hard cap enforced by Conversations.Create before
// eviction is attempted (spec §4.4).
const maxConversations = 1000

// defaultQuotaSoftThreshold is the fraction of maxConversations at which
// eviction starts being attempted ahead of the hard cap (spec §5 Quotas).
const defaultQuotaSoftThreshold = 0.80

// maxTitleLength bounds Conversation.Title.
const maxTitleLength = 200

// maxMessageContentLength bounds Message.Content (spec §4.4, Message.add).
const maxMessageContentLength = 100_000

// archiveAfterDays is the staleness threshold an archived conversation must
// cross before it becomes an eviction candidate (spec §4.4.1).
const archiveAfterDays = 30

// evictionBatchSize is how many eviction candidates are removed per pass.
const evictionBatchSize = 50
