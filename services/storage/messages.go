// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package storage

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

func msgPrefix(conversationID string) string { return "msg/" + conversationID + "/" }
func msgKey(conversationID, id string) string { return msgPrefix(conversationID) + id }

const previewLength = 120

// Messages is the Message half of the Storage Engine (spec §4.4). Keys are
// namespaced under their owning conversation (msg/<conversationId>/<id>),
// which makes by_conversation a free prefix scan; by_timestamp and by_role
// are realized as an in-memory sort/filter, for the reasons given on
// Conversations.
type Messages struct {
	db    *DB
	convs *Conversations // wired in by NewStore, for parent bookkeeping
}

// NewMessages constructs the Message store. The Conversations backreference
// is set by NewStore to resolve the natural construction cycle, since each
// store needs the other for cascading writes.
func NewMessages(db *DB) *Messages {
	return &Messages{db: db}
}

// bindConversations is called once by NewStore to complete the two-way
// wiring between Conversations and Messages.
func (m *Messages) bindConversations(c *Conversations) { m.convs = c }

// AddInput is the caller-supplied portion of a new Message.
type AddInput struct {
	Role     Role
	Content  string
	Metadata MessageMetadata
	Cost     float64
}

// Add validates role and length, verifies the parent conversation exists,
// inserts the message, and bumps the parent's messageCount/lastMessage/
// updatedAt in the same transaction.
func (m *Messages) Add(conversationID string, in AddInput) (Message, error) {
	if !in.Role.valid() {
		return Message{}, fmt.Errorf("storage: invalid message role %q", in.Role)
	}
	if utf8.RuneCountInString(in.Content) > maxMessageContentLength {
		return Message{}, fmt.Errorf("storage: message content exceeds %d code points", maxMessageContentLength)
	}

	now := time.Now().UTC()
	msg := Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Role:           in.Role,
		Content:        in.Content,
		Timestamp:      now,
		Metadata:       in.Metadata,
		Cost:           in.Cost,
	}

	err := m.db.Update(func(txn *badger.Txn) error {
		if _, err := getConversation(txn, conversationID); err != nil {
			return err
		}
		if err := putMessage(txn, msg); err != nil {
			return err
		}
		return m.convs.bumpOnMessage(txn, conversationID, preview(in.Content), now)
	})
	if err != nil {
		return Message{}, err
	}
	return msg, nil
}

func preview(content string) string {
	runes := []rune(content)
	if len(runes) <= previewLength {
		return content
	}
	return string(runes[:previewLength])
}

// MessageListOptions controls Messages.List.
type MessageListOptions struct {
	PageSize      int
	SortDesc      bool
	Role          Role // zero value = any
	IncludeSystem bool
}

// List returns messages for conversationID, newest-last by default.
func (m *Messages) List(conversationID string, opts MessageListOptions) ([]Message, error) {
	var all []Message
	err := m.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, msgPrefix(conversationID), func(_ string, value []byte) error {
			var msg Message
			if err := json.Unmarshal(value, &msg); err != nil {
				return err
			}
			all = append(all, msg)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	filtered := all[:0]
	for _, msg := range all {
		if msg.Role == RoleSystem && !opts.IncludeSystem && opts.Role == "" {
			continue
		}
		if opts.Role != "" && msg.Role != opts.Role {
			continue
		}
		filtered = append(filtered, msg)
	}
	all = filtered

	sort.Slice(all, func(i, j int) bool {
		if opts.SortDesc {
			return all[i].Timestamp.After(all[j].Timestamp)
		}
		return all[i].Timestamp.Before(all[j].Timestamp)
	})

	if opts.PageSize > 0 && len(all) > opts.PageSize {
		all = all[:opts.PageSize]
	}
	return all, nil
}

// LastN returns the last n messages of conversationID in chronological
// order, used by the Dispatcher to load prior turns (spec §4.5 step 5).
func (m *Messages) LastN(conversationID string, n int) ([]Message, error) {
	all, err := m.List(conversationID, MessageListOptions{SortDesc: true, IncludeSystem: true})
	if err != nil {
		return nil, err
	}
	if len(all) > n {
		all = all[:n]
	}
	// all is newest-first; reverse to chronological order.
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	return all, nil
}

// SearchResult pairs a matched Message with a window of context around the
// first hit (SPEC_FULL.md C.4).
type SearchResult struct {
	Message      Message
	MatchContext string
}

const matchContextRadius = 40

// Search performs a linear, case-insensitive substring scan over a
// conversation's messages.
func (m *Messages) Search(conversationID, query string, opts MessageListOptions) ([]SearchResult, error) {
	msgs, err := m.List(conversationID, opts)
	if err != nil {
		return nil, err
	}
	q := strings.ToLower(query)
	var results []SearchResult
	for _, msg := range msgs {
		lower := strings.ToLower(msg.Content)
		idx := strings.Index(lower, q)
		if idx < 0 {
			continue
		}
		start := idx - matchContextRadius
		if start < 0 {
			start = 0
		}
		end := idx + len(q) + matchContextRadius
		if end > len(msg.Content) {
			end = len(msg.Content)
		}
		results = append(results, SearchResult{Message: msg, MatchContext: msg.Content[start:end]})
	}
	return results, nil
}

// Update replaces a message's content/state, marking it edited.
func (m *Messages) Update(conversationID, id string, content string, state MessageState) (Message, error) {
	var msg Message
	err := m.db.Update(func(txn *badger.Txn) error {
		got, err := getMessage(txn, conversationID, id)
		if err != nil {
			return err
		}
		if content != "" {
			got.Content = content
			state.Edited = true
		}
		got.State = state
		msg = got
		return putMessage(txn, msg)
	})
	return msg, err
}

// Delete removes a message and decrements the parent's messageCount.
func (m *Messages) Delete(conversationID, id string) error {
	return m.db.Update(func(txn *badger.Txn) error {
		if _, err := getMessage(txn, conversationID, id); err != nil {
			return err
		}
		if err := del(txn, msgKey(conversationID, id)); err != nil {
			return err
		}
		return m.convs.decrementOnMessageDelete(txn, conversationID)
	})
}

// Clear removes every message belonging to conversationID, resetting the
// parent's messageCount and lastMessage fields, without deleting the
// conversation itself (spec §6 messages_clear).
func (m *Messages) Clear(conversationID string) error {
	return m.db.Update(func(txn *badger.Txn) error {
		if _, err := getConversation(txn, conversationID); err != nil {
			return err
		}
		if err := deleteAllMessagesForConversation(txn, conversationID); err != nil {
			return err
		}
		return m.convs.resetOnClear(txn, conversationID)
	})
}

func deleteAllMessagesForConversation(txn *badger.Txn, conversationID string) error {
	var keys []string
	if err := scanPrefix(txn, msgPrefix(conversationID), func(key string, _ []byte) error {
		keys = append(keys, key)
		return nil
	}); err != nil {
		return err
	}
	for _, key := range keys {
		if err := del(txn, key); err != nil {
			return err
		}
	}
	return nil
}

func getMessage(txn *badger.Txn, conversationID, id string) (Message, error) {
	data, ok, err := get(txn, msgKey(conversationID, id))
	if err != nil {
		return Message{}, err
	}
	if !ok {
		return Message{}, ErrNotFound
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("storage: corrupt message %s: %w", id, err)
	}
	return msg, nil
}

func putMessage(txn *badger.Txn, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return set(txn, msgKey(msg.ConversationID, msg.ID), data)
}
