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

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

const convPrefix = "conv/"

func convKey(id string) string { return convPrefix + id }

// Conversations is the Conversation half of the Storage Engine (spec §4.4).
//
// Given the 1000-conversation quota, secondary indexes (by_updatedAt,
// by_title, by_url) are realized as an in-memory sort/filter over a full
// prefix scan rather than physical index keys: at this bound a scan is
// cheap and it avoids maintaining index consistency by hand across every
// write path. The durability and cascading-delete semantics are unchanged.
type Conversations struct {
	db                 *DB
	msgs               *Messages
	cache              *lruCache
	onEvict            func(reason string, count int)
	quotaSoftThreshold float64
}

// NewConversations constructs the Conversation store. msgs is needed for
// cascading delete. The soft eviction threshold defaults to
// defaultQuotaSoftThreshold; Store.NewStoreWithQuota overrides it.
func NewConversations(db *DB, msgs *Messages) *Conversations {
	return &Conversations{db: db, msgs: msgs, cache: newLRUCache(50), quotaSoftThreshold: defaultQuotaSoftThreshold}
}

// OnEvict registers a callback invoked after each eviction pass with the
// reason ("archived" or "oldest_archived_fallback") and the number of
// conversations removed. Used to feed pkg/metrics without this package
// importing it directly.
func (c *Conversations) OnEvict(fn func(reason string, count int)) {
	c.onEvict = fn
}

// ListOptions controls Conversations.List.
type ListOptions struct {
	Page      int
	PageSize  int
	SortBy    string // "updatedAt" (default) or "title"
	SortDesc  bool
	Archived  *bool // nil = any
	Search    string
}

// CreateInput is the caller-supplied portion of a new Conversation.
type CreateInput struct {
	Title    string
	Metadata ConversationMetadata
}

// Create enforces maxConversations, evicting if necessary, then inserts a
// new Conversation.
func (c *Conversations) Create(in CreateInput) (Conversation, error) {
	now := time.Now().UTC()
	title := in.Title
	if len(title) > maxTitleLength {
		title = title[:maxTitleLength]
	}
	conv := Conversation{
		ID:        uuid.New().String(),
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  in.Metadata,
		State:     ConversationState{IsActive: true, LastAccessedAt: now},
	}

	err := c.db.Update(func(txn *badger.Txn) error {
		count, err := c.countLocked(txn)
		if err != nil {
			return err
		}
		softCap := int(float64(maxConversations) * c.quotaSoftThreshold)
		if softCap <= 0 || softCap > maxConversations {
			softCap = maxConversations
		}
		if count >= softCap {
			evicted, err := evictArchived(txn, evictionBatchSize)
			if err != nil {
				return err
			}
			if evicted > 0 && c.onEvict != nil {
				c.onEvict("archived", evicted)
			}
			count, err = c.countLocked(txn)
			if err != nil {
				return err
			}
			if count >= maxConversations {
				fellBack, err := evictOldestArchived(txn)
				if err != nil {
					return err
				}
				if fellBack && c.onEvict != nil {
					c.onEvict("oldest_archived_fallback", 1)
				}
			}
		}
		return putConversation(txn, conv)
	})
	if err != nil {
		return Conversation{}, err
	}
	c.cache.put(conv.ID, conv)
	return conv, nil
}

func (c *Conversations) countLocked(txn *badger.Txn) (int, error) {
	n := 0
	err := scanPrefix(txn, convPrefix, func(_ string, _ []byte) error {
		n++
		return nil
	})
	return n, err
}

// Get fetches a Conversation by id, preferring the LRU cache, and bumps
// state.lastAccessedAt.
func (c *Conversations) Get(id string) (Conversation, error) {
	if conv, ok := c.cache.get(id); ok {
		conv.State.LastAccessedAt = time.Now().UTC()
		_ = c.touchAccessed(id, conv.State.LastAccessedAt)
		return conv, nil
	}

	var conv Conversation
	err := c.db.Update(func(txn *badger.Txn) error {
		got, err := getConversation(txn, id)
		if err != nil {
			return err
		}
		got.State.LastAccessedAt = time.Now().UTC()
		conv = got
		return putConversation(txn, conv)
	})
	if err != nil {
		return Conversation{}, err
	}
	c.cache.put(id, conv)
	return conv, nil
}

func (c *Conversations) touchAccessed(id string, at time.Time) error {
	return c.db.Update(func(txn *badger.Txn) error {
		conv, err := getConversation(txn, id)
		if err != nil {
			return err
		}
		conv.State.LastAccessedAt = at
		return putConversation(txn, conv)
	})
}

// List returns conversations matching opts, paginated.
func (c *Conversations) List(opts ListOptions) ([]Conversation, error) {
	var all []Conversation
	err := c.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, convPrefix, func(_ string, value []byte) error {
			var conv Conversation
			if err := json.Unmarshal(value, &conv); err != nil {
				return err
			}
			all = append(all, conv)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	if opts.Archived != nil {
		filtered := all[:0]
		for _, conv := range all {
			if conv.Archived == *opts.Archived {
				filtered = append(filtered, conv)
			}
		}
		all = filtered
	}

	if opts.Search != "" {
		all = rankBySearch(all, opts.Search)
	} else {
		sortBy := opts.SortBy
		if sortBy == "" {
			sortBy = "updatedAt"
		}
		sort.SliceStable(all, func(i, j int) bool {
			a, b := i, j
			if opts.SortDesc {
				a, b = j, i
			}
			switch sortBy {
			case "title":
				return all[a].Title < all[b].Title
			default:
				return all[a].UpdatedAt.Before(all[b].UpdatedAt)
			}
		})
	}

	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = len(all)
	}
	page := opts.Page
	if page < 0 {
		page = 0
	}
	start := page * pageSize
	if start >= len(all) {
		return []Conversation{}, nil
	}
	end := start + pageSize
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], nil
}

// rankBySearch keeps conversations matching query (case-insensitive
// substring over title/url/tags) and orders title matches ahead of
// metadata-only matches, per SPEC_FULL.md's search-ranking supplement.
func rankBySearch(all []Conversation, query string) []Conversation {
	q := strings.ToLower(query)
	type scored struct {
		conv Conversation
		rank int // 0 = title match, 1 = metadata match
	}
	var matches []scored
	for _, conv := range all {
		titleHit := strings.Contains(strings.ToLower(conv.Title), q)
		metaHit := strings.Contains(strings.ToLower(conv.Metadata.URL), q)
		if !metaHit {
			for _, tag := range conv.Metadata.Tags {
				if strings.Contains(strings.ToLower(tag), q) {
					metaHit = true
					break
				}
			}
		}
		switch {
		case titleHit:
			matches = append(matches, scored{conv, 0})
		case metaHit:
			matches = append(matches, scored{conv, 1})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].rank < matches[j].rank })
	out := make([]Conversation, len(matches))
	for i, m := range matches {
		out[i] = m.conv
	}
	return out
}

// UpdatePatch deep-merges into the stored Conversation's metadata/state and
// optionally replaces Title/Archived.
type UpdatePatch struct {
	Title    *string
	Archived *bool
	Metadata *ConversationMetadata
	State    *ConversationState
}

// Update applies patch to conversation id, deep-merging metadata/state.
func (c *Conversations) Update(id string, patch UpdatePatch) (Conversation, error) {
	var conv Conversation
	err := c.db.Update(func(txn *badger.Txn) error {
		got, err := getConversation(txn, id)
		if err != nil {
			return err
		}
		if patch.Title != nil {
			got.Title = *patch.Title
		}
		if patch.Archived != nil {
			got.Archived = *patch.Archived
		}
		if patch.Metadata != nil {
			got.Metadata = mergeMetadata(got.Metadata, *patch.Metadata)
		}
		if patch.State != nil {
			got.State = *patch.State
		}
		got.UpdatedAt = time.Now().UTC()
		conv = got
		return putConversation(txn, conv)
	})
	if err != nil {
		return Conversation{}, err
	}
	c.cache.invalidate(id)
	return conv, nil
}

func mergeMetadata(base, patch ConversationMetadata) ConversationMetadata {
	if patch.URL != "" {
		base.URL = patch.URL
	}
	if patch.Domain != "" {
		base.Domain = patch.Domain
	}
	if patch.Tags != nil {
		base.Tags = patch.Tags
	}
	if patch.TotalCost != 0 {
		base.TotalCost = patch.TotalCost
	}
	return base
}

// Archive shallow-toggles the archived flag.
func (c *Conversations) Archive(id string, archived bool) (Conversation, error) {
	return c.Update(id, UpdatePatch{Archived: &archived})
}

// AddCost increments a conversation's totalCost and bumps updatedAt/lastMessageAt,
// used by the Dispatcher after a successful provider call.
func (c *Conversations) AddCost(id string, delta float64, lastMessage string, at time.Time) error {
	err := c.db.Update(func(txn *badger.Txn) error {
		conv, err := getConversation(txn, id)
		if err != nil {
			return err
		}
		conv.Metadata.TotalCost += delta
		conv.LastMessage = lastMessage
		conv.LastMessageAt = at
		conv.UpdatedAt = at
		return putConversation(txn, conv)
	})
	if err != nil {
		return err
	}
	c.cache.invalidate(id)
	return nil
}

// bumpOnMessage updates messageCount/lastMessage/updatedAt when a message is
// added to the conversation, called by Messages.Add.
func (c *Conversations) bumpOnMessage(txn *badger.Txn, id, preview string, at time.Time) error {
	conv, err := getConversation(txn, id)
	if err != nil {
		return err
	}
	conv.MessageCount++
	conv.LastMessage = preview
	conv.LastMessageAt = at
	conv.UpdatedAt = at
	if err := putConversation(txn, conv); err != nil {
		return err
	}
	c.cache.invalidate(id)
	return nil
}

// decrementOnMessageDelete mirrors bumpOnMessage for Messages.Delete.
func (c *Conversations) decrementOnMessageDelete(txn *badger.Txn, id string) error {
	conv, err := getConversation(txn, id)
	if err != nil {
		return err
	}
	if conv.MessageCount > 0 {
		conv.MessageCount--
	}
	conv.UpdatedAt = time.Now().UTC()
	if err := putConversation(txn, conv); err != nil {
		return err
	}
	c.cache.invalidate(id)
	return nil
}

// resetOnClear zeroes messageCount/lastMessage after Messages.Clear removes
// every message for id, leaving the conversation itself intact.
func (c *Conversations) resetOnClear(txn *badger.Txn, id string) error {
	conv, err := getConversation(txn, id)
	if err != nil {
		return err
	}
	conv.MessageCount = 0
	conv.LastMessage = ""
	conv.UpdatedAt = time.Now().UTC()
	if err := putConversation(txn, conv); err != nil {
		return err
	}
	c.cache.invalidate(id)
	return nil
}

// Delete cascades: deletes every message owned by id, then the conversation
// itself, then purges the cache entry.
func (c *Conversations) Delete(id string) error {
	err := c.db.Update(func(txn *badger.Txn) error {
		if _, err := getConversation(txn, id); err != nil {
			return err
		}
		if err := deleteAllMessagesForConversation(txn, id); err != nil {
			return err
		}
		return del(txn, convKey(id))
	})
	if err != nil {
		return err
	}
	c.cache.invalidate(id)
	return nil
}

func getConversation(txn *badger.Txn, id string) (Conversation, error) {
	data, ok, err := get(txn, convKey(id))
	if err != nil {
		return Conversation{}, err
	}
	if !ok {
		return Conversation{}, ErrNotFound
	}
	var conv Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return Conversation{}, fmt.Errorf("storage: corrupt conversation %s: %w", id, err)
	}
	return conv, nil
}

func putConversation(txn *badger.Txn, conv Conversation) error {
	data, err := json.Marshal(conv)
	if err != nil {
		return err
	}
	return set(txn, convKey(conv.ID), data)
}
