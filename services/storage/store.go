// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package storage

import "github.com/dgraph-io/badger/v4"

const currentConversationKey = "current_conversation_id"

// Store bundles the two collections the Dispatcher and external surfaces
// depend on, plus the vault-facing key/value adapter, all over one Badger
// handle.
type Store struct {
	DB            *DB
	Conversations *Conversations
	Messages      *Messages
	Vault         *VaultStore
}

// NewStore wires Conversations and Messages against db, resolving their
// mutual dependency (Conversations needs Messages for cascading delete;
// Messages needs Conversations for parent bookkeeping on add/delete), with
// the hard maxConversations cap.
func NewStore(db *DB) *Store {
	return NewStoreWithQuota(db, defaultQuotaSoftThreshold)
}

// NewStoreWithQuota is NewStore with an explicit eviction soft-threshold
// (spec §5 Quotas), the fraction of maxConversations at which
// Conversations.Create starts evicting archived conversations rather than
// waiting for the hard cap.
func NewStoreWithQuota(db *DB, quotaSoftThreshold float64) *Store {
	messages := NewMessages(db)
	conversations := NewConversations(db, messages)
	conversations.quotaSoftThreshold = quotaSoftThreshold
	messages.bindConversations(conversations)
	return &Store{
		DB:            db,
		Conversations: conversations,
		Messages:      messages,
		Vault:         NewVaultStore(db),
	}
}

// Close releases the backing Badger handle.
func (s *Store) Close() error {
	return s.DB.Close()
}

// CurrentConversationID returns the `currentConversationId` persisted state
// named in spec §6, or "" if none has been set yet.
func (s *Store) CurrentConversationID() (string, error) {
	var id string
	err := s.DB.View(func(txn *badger.Txn) error {
		v, ok, err := get(txn, currentConversationKey)
		if err != nil || !ok {
			return err
		}
		id = string(v)
		return nil
	})
	return id, err
}

// SetCurrentConversationID persists the UI's active conversation pointer.
func (s *Store) SetCurrentConversationID(id string) error {
	return s.DB.Update(func(txn *badger.Txn) error {
		return set(txn, currentConversationKey, []byte(id))
	})
}
