// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package storage

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// evictArchived removes up to batchSize conversations where
// archived == true AND updatedAt < now - archiveAfterDays (spec §4.4.1).
// An idle-eviction candidate ordering (SPEC_FULL.md C.3) is layered on top:
// within the archived set, the longest-idle conversations (by
// state.lastAccessedAt) are evicted first, since that better reflects which
// archived conversations the user has truly abandoned.
func evictArchived(txn *badger.Txn, batchSize int) (evicted int, err error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -archiveAfterDays)

	var candidates []Conversation
	err = scanPrefix(txn, convPrefix, func(_ string, value []byte) error {
		var conv Conversation
		if err := json.Unmarshal(value, &conv); err != nil {
			return err
		}
		if conv.Archived && conv.UpdatedAt.Before(cutoff) {
			candidates = append(candidates, conv)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].State.LastAccessedAt.Before(candidates[j].State.LastAccessedAt)
	})
	if len(candidates) > batchSize {
		candidates = candidates[:batchSize]
	}

	for _, conv := range candidates {
		if err := deleteAllMessagesForConversation(txn, conv.ID); err != nil {
			return evicted, err
		}
		if err := del(txn, convKey(conv.ID)); err != nil {
			return evicted, err
		}
		evicted++
	}
	return evicted, nil
}

// evictOldestArchived is the fallback when evictArchived's staleness cutoff
// freed nothing: it removes the single oldest archived conversation by
// updatedAt, regardless of the archiveAfterDays cutoff. It never touches an
// unarchived conversation.
func evictOldestArchived(txn *badger.Txn) (evicted bool, err error) {
	var oldest *Conversation
	err = scanPrefix(txn, convPrefix, func(_ string, value []byte) error {
		var conv Conversation
		if err := json.Unmarshal(value, &conv); err != nil {
			return err
		}
		if !conv.Archived {
			return nil
		}
		if oldest == nil || conv.UpdatedAt.Before(oldest.UpdatedAt) {
			c := conv
			oldest = &c
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if oldest == nil {
		// Nothing archived to evict; creation proceeds over quota rather
		// than implicitly evicting an unarchived conversation.
		return false, nil
	}
	if err := deleteAllMessagesForConversation(txn, oldest.ID); err != nil {
		return false, err
	}
	if err := del(txn, convKey(oldest.ID)); err != nil {
		return false, err
	}
	return true, nil
}
