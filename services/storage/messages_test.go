// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package storage

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMessages_Add_UpdatesParentCounters(t *testing.T) {
	store := newTestStore(t)
	conv, err := store.Conversations.Create(CreateInput{Title: "t"})
	require.NoError(t, err)

	_, err = store.Messages.Add(conv.ID, AddInput{Role: RoleUser, Content: "hello there"})
	require.NoError(t, err)

	got, err := store.Conversations.Get(conv.ID)
	require.NoError(t, err)
	require.Equal(t, 1, got.MessageCount)
	require.Equal(t, "hello there", got.LastMessage)
}

func TestMessages_Add_RejectsInvalidRole(t *testing.T) {
	store := newTestStore(t)
	conv, err := store.Conversations.Create(CreateInput{Title: "t"})
	require.NoError(t, err)

	_, err = store.Messages.Add(conv.ID, AddInput{Role: "moderator", Content: "x"})
	require.Error(t, err)
}

func TestMessages_Add_RejectsOversizeContent(t *testing.T) {
	store := newTestStore(t)
	conv, err := store.Conversations.Create(CreateInput{Title: "t"})
	require.NoError(t, err)

	_, err = store.Messages.Add(conv.ID, AddInput{Role: RoleUser, Content: strings.Repeat("a", maxMessageContentLength+1)})
	require.Error(t, err)

	accepted, err := store.Messages.Add(conv.ID, AddInput{Role: RoleUser, Content: strings.Repeat("a", maxMessageContentLength)})
	require.NoError(t, err)
	require.Len(t, []rune(accepted.Content), maxMessageContentLength)
}

func TestMessages_Add_RequiresExistingParent(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Messages.Add("missing-conversation", AddInput{Role: RoleUser, Content: "x"})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMessages_LastN_ReturnsChronologicalOrder(t *testing.T) {
	store := newTestStore(t)
	conv, err := store.Conversations.Create(CreateInput{Title: "t"})
	require.NoError(t, err)

	for i := 0; i < 8; i++ {
		_, err := store.Messages.Add(conv.ID, AddInput{Role: RoleUser, Content: string(rune('a' + i))})
		require.NoError(t, err)
	}

	last6, err := store.Messages.LastN(conv.ID, 6)
	require.NoError(t, err)
	require.Len(t, last6, 6)
	require.Equal(t, "c", last6[0].Content)
	require.Equal(t, "h", last6[5].Content)
}

func TestMessages_Search_ReturnsMatchContext(t *testing.T) {
	store := newTestStore(t)
	conv, err := store.Conversations.Create(CreateInput{Title: "t"})
	require.NoError(t, err)

	_, err = store.Messages.Add(conv.ID, AddInput{Role: RoleAssistant, Content: "the quick brown fox jumps over the lazy dog"})
	require.NoError(t, err)

	results, err := store.Messages.Search(conv.ID, "brown fox", MessageListOptions{IncludeSystem: true})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Contains(t, results[0].MatchContext, "brown fox")
}

func TestMessages_Delete_DecrementsParentCount(t *testing.T) {
	store := newTestStore(t)
	conv, err := store.Conversations.Create(CreateInput{Title: "t"})
	require.NoError(t, err)

	msg, err := store.Messages.Add(conv.ID, AddInput{Role: RoleUser, Content: "x"})
	require.NoError(t, err)

	require.NoError(t, store.Messages.Delete(conv.ID, msg.ID))

	got, err := store.Conversations.Get(conv.ID)
	require.NoError(t, err)
	require.Equal(t, 0, got.MessageCount)
}

func TestMessages_List_ExcludesSystemByDefault(t *testing.T) {
	store := newTestStore(t)
	conv, err := store.Conversations.Create(CreateInput{Title: "t"})
	require.NoError(t, err)

	_, err = store.Messages.Add(conv.ID, AddInput{Role: RoleSystem, Content: "sys"})
	require.NoError(t, err)
	_, err = store.Messages.Add(conv.ID, AddInput{Role: RoleUser, Content: "user"})
	require.NoError(t, err)

	visible, err := store.Messages.List(conv.ID, MessageListOptions{})
	require.NoError(t, err)
	require.Len(t, visible, 1)
	require.Equal(t, RoleUser, visible[0].Role)

	withSystem, err := store.Messages.List(conv.ID, MessageListOptions{IncludeSystem: true})
	require.NoError(t, err)
	require.Len(t, withSystem, 2)
}

func TestMessages_Clear_RemovesMessagesAndResetsCounters(t *testing.T) {
	store := newTestStore(t)
	conv, err := store.Conversations.Create(CreateInput{Title: "t"})
	require.NoError(t, err)

	_, err = store.Messages.Add(conv.ID, AddInput{Role: RoleUser, Content: "one"})
	require.NoError(t, err)
	_, err = store.Messages.Add(conv.ID, AddInput{Role: RoleAssistant, Content: "two"})
	require.NoError(t, err)

	require.NoError(t, store.Messages.Clear(conv.ID))

	msgs, err := store.Messages.List(conv.ID, MessageListOptions{IncludeSystem: true})
	require.NoError(t, err)
	require.Empty(t, msgs)

	got, err := store.Conversations.Get(conv.ID)
	require.NoError(t, err)
	require.Equal(t, 0, got.MessageCount)
	require.Equal(t, "", got.LastMessage)
}

func TestMessages_Clear_UnknownConversationReturnsNotFound(t *testing.T) {
	store := newTestStore(t)
	require.ErrorIs(t, store.Messages.Clear("missing"), ErrNotFound)
}
