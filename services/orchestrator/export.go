// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package orchestrator

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/deepweb-ai/kernel/services/storage"
	"github.com/google/uuid"
)

// jobStatus is an export/import job's lifecycle state (SPEC_FULL.md §C
// export/import supplement).
type jobStatus string

const (
	jobRunning jobStatus = "running"
	jobDone    jobStatus = "done"
	jobFailed  jobStatus = "failed"
)

// jobProgress is what get_export_progress/get_import_progress reports.
type jobProgress struct {
	Status   jobStatus `json:"status"`
	Percent  int       `json:"percent"`
	Error    string    `json:"error,omitempty"`
	Result   any       `json:"result,omitempty"` // export: archiveBundle; import: importSummary
}

// jobTracker runs export/import work in a background goroutine and reports
// progress by id, grounded on the teacher's ttl.TTLScheduler background-
// goroutine-plus-status pattern, scaled down to an in-memory map since a
// kernel process's export/import jobs don't need to survive a restart.
type jobTracker struct {
	mu   sync.Mutex
	jobs map[string]*jobProgress
}

func newJobTracker() *jobTracker {
	return &jobTracker{jobs: make(map[string]*jobProgress)}
}

// start launches run in a background goroutine and returns its job id. run
// receives its own id (for fail/succeed) and a report callback for
// incremental progress.
func (t *jobTracker) start(run func(id string, report func(percent int))) string {
	id := uuid.New().String()
	t.mu.Lock()
	t.jobs[id] = &jobProgress{Status: jobRunning}
	t.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				t.fail(id, fmt.Errorf("job panicked: %v", r))
			}
		}()
		run(id, func(percent int) { t.setPercent(id, percent) })
	}()
	return id
}

func (t *jobTracker) setPercent(id string, percent int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if j, ok := t.jobs[id]; ok {
		j.Percent = percent
	}
}

func (t *jobTracker) succeed(id string, result any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if j, ok := t.jobs[id]; ok {
		j.Status = jobDone
		j.Percent = 100
		j.Result = result
	}
}

func (t *jobTracker) fail(id string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if j, ok := t.jobs[id]; ok {
		j.Status = jobFailed
		j.Error = err.Error()
	}
}

func (t *jobTracker) get(id string) (jobProgress, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	j, ok := t.jobs[id]
	if !ok {
		return jobProgress{}, false
	}
	return *j, true
}

// archiveBundle is the on-the-wire export format: every selected
// conversation plus its full message history, self-contained so
// import_conversations needs nothing but this document.
type archiveBundle struct {
	Conversations []archivedConversation `json:"conversations"`
}

type archivedConversation struct {
	Conversation storage.Conversation `json:"conversation"`
	Messages     []storage.Message    `json:"messages"`
}

// runExport snapshots every conversation (or conversationIds, if given)
// into an archiveBundle.
func runExport(store *storage.Store, conversationIDs []string, report func(int)) (archiveBundle, error) {
	var convs []storage.Conversation
	if len(conversationIDs) > 0 {
		for _, id := range conversationIDs {
			conv, err := store.Conversations.Get(id)
			if err != nil {
				return archiveBundle{}, err
			}
			convs = append(convs, conv)
		}
	} else {
		all, err := store.Conversations.List(storage.ListOptions{})
		if err != nil {
			return archiveBundle{}, err
		}
		convs = all
	}

	bundle := archiveBundle{Conversations: make([]archivedConversation, 0, len(convs))}
	for i, conv := range convs {
		msgs, err := store.Messages.List(conv.ID, storage.MessageListOptions{IncludeSystem: true})
		if err != nil {
			return archiveBundle{}, err
		}
		bundle.Conversations = append(bundle.Conversations, archivedConversation{Conversation: conv, Messages: msgs})
		if len(convs) > 0 {
			report((i + 1) * 100 / len(convs))
		}
	}
	return bundle, nil
}

// importSummary is what get_import_progress reports on success.
type importSummary struct {
	ConversationsImported int `json:"conversationsImported"`
	MessagesImported      int `json:"messagesImported"`
}

// runImport re-creates every conversation and message in bundle as new
// records: ids are not reused, since the source install's ids may collide
// with this one's.
func runImport(store *storage.Store, bundle archiveBundle, report func(int)) (importSummary, error) {
	var summary importSummary
	total := len(bundle.Conversations)
	for i, entry := range bundle.Conversations {
		conv, err := store.Conversations.Create(storage.CreateInput{
			Title:    entry.Conversation.Title,
			Metadata: entry.Conversation.Metadata,
		})
		if err != nil {
			return summary, fmt.Errorf("orchestrator: import conversation %q: %w", entry.Conversation.Title, err)
		}
		summary.ConversationsImported++

		for _, msg := range entry.Messages {
			if _, err := store.Messages.Add(conv.ID, storage.AddInput{
				Role:     msg.Role,
				Content:  msg.Content,
				Metadata: msg.Metadata,
				Cost:     msg.Cost,
			}); err != nil {
				slog.Warn("orchestrator: skipped message during import", "conversation", conv.ID, "error", err)
				continue
			}
			summary.MessagesImported++
		}
		if total > 0 {
			report((i + 1) * 100 / total)
		}
	}
	return summary, nil
}

// decodeBundle parses a raw JSON archive, used by the import_conversations
// handler before handing work to runImport.
func decodeBundle(raw json.RawMessage) (archiveBundle, error) {
	var bundle archiveBundle
	if err := json.Unmarshal(raw, &bundle); err != nil {
		return archiveBundle{}, fmt.Errorf("orchestrator: malformed import archive: %w", err)
	}
	return bundle, nil
}
