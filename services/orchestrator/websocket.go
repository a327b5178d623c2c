// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package orchestrator

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/deepweb-ai/kernel/services/kernel"
	"github.com/deepweb-ai/kernel/services/providers"
)

// streamUpgrader accepts any origin, matching the teacher's
// handlers.upgrader: the browser extension's content-script origin is not
// known ahead of time, and Policy Gate's §4.2 allow-list governs outbound
// provider calls, not this inbound connection.
var streamUpgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// clientStreamMessage is the wire shape of the two messages clients send
// over `deepweb-stream` (spec §6.B).
type clientStreamMessage struct {
	Type           string              `json:"type"` // "start_stream" | "cancel_stream"
	Message        string              `json:"message,omitempty"`
	Model          string              `json:"model,omitempty"`
	ConversationID string              `json:"conversationId,omitempty"`
	Context        *kernel.PageContext  `json:"context,omitempty"`
	Parameters     providers.Parameters `json:"parameters,omitempty"`
	StreamID       string               `json:"streamId,omitempty"`
}

// wireEvent is ClientEvent's JSON encoding sent to the client.
type wireEvent struct {
	Type         string  `json:"type"`
	StreamID     string  `json:"streamId,omitempty"`
	Delta        string  `json:"delta,omitempty"`
	Name         string  `json:"name,omitempty"`
	DelayMs      int64   `json:"delayMs,omitempty"`
	Attempt      int     `json:"attempt,omitempty"`
	Content      string  `json:"content,omitempty"`
	Cost         float64 `json:"cost,omitempty"`
	FinishReason string  `json:"finishReason,omitempty"`
	Message      string  `json:"message,omitempty"`
	Recoverable  bool    `json:"recoverable,omitempty"`

	ID        string `json:"id"`
	CreatedAt string `json:"createdAt"`
	Hash      string `json:"hash"`
	PrevHash  string `json:"prevHash,omitempty"`
}

func toWireEvent(e kernel.ClientEvent) wireEvent {
	return wireEvent{
		Type:         string(e.Kind),
		StreamID:     e.StreamID,
		Delta:        e.Delta,
		Name:         e.Name,
		DelayMs:      e.DelayMs,
		Attempt:      e.Attempt,
		Content:      e.Content,
		Cost:         e.Cost,
		FinishReason: e.FinishReason,
		Message:      e.Message,
		Recoverable:  e.Recoverable,
		ID:           e.ID,
		CreatedAt:    e.CreatedAt.Format(time.RFC3339Nano),
		Hash:         e.Hash,
		PrevHash:     e.PrevHash,
	}
}

// handleStreamUpgrade serves the deepweb-stream duplex channel: one
// websocket connection carries every start_stream/cancel_stream exchange
// for a given client (spec §6.B), grounded on the teacher's
// HandleChatWebSocket read-loop shape.
func (s *service) handleStreamUpgrade(c *gin.Context) {
	conn, err := streamUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// gorilla/websocket forbids concurrent writers; the streaming goroutine
	// and this read loop's error path can both call sink.
	var writeMu sync.Mutex
	sink := func(e kernel.ClientEvent) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := conn.WriteJSON(toWireEvent(e)); err != nil {
			s.log.Warn("websocket write failed", "error", err)
		}
	}

	client := clientID(c)
	for {
		var msg clientStreamMessage
		if err := conn.ReadJSON(&msg); err != nil {
			s.log.Info("websocket client disconnected", "error", err)
			return
		}

		switch msg.Type {
		case "start_stream":
			in := kernel.StartStreamInput{
				ClientID:       client,
				Message:        msg.Message,
				Model:          msg.Model,
				ConversationID: msg.ConversationID,
				Context:        msg.Context,
				Parameters:     msg.Parameters,
			}
			if _, err := s.streams.StartStream(c.Request.Context(), in, sink); err != nil {
				sink(kernel.ClientEvent{Kind: kernel.EventError, Message: err.Error(), Recoverable: true})
			}
		case "cancel_stream":
			s.streams.CancelStream(msg.StreamID)
		default:
			sink(kernel.ClientEvent{Kind: kernel.EventError, Message: "unknown message type: " + msg.Type, Recoverable: true})
		}
	}
}
