// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ajaypag/guest-post-workflow/services/generation/datatypes"
	"github.com/ajaypag/guest-post-workflow/services/generation/stream"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	// DefaultKeepAliveInterval is the SSE comment cadence.
	DefaultKeepAliveInterval = 15 * time.Second

	wsWriteWait = 10 * time.Second

	shuttingDownMessage = "server shutting down"
)

// Subscriber opens progress subscriptions.
type Subscriber interface {
	Subscribe(ctx context.Context, sessionID, transport string) (<-chan datatypes.StreamEvent, error)
}

var upgrader = websocket.Upgrader{
	// The UI is served from the workflow app's origin, not ours.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 64 * 1024,
}

// StreamSSE handles GET /v1/sessions/:id/stream.
//
// # Description
//
// Relays the session's stream events as Server-Sent Events until a
// complete or error event, or until the client disconnects. Disconnecting
// only ends the subscription; the session keeps running.
//
// # Inputs
//
//   - sub: Stream bridge.
//   - keepAlive: Comment cadence. Zero uses DefaultKeepAliveInterval.
func StreamSSE(sub Subscriber, keepAlive time.Duration) gin.HandlerFunc {
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAliveInterval
	}
	return func(c *gin.Context) {
		sessionID := c.Param("id")
		ctx, cancel := context.WithCancel(c.Request.Context())
		defer cancel()

		events, err := sub.Subscribe(ctx, sessionID, "sse")
		if err != nil {
			respondSubscribeError(c, err)
			return
		}

		SetSSEHeaders(c.Writer)
		c.Status(http.StatusOK)
		writer, err := NewSSEWriter(c.Writer)
		if err != nil {
			slog.Error("SSE not supported by response writer", "error", err)
			return
		}

		ticker := time.NewTicker(keepAlive)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				slog.Debug("SSE client disconnected", "session_id", sessionID)
				return
			case <-ticker.C:
				if err := writer.WriteKeepAlive(); err != nil {
					return
				}
			case ev, ok := <-events:
				if !ok {
					if ctx.Err() == nil {
						_ = writer.WriteError(sessionID, shuttingDownMessage)
					}
					return
				}
				if err := writer.WriteEvent(ev); err != nil {
					slog.Debug("SSE write failed", "session_id", sessionID, "error", err)
					return
				}
				if ev.IsFinal() {
					return
				}
			}
		}
	}
}

// StreamWebSocket handles GET /v1/sessions/:id/ws.
//
// # Description
//
// Same event sequence as StreamSSE, sent as one JSON text frame per event.
// Frames from the client are read and discarded; a read error means the
// client went away and ends the subscription. The server closes with a
// normal-closure frame after the final event.
func StreamWebSocket(sub Subscriber) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Param("id")
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("failed to upgrade the websocket", "error", err)
			return
		}
		defer ws.Close()

		ctx, cancel := context.WithCancel(c.Request.Context())
		defer cancel()

		events, err := sub.Subscribe(ctx, sessionID, "ws")
		if err != nil {
			msg := internalErrorMessage
			if errors.Is(err, stream.ErrRegistryClosed) {
				msg = shuttingDownMessage
			}
			_ = sendJSON(ws, datatypes.StreamEvent{Type: datatypes.StreamEventError, SessionID: sessionID, Error: msg})
			return
		}

		go func() {
			defer cancel()
			for {
				if _, _, err := ws.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-ctx.Done():
				slog.Debug("websocket client disconnected", "session_id", sessionID)
				return
			case ev, ok := <-events:
				if !ok {
					if ctx.Err() == nil {
						_ = sendJSON(ws, datatypes.StreamEvent{Type: datatypes.StreamEventError, SessionID: sessionID, Error: shuttingDownMessage})
						_ = ws.WriteControl(websocket.CloseMessage,
							websocket.FormatCloseMessage(websocket.CloseGoingAway, shuttingDownMessage),
							time.Now().Add(wsWriteWait))
					}
					return
				}
				if err := sendJSON(ws, ev); err != nil {
					return
				}
				if ev.IsFinal() {
					_ = ws.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(ev.Type)),
						time.Now().Add(wsWriteWait))
					return
				}
			}
		}
	}
}

func sendJSON(ws *websocket.Conn, v any) error {
	_ = ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	err := ws.WriteJSON(v)
	if err != nil {
		slog.Warn("Failed to write WebSocket JSON", "error", err)
	}
	return err
}

func respondSubscribeError(c *gin.Context, err error) {
	if errors.Is(err, stream.ErrRegistryClosed) {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, ErrorResponse{Error: shuttingDownMessage})
		return
	}
	respondError(c, err)
}
