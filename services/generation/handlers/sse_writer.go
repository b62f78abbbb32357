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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ajaypag/guest-post-workflow/services/generation/datatypes"
	"github.com/google/uuid"
)

// =============================================================================
// SSE Writer
// =============================================================================

// SSEWriter writes session stream events in Server-Sent Events format.
//
// # Description
//
// Every event gets an id, a creation timestamp and a hash that covers the
// previous event's hash, so a client can detect a dropped or altered event
// by recomputing the chain.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; the keepalive ticker and
// the event relay write from different goroutines.
type SSEWriter interface {
	// WriteEvent writes one event and flushes.
	//
	// # Inputs
	//
	//   - event: Event to write. Id, CreatedAt, Hash and PrevHash are set here.
	//
	// # Outputs
	//
	//   - error: Non-nil if marshaling or writing failed.
	WriteEvent(event datatypes.StreamEvent) error

	// WriteError writes an error event. The stream should be closed after.
	WriteError(sessionID, errMsg string) error

	// WriteKeepAlive sends an SSE comment line.
	//
	// # Description
	//
	// Comments are ignored by EventSource clients but keep proxies
	// (Nginx, ALB default 60s idle) from closing a quiet stream. Progress
	// polls can be minutes apart while a long phase runs.
	//
	// # Limitations
	//
	//   - Does not advance the hash chain.
	WriteKeepAlive() error
}

type sseWriter struct {
	writer   http.ResponseWriter
	flusher  http.Flusher
	prevHash string
	now      func() time.Time
	mu       sync.Mutex
}

// NewSSEWriter wraps w. It fails if w cannot flush.
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &sseWriter{
		writer:  w,
		flusher: flusher,
		now:     time.Now,
	}, nil
}

func (w *sseWriter) WriteEvent(event datatypes.StreamEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	event.Id = uuid.New().String()
	event.CreatedAt = w.now().UnixMilli()
	event.PrevHash = w.prevHash
	hash, err := computeEventHash(event)
	if err != nil {
		return err
	}
	event.Hash = hash
	w.prevHash = event.Hash

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(w.writer, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	w.flusher.Flush()
	return nil
}

func (w *sseWriter) WriteError(sessionID, errMsg string) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type:      datatypes.StreamEventError,
		SessionID: sessionID,
		Error:     errMsg,
	})
}

func (w *sseWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := fmt.Fprint(w.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// computeEventHash hashes every event field except Hash itself.
func computeEventHash(event datatypes.StreamEvent) (string, error) {
	payload := ""
	if event.Payload != nil {
		data, err := json.Marshal(event.Payload)
		if err != nil {
			return "", fmt.Errorf("marshal payload: %w", err)
		}
		payload = string(data)
	}
	input := fmt.Sprintf("%s|%s|%d|%s|%s|%s|%s",
		event.Id,
		event.Type,
		event.CreatedAt,
		event.PrevHash,
		event.SessionID,
		event.Error,
		payload,
	)
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:]), nil
}

// SetSSEHeaders sets the headers an event stream needs.
//
// X-Accel-Buffering disables Nginx response buffering.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

var _ SSEWriter = (*sseWriter)(nil)
