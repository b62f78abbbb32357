// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import "time"

// =============================================================================
// Progress Snapshot
// =============================================================================

// ProgressSnapshot is the derived, read-only view of a session.
//
// # Description
//
// Built on every poll from the stored row; never persisted.
// PercentComplete is 0 while queued, 100 once completed, and
// CurrentPhase*100/TotalPhases otherwise.
type ProgressSnapshot struct {
	SessionID        string    `json:"session_id"`
	ParentWorkflowID string    `json:"parent_workflow_id"`
	Kind             Kind      `json:"kind"`
	Status           Status    `json:"status"`
	CurrentPhase     int       `json:"current_phase"`
	TotalPhases      int       `json:"total_phases"`
	PhaseName        string    `json:"phase_name,omitempty"`
	PercentComplete  int       `json:"percent_complete"`
	LatestArtifact   string    `json:"latest_artifact,omitempty"`
	FinalArtifact    *string   `json:"final_artifact,omitempty"`
	ErrorMessage     *string   `json:"error_message,omitempty"`
	PendingQuestion  string    `json:"pending_question,omitempty"`
	IsActive         bool      `json:"is_active"`
	UpdatedAt        time.Time `json:"updated_at"`
	Version          uint64    `json:"version"`
}

// =============================================================================
// Stream Events
// =============================================================================

// StreamEventType enumerates the events of a session stream.
type StreamEventType string

const (
	StreamEventConnected StreamEventType = "connected"
	StreamEventProgress  StreamEventType = "progress"
	StreamEventComplete  StreamEventType = "complete"
	StreamEventError     StreamEventType = "error"
)

// StreamEvent is one message on a session stream.
//
// # Description
//
// Id, CreatedAt, Hash and PrevHash are filled by the SSE writer; the
// WebSocket transport sends Id and CreatedAt only.
//
// Payload by type:
//   - connected: nil
//   - progress:  *ProgressSnapshot
//   - complete:  *CompletePayload
//   - error:     nil (see Error)
type StreamEvent struct {
	Type      StreamEventType `json:"type"`
	SessionID string          `json:"session_id"`
	Payload   any             `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
	Id        string          `json:"id,omitempty"`
	CreatedAt int64           `json:"created_at,omitempty"`
	Hash      string          `json:"hash,omitempty"`
	PrevHash  string          `json:"prev_hash,omitempty"`
}

// CompletePayload is carried by the single complete event of a stream.
type CompletePayload struct {
	Status        Status  `json:"status"`
	FinalArtifact *string `json:"final_artifact,omitempty"`
	ErrorMessage  *string `json:"error_message,omitempty"`
}

// IsFinal reports whether the event ends the stream.
func (e StreamEvent) IsFinal() bool {
	return e.Type == StreamEventComplete || e.Type == StreamEventError
}
