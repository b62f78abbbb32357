// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package reclaim

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/ajaypag/guest-post-workflow/services/generation/datatypes"
)

// GenesisHash is the PrevHash of the first record in a chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// auditLogFileMode restricts the audit log to its owner.
const auditLogFileMode = 0600

// Operation names an audit record.
type Operation string

const (
	OpReclaim Operation = "reclaim_session"
	OpRepair  Operation = "repair_session"
	OpSweep   Operation = "sweep"
)

// AuditRecord is one line of the sweep audit log.
//
// # Hash Chain
//
// EntryHash covers every other field including PrevHash, which is the
// EntryHash of the line before. Editing or deleting a line breaks the
// chain at that point; VerifyChain reports where.
type AuditRecord struct {
	Sequence       int64  `json:"sequence"`
	Timestamp      string `json:"timestamp"`
	Operation      string `json:"operation"`
	SessionID      string `json:"session_id,omitempty"`
	Kind           string `json:"kind,omitempty"`
	PreviousStatus string `json:"previous_status,omitempty"`
	NewStatus      string `json:"new_status,omitempty"`
	Version        uint64 `json:"version,omitempty"`
	Trigger        string `json:"trigger,omitempty"`
	Threshold      string `json:"threshold,omitempty"`
	Reclaimed      int    `json:"reclaimed,omitempty"`
	Repaired       int    `json:"repaired,omitempty"`
	Scanned        int    `json:"scanned,omitempty"`
	PrevHash       string `json:"prev_hash"`
	EntryHash      string `json:"entry_hash"`
}

// AuditLog is a hash-chained JSONL file of sweep actions.
//
// Thread Safety: Safe for concurrent use. Writes are serialised.
type AuditLog struct {
	mu       sync.Mutex
	file     *os.File
	path     string
	sequence int64
	prevHash string
	now      func() time.Time
}

var _ AuditSink = (*AuditLog)(nil)

// OpenAuditLog opens path for appending and resumes its hash chain.
//
// # Limitations
//
//   - Rotation must be handled externally; a rotated file starts a new chain.
func OpenAuditLog(path string) (*AuditLog, error) {
	l := &AuditLog{path: path, prevHash: GenesisHash, now: time.Now}
	if err := l.initializeChainState(); err != nil {
		return nil, fmt.Errorf("initialize audit chain: %w", err)
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, auditLogFileMode)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	l.file = file

	slog.Info("sweep audit log opened",
		slog.String("path", path),
		slog.Int64("starting_sequence", l.sequence))
	return l, nil
}

// RecordSession implements AuditSink.
func (l *AuditLog) RecordSession(op Operation, before, after *datatypes.GenerationSession) error {
	rec := AuditRecord{
		Operation:      string(op),
		SessionID:      after.ID,
		Kind:           string(after.Kind),
		PreviousStatus: string(before.Status),
		NewStatus:      string(after.Status),
		Version:        after.Version,
	}
	return l.append(rec)
}

// RecordSweep implements AuditSink.
func (l *AuditLog) RecordSweep(result SweepResult) error {
	return l.append(AuditRecord{
		Operation: string(OpSweep),
		Trigger:   string(result.Trigger),
		Threshold: result.Threshold.String(),
		Scanned:   result.Scanned,
		Reclaimed: result.Reclaimed,
		Repaired:  result.Repaired,
	})
}

func (l *AuditLog) append(rec AuditRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return errors.New("audit log closed")
	}
	rec.Sequence = l.sequence + 1
	rec.Timestamp = l.now().UTC().Format(time.RFC3339Nano)
	rec.PrevHash = l.prevHash
	rec.EntryHash = computeRecordHash(rec)

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write audit record: %w", err)
	}

	l.sequence = rec.Sequence
	l.prevHash = rec.EntryHash
	return nil
}

// VerifyChain re-reads the file and checks every link.
//
// # Outputs
//
//   - valid: True if the whole chain verifies.
//   - breakAt: Sequence of the first bad record, or 0.
//   - error: Non-nil if the file cannot be read.
func (l *AuditLog) VerifyChain() (valid bool, breakAt int64, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	file, err := os.Open(l.path)
	if err != nil {
		return false, 0, fmt.Errorf("open audit log: %w", err)
	}
	defer file.Close()

	prev := GenesisHash
	var lastSeq int64
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var rec AuditRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return false, lastSeq + 1, nil
		}
		if rec.PrevHash != prev || computeRecordHash(rec) != rec.EntryHash {
			return false, rec.Sequence, nil
		}
		prev = rec.EntryHash
		lastSeq = rec.Sequence
	}
	if err := scanner.Err(); err != nil {
		return false, 0, fmt.Errorf("read audit log: %w", err)
	}
	return true, 0, nil
}

// Close closes the file.
func (l *AuditLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

func (l *AuditLog) initializeChainState() error {
	file, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var rec AuditRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		if rec.Sequence > 0 {
			l.sequence = rec.Sequence
			l.prevHash = rec.EntryHash
		}
	}
	return scanner.Err()
}

func computeRecordHash(rec AuditRecord) string {
	data := fmt.Sprintf("%d|%s|%s|%s|%s|%s|%s|%d|%s|%s|%d|%d|%d|%s",
		rec.Sequence,
		rec.Timestamp,
		rec.Operation,
		rec.SessionID,
		rec.Kind,
		rec.PreviousStatus,
		rec.NewStatus,
		rec.Version,
		rec.Trigger,
		rec.Threshold,
		rec.Reclaimed,
		rec.Repaired,
		rec.Scanned,
		rec.PrevHash,
	)
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}
