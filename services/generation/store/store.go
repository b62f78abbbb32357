// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store persists generation sessions.
//
// # Description
//
// The store is the single source of truth for session state. Every other
// component reads and writes sessions only through SessionStore. Writes are
// single-row read-modify-write transactions, so the executor and the
// reclamation sweep can both act on a row without losing each other's
// updates: the loser of a race re-reads the row and re-evaluates its
// precondition.
//
// # Layout
//
//	session/<id>                  -> JSON GenerationSession
//	parent/<workflowID>/<id>      -> empty (secondary index)
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/ajaypag/guest-post-workflow/services/generation/apperrors"
	"github.com/ajaypag/guest-post-workflow/services/generation/datatypes"
	"github.com/dgraph-io/badger/v4"
)

const (
	sessionPrefix = "session/"
	parentPrefix  = "parent/"

	// maxConflictRetries bounds retries of a transaction that lost a
	// concurrent write to the same row.
	maxConflictRetries = 16
)

// ErrSkipUpdate is returned by an update mutator to abort the write. Update
// then returns the unchanged row and a nil error.
var ErrSkipUpdate = errors.New("skip update")

// MutateFunc mutates a session inside an Update transaction. It may return
// ErrSkipUpdate, or any other error to abort and propagate it.
type MutateFunc func(s *datatypes.GenerationSession) error

// ListFilter narrows List.
type ListFilter struct {
	// ParentWorkflowID restricts to one workflow's sessions.
	ParentWorkflowID string

	// ActiveOnly restricts to rows with IsActive set.
	ActiveOnly bool

	// Statuses restricts to the listed statuses. Empty means all.
	Statuses []datatypes.Status

	// Limit caps the result. 0 means unlimited.
	Limit int
}

func (f ListFilter) matches(s *datatypes.GenerationSession) bool {
	if f.ParentWorkflowID != "" && s.ParentWorkflowID != f.ParentWorkflowID {
		return false
	}
	if f.ActiveOnly && !s.IsActive {
		return false
	}
	if len(f.Statuses) > 0 {
		for _, st := range f.Statuses {
			if s.Status == st {
				return true
			}
		}
		return false
	}
	return true
}

// SessionStore is durable storage for generation sessions.
type SessionStore interface {
	// Create inserts a new row. The id must not exist.
	Create(ctx context.Context, s *datatypes.GenerationSession) error

	// Get returns the row, or a NotFoundError.
	Get(ctx context.Context, id string) (*datatypes.GenerationSession, error)

	// Update atomically reads the row, applies fn, and writes the result
	// with Version incremented and UpdatedAt refreshed.
	Update(ctx context.Context, id string, fn MutateFunc) (*datatypes.GenerationSession, error)

	// List returns rows matching f, newest first.
	List(ctx context.Context, f ListFilter) ([]*datatypes.GenerationSession, error)

	// CountByStatus returns the number of rows per status.
	CountByStatus(ctx context.Context) (map[datatypes.Status]int, error)

	// Close releases the store.
	Close() error
}

// =============================================================================
// BadgerStore
// =============================================================================

// Option configures a BadgerStore.
type Option func(*BadgerStore)

// WithInvariantChecks makes every write validate the row with
// GenerationSession.CheckInvariants before committing.
func WithInvariantChecks() Option {
	return func(s *BadgerStore) { s.strict = true }
}

// WithClock overrides time.Now for UpdatedAt.
func WithClock(now func() time.Time) Option {
	return func(s *BadgerStore) { s.now = now }
}

// BadgerStore implements SessionStore on BadgerDB.
//
// Thread Safety: Safe for concurrent use.
type BadgerStore struct {
	db     *db
	strict bool
	now    func() time.Time
	logger *slog.Logger
}

var _ SessionStore = (*BadgerStore)(nil)

// Open opens a BadgerStore.
//
// # Inputs
//
//   - cfg: Database configuration. Use InMemoryDBConfig in tests.
//   - opts: Store options.
//
// # Outputs
//
//   - *BadgerStore: The store. Caller must Close it.
//   - error: Non-nil if the database cannot be opened.
func Open(cfg DBConfig, opts ...Option) (*BadgerStore, error) {
	d, err := openDB(cfg)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &BadgerStore{db: d, now: time.Now, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// OpenInMemory opens an in-memory store with invariant checks on.
func OpenInMemory() (*BadgerStore, error) {
	return Open(InMemoryDBConfig(), WithInvariantChecks())
}

func sessionKey(id string) []byte {
	return []byte(sessionPrefix + id)
}

func parentKey(workflowID, id string) []byte {
	return []byte(parentPrefix + workflowID + "/" + id)
}

// Create implements SessionStore.
func (s *BadgerStore) Create(ctx context.Context, sess *datatypes.GenerationSession) error {
	if sess.ID == "" {
		return apperrors.NewValidationError("id", "is required")
	}
	now := s.now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now
	sess.Version = 1

	if err := s.check(sess); err != nil {
		return err
	}
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", sess.ID, err)
	}

	return s.db.withTxn(ctx, func(txn *badger.Txn) error {
		_, err := txn.Get(sessionKey(sess.ID))
		switch {
		case err == nil:
			return apperrors.NewConflictError("session", sess.ID, "", "already exists")
		case !errors.Is(err, badger.ErrKeyNotFound):
			return fmt.Errorf("check session %s: %w", sess.ID, err)
		}
		if err := txn.Set(sessionKey(sess.ID), raw); err != nil {
			return fmt.Errorf("write session %s: %w", sess.ID, err)
		}
		if sess.ParentWorkflowID != "" {
			if err := txn.Set(parentKey(sess.ParentWorkflowID, sess.ID), nil); err != nil {
				return fmt.Errorf("write parent index %s: %w", sess.ID, err)
			}
		}
		return nil
	})
}

// Get implements SessionStore.
func (s *BadgerStore) Get(ctx context.Context, id string) (*datatypes.GenerationSession, error) {
	var out *datatypes.GenerationSession
	err := s.db.withReadTxn(ctx, func(txn *badger.Txn) error {
		sess, err := readSession(txn, id)
		out = sess
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Update implements SessionStore.
//
// # Description
//
// The read, fn and write share one BadgerDB transaction. If a concurrent
// transaction committed a write to the same row first, Badger rejects the
// commit with ErrConflict and the whole read-modify-write is retried
// against the fresh row, so fn must be free of side effects other than on
// its argument.
//
// # Outputs
//
//   - *GenerationSession: The written row, or the unchanged row when fn
//     returned ErrSkipUpdate.
//   - error: NotFoundError, fn's error, or a storage error.
func (s *BadgerStore) Update(ctx context.Context, id string, fn MutateFunc) (*datatypes.GenerationSession, error) {
	for attempt := 0; ; attempt++ {
		var out *datatypes.GenerationSession
		err := s.db.withTxn(ctx, func(txn *badger.Txn) error {
			sess, err := readSession(txn, id)
			if err != nil {
				return err
			}
			before := sess.Version
			prevStatus := sess.Status
			if err := fn(sess); err != nil {
				if errors.Is(err, ErrSkipUpdate) {
					out = sess
					return ErrSkipUpdate
				}
				return err
			}
			if sess.Status != prevStatus && !prevStatus.CanTransitionTo(sess.Status) {
				return apperrors.NewConflictError("session", id, string(prevStatus),
					fmt.Sprintf("cannot move from %s to %s", prevStatus, sess.Status))
			}
			sess.ID = id
			sess.Version = before + 1
			sess.UpdatedAt = s.now().UTC()
			if err := s.check(sess); err != nil {
				return err
			}

			raw, err := json.Marshal(sess)
			if err != nil {
				return fmt.Errorf("encode session %s: %w", id, err)
			}
			if err := txn.Set(sessionKey(id), raw); err != nil {
				return fmt.Errorf("write session %s: %w", id, err)
			}
			out = sess
			return nil
		})

		switch {
		case err == nil:
			return out, nil
		case errors.Is(err, ErrSkipUpdate):
			return out, nil
		case errors.Is(err, badger.ErrConflict) && attempt < maxConflictRetries:
			s.logger.Debug("session update conflict, retrying",
				slog.String("session_id", id),
				slog.Int("attempt", attempt+1))
			continue
		default:
			return nil, err
		}
	}
}

// List implements SessionStore.
func (s *BadgerStore) List(ctx context.Context, f ListFilter) ([]*datatypes.GenerationSession, error) {
	var out []*datatypes.GenerationSession
	err := s.db.withReadTxn(ctx, func(txn *badger.Txn) error {
		if f.ParentWorkflowID != "" {
			return s.listByParent(txn, f, &out)
		}
		return scanSessions(txn, func(sess *datatypes.GenerationSession) {
			if f.matches(sess) {
				out = append(out, sess)
			}
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *BadgerStore) listByParent(txn *badger.Txn, f ListFilter, out *[]*datatypes.GenerationSession) error {
	prefix := []byte(parentPrefix + f.ParentWorkflowID + "/")
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix

	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
		id := string(it.Item().Key()[len(prefix):])
		sess, err := readSession(txn, id)
		if err != nil {
			if errors.Is(err, apperrors.ErrNotFound) {
				s.logger.Warn("dangling parent index entry", slog.String("session_id", id))
				continue
			}
			return err
		}
		if f.matches(sess) {
			*out = append(*out, sess)
		}
	}
	return nil
}

// CountByStatus implements SessionStore.
func (s *BadgerStore) CountByStatus(ctx context.Context) (map[datatypes.Status]int, error) {
	counts := make(map[datatypes.Status]int)
	err := s.db.withReadTxn(ctx, func(txn *badger.Txn) error {
		return scanSessions(txn, func(sess *datatypes.GenerationSession) {
			counts[sess.Status]++
		})
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

// Close implements SessionStore.
func (s *BadgerStore) Close() error {
	return s.db.close()
}

func (s *BadgerStore) check(sess *datatypes.GenerationSession) error {
	if !s.strict {
		return nil
	}
	if err := sess.CheckInvariants(); err != nil {
		return fmt.Errorf("session %s violates invariants: %w", sess.ID, err)
	}
	return nil
}

func readSession(txn *badger.Txn, id string) (*datatypes.GenerationSession, error) {
	item, err := txn.Get(sessionKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, apperrors.NewNotFoundError("session", id)
	}
	if err != nil {
		return nil, fmt.Errorf("read session %s: %w", id, err)
	}
	var sess datatypes.GenerationSession
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &sess)
	}); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &sess, nil
}

func scanSessions(txn *badger.Txn, visit func(*datatypes.GenerationSession)) error {
	prefix := []byte(sessionPrefix)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix

	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		var sess datatypes.GenerationSession
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &sess)
		}); err != nil {
			return fmt.Errorf("decode %s: %w", item.Key(), err)
		}
		visit(&sess)
	}
	return nil
}
