// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ajaypag/guest-post-workflow/services/generation/apperrors"
	"github.com/ajaypag/guest-post-workflow/services/generation/datatypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BadgerStore {
	t.Helper()
	s, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func queuedSession(id, workflow string, created time.Time) *datatypes.GenerationSession {
	return &datatypes.GenerationSession{
		ID:               id,
		ParentWorkflowID: workflow,
		Kind:             datatypes.KindOutline,
		Status:           datatypes.StatusQueued,
		IsActive:         true,
		Phases:           []datatypes.PhaseTimestamps{{Name: "research"}, {Name: "outline"}},
		InputsSnapshot:   map[string]any{"topic": "badger"},
		StartedAt:        created,
		CreatedAt:        created,
	}
}

func TestBadgerStore_CreateGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.Create(ctx, queuedSession("s1", "wf1", now)))

	got, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusQueued, got.Status)
	assert.Equal(t, uint64(1), got.Version)
	assert.Equal(t, "badger", got.InputsSnapshot["topic"])

	_, err = s.Get(ctx, "missing")
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}

func TestBadgerStore_CreateDuplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, queuedSession("s1", "wf1", time.Now())))
	err := s.Create(ctx, queuedSession("s1", "wf1", time.Now()))
	assert.True(t, errors.Is(err, apperrors.ErrConflict))
}

func TestBadgerStore_Update(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, queuedSession("s1", "wf1", time.Now())))

	updated, err := s.Update(ctx, "s1", func(sess *datatypes.GenerationSession) error {
		sess.SetStatus(datatypes.StatusInProgress)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusInProgress, updated.Status)
	assert.Equal(t, uint64(2), updated.Version)

	t.Run("skip leaves the row untouched", func(t *testing.T) {
		got, err := s.Update(ctx, "s1", func(sess *datatypes.GenerationSession) error {
			sess.SetStatus(datatypes.StatusFailed)
			return ErrSkipUpdate
		})
		require.NoError(t, err)
		assert.Equal(t, uint64(2), got.Version)

		stored, err := s.Get(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, datatypes.StatusInProgress, stored.Status)
	})

	t.Run("mutator error propagates", func(t *testing.T) {
		sentinel := errors.New("precondition")
		_, err := s.Update(ctx, "s1", func(*datatypes.GenerationSession) error { return sentinel })
		assert.ErrorIs(t, err, sentinel)
	})

	t.Run("missing row", func(t *testing.T) {
		_, err := s.Update(ctx, "nope", func(*datatypes.GenerationSession) error { return nil })
		assert.True(t, errors.Is(err, apperrors.ErrNotFound))
	})

	t.Run("invariant violation is rejected", func(t *testing.T) {
		_, err := s.Update(ctx, "s1", func(sess *datatypes.GenerationSession) error {
			sess.Status = datatypes.StatusCompleted
			return nil
		})
		assert.ErrorContains(t, err, "violates invariants")
	})
}

func TestBadgerStore_UpdateRejectsIllegalTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, queuedSession("s1", "wf1", time.Now())))

	_, err := s.Update(ctx, "s1", func(sess *datatypes.GenerationSession) error {
		sess.SetStatus(datatypes.StatusCancelled)
		msg := "Session cancelled"
		sess.ErrorMessage = &msg
		return nil
	})
	require.NoError(t, err)

	_, err = s.Update(ctx, "s1", func(sess *datatypes.GenerationSession) error {
		sess.SetStatus(datatypes.StatusInProgress)
		return nil
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrConflict))

	stored, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusCancelled, stored.Status)
	assert.Equal(t, uint64(2), stored.Version)
}

func TestBadgerStore_ConcurrentUpdatesAreSerialised(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, queuedSession("s1", "wf1", time.Now())))

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := s.Update(ctx, "s1", func(sess *datatypes.GenerationSession) error {
				if sess.WorkingInput == nil {
					sess.WorkingInput = map[string]any{}
				}
				sess.WorkingInput[fmt.Sprintf("k%d", n)] = n
				return nil
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, got.WorkingInput, writers, "no write may be lost")
	assert.Equal(t, uint64(writers+1), got.Version)
}

func TestBadgerStore_List(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.Create(ctx, queuedSession("a", "wf1", base)))
	require.NoError(t, s.Create(ctx, queuedSession("b", "wf1", base.Add(time.Minute))))
	require.NoError(t, s.Create(ctx, queuedSession("c", "wf2", base.Add(2*time.Minute))))

	_, err := s.Update(ctx, "a", func(sess *datatypes.GenerationSession) error {
		sess.SetStatus(datatypes.StatusFailed)
		msg := "boom"
		sess.ErrorMessage = &msg
		return nil
	})
	require.NoError(t, err)

	all, err := s.List(ctx, ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].ID, "newest first")

	wf1, err := s.List(ctx, ListFilter{ParentWorkflowID: "wf1"})
	require.NoError(t, err)
	assert.Len(t, wf1, 2)

	active, err := s.List(ctx, ListFilter{ActiveOnly: true})
	require.NoError(t, err)
	assert.Len(t, active, 2)

	failed, err := s.List(ctx, ListFilter{Statuses: []datatypes.Status{datatypes.StatusFailed}})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "a", failed[0].ID)

	limited, err := s.List(ctx, ListFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[datatypes.StatusQueued])
	assert.Equal(t, 1, counts[datatypes.StatusFailed])
}

func TestBadgerStore_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	cfg := DefaultDBConfig(dir)
	cfg.GCInterval = 0
	s, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Create(ctx, queuedSession("durable", "wf", time.Now())))
	require.NoError(t, s.Close())

	reopened, err := Open(cfg)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get(ctx, "durable")
	require.NoError(t, err)
	assert.Equal(t, "wf", got.ParentWorkflowID)
}

func TestBadgerStore_CancelledContext(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Get(ctx, "x")
	assert.ErrorIs(t, err, context.Canceled)
}
