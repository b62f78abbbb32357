// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package writeback

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ajaypag/guest-post-workflow/services/generation/datatypes"
	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func completedSession() *datatypes.GenerationSession {
	final := "polished article"
	return &datatypes.GenerationSession{
		ID:               "s1",
		ParentWorkflowID: "wf-7",
		Kind:             datatypes.KindFinalPolish,
		Status:           datatypes.StatusCompleted,
		FinalArtifact:    &final,
	}
}

func fastWriter(t *testing.T, url string) *WebhookWriter {
	t.Helper()
	w, err := NewWebhookWriter(WebhookConfig{URL: url, Token: "tok"})
	require.NoError(t, err)
	w.backoff = func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) }
	return w
}

func TestWebhookWriter_PostsPayload(t *testing.T) {
	var got Payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	require.NoError(t, fastWriter(t, srv.URL).WriteFinalArtifact(context.Background(), completedSession()))
	assert.Equal(t, "wf-7", got.WorkflowID)
	assert.Equal(t, "polished article", got.FinalArtifact)
	assert.Equal(t, datatypes.KindFinalPolish, got.Kind)
}

func TestWebhookWriter_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	require.NoError(t, fastWriter(t, srv.URL).WriteFinalArtifact(context.Background(), completedSession()))
	assert.Equal(t, int32(3), calls.Load())
}

func TestWebhookWriter_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	err := fastWriter(t, srv.URL).WriteFinalArtifact(context.Background(), completedSession())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "422")
	assert.Equal(t, int32(1), calls.Load())
}

func TestWebhookWriter_GivesUpAfterMaxTries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := fastWriter(t, srv.URL).WriteFinalArtifact(context.Background(), completedSession())
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestNewWebhookWriter_RequiresURL(t *testing.T) {
	_, err := NewWebhookWriter(WebhookConfig{})
	assert.Error(t, err)
}
