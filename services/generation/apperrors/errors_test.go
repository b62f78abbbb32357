// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusOK},
		{"validation", NewValidationError("inputs.topic", "is required"), http.StatusBadRequest},
		{"wrapped not found", fmt.Errorf("load: %w", NewNotFoundError("session", "s1")), http.StatusNotFound},
		{"conflict", NewConflictError("session", "s1", "completed", "not awaiting input"), http.StatusConflict},
		{"generation", NewGenerationError("drafting", 1, errors.New("boom")), http.StatusInternalServerError},
		{"plain", errors.New("disk full"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}

func TestSentinelMatching(t *testing.T) {
	cause := errors.New("provider 503")
	genErr := NewGenerationError("outline", 1, cause)

	assert.True(t, errors.Is(genErr, ErrGeneration))
	assert.True(t, errors.Is(genErr, cause), "cause must stay reachable through Unwrap")
	assert.False(t, errors.Is(genErr, ErrTimeout))
	assert.True(t, errors.Is(NewTimeoutError(time.Minute), ErrTimeout))
	assert.Equal(t, "phase 2 (outline) failed: provider 503", genErr.Error())
	assert.Equal(t, "outline", genErr.Details()["phase"])
}

func TestTimeoutError_Message(t *testing.T) {
	tests := []struct {
		threshold time.Duration
		want      string
	}{
		{30 * time.Minute, "Session timed out after 30 minutes"},
		{time.Minute, "Session timed out after 1 minute"},
		{2 * time.Hour, "Session timed out after 2 hours"},
		{90 * time.Minute, "Session timed out after 90 minutes"},
		{45 * time.Second, "Session timed out after 45s"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, NewTimeoutError(tt.threshold).Error())
		})
	}
}

func TestIsUserFacing(t *testing.T) {
	assert.True(t, IsUserFacing(NewValidationError("kind", "is unknown")))
	assert.True(t, IsUserFacing(NewNotFoundError("session", "x")))
	assert.False(t, IsUserFacing(errors.New("badger: closed")))
}

func TestJoin(t *testing.T) {
	assert.Nil(t, Join(nil))

	single := NewValidationError("inputs.article", "is required")
	assert.Same(t, single, Join([]*ValidationError{single}))

	joined := Join([]*ValidationError{
		NewValidationError("inputs.article", "is required"),
		NewValidationError("inputs.target_domain", "is required"),
	})
	assert.True(t, errors.Is(joined, ErrValidation))
	assert.Contains(t, joined.Error(), "inputs.article, inputs.target_domain")
}
