// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package apperrors defines the error taxonomy of the generation service.
//
// # Description
//
// Five error kinds exist. Three of them propagate synchronously to callers:
//   - ValidationError: missing or empty start input, malformed request
//   - NotFoundError: unknown session id
//   - ConflictError: operation not legal in the session's current status
//
// The other two are recorded into session state and only observed
// asynchronously through progress polling or the stream:
//   - GenerationError: the generation provider failed a phase
//   - TimeoutError: the reclamation sweep force-failed a stale session
//
// Every kind matches a sentinel through errors.Is, so callers can classify
// wrapped errors without type assertions:
//
//	if errors.Is(err, apperrors.ErrNotFound) { ... }
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Sentinels matched by the typed errors below.
var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrGeneration = errors.New("generation failed")
	ErrTimeout    = errors.New("timed out")
)

// =============================================================================
// ValidationError
// =============================================================================

// ValidationError reports a missing or malformed input field.
type ValidationError struct {
	Field  string
	Reason string
}

// NewValidationError creates a ValidationError for field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

// Is matches ErrValidation.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// =============================================================================
// NotFoundError
// =============================================================================

// NotFoundError reports that a resource does not exist.
type NotFoundError struct {
	Resource string
	ID       string
}

// NewNotFoundError creates a NotFoundError.
func NewNotFoundError(resource, id string) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: id}
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

// Is matches ErrNotFound.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// =============================================================================
// ConflictError
// =============================================================================

// ConflictError reports an operation that is illegal in the resource's
// current state, for example continuing a session that is not waiting for
// input.
type ConflictError struct {
	Resource string
	ID       string
	Current  string
	Reason   string
}

// NewConflictError creates a ConflictError. current is the observed state.
func NewConflictError(resource, id, current, reason string) *ConflictError {
	return &ConflictError{Resource: resource, ID: id, Current: current, Reason: reason}
}

func (e *ConflictError) Error() string {
	msg := fmt.Sprintf("%s %q conflict", e.Resource, e.ID)
	if e.Current != "" {
		msg += fmt.Sprintf(" (status %s)", e.Current)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// Is matches ErrConflict.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// =============================================================================
// GenerationError
// =============================================================================

// GenerationError wraps a provider failure for one phase.
//
// # Description
//
// GenerationError never reaches an HTTP caller directly. The executor
// records its message and details into the session row and stops the
// pipeline.
type GenerationError struct {
	Phase      string
	PhaseIndex int
	Cause      error
}

// NewGenerationError wraps cause for the given phase.
func NewGenerationError(phase string, index int, cause error) *GenerationError {
	return &GenerationError{Phase: phase, PhaseIndex: index, Cause: cause}
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("phase %d (%s) failed: %v", e.PhaseIndex+1, e.Phase, e.Cause)
}

// Unwrap returns the provider error.
func (e *GenerationError) Unwrap() error {
	return e.Cause
}

// Is matches ErrGeneration.
func (e *GenerationError) Is(target error) bool {
	return target == ErrGeneration
}

// Details renders the error as the errorDetails payload stored on the session.
func (e *GenerationError) Details() map[string]any {
	details := map[string]any{
		"reason":      "generation_error",
		"phase":       e.Phase,
		"phase_index": e.PhaseIndex,
	}
	if e.Cause != nil {
		details["cause"] = e.Cause.Error()
	}
	return details
}

// =============================================================================
// TimeoutError
// =============================================================================

// TimeoutError is the forced failure recorded by the reclamation sweep.
type TimeoutError struct {
	Threshold time.Duration
}

// NewTimeoutError creates a TimeoutError for the sweep threshold.
func NewTimeoutError(threshold time.Duration) *TimeoutError {
	return &TimeoutError{Threshold: threshold}
}

// Error renders "Session timed out after <threshold>", with whole minutes and
// hours spelled out ("30 minutes", "2 hours").
func (e *TimeoutError) Error() string {
	return "Session timed out after " + FormatThreshold(e.Threshold)
}

// Is matches ErrTimeout.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// FormatThreshold renders a duration in operator-friendly units.
//
// Whole hours render as "N hour(s)", whole minutes as "N minute(s)", and any
// other value falls back to time.Duration's own format.
func FormatThreshold(d time.Duration) string {
	switch {
	case d >= time.Hour && d%time.Hour == 0:
		return pluralize(int64(d/time.Hour), "hour")
	case d >= time.Minute && d%time.Minute == 0:
		return pluralize(int64(d/time.Minute), "minute")
	default:
		return d.String()
	}
}

func pluralize(n int64, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

// =============================================================================
// Classification
// =============================================================================

// HTTPStatus maps an error to the HTTP status the API returns for it.
//
// Unclassified errors map to 500; their text must not be shown to clients.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// IsUserFacing reports whether err's message is safe to return to a client.
func IsUserFacing(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict)
}

// Join collects validation problems into one ValidationError listing every
// offending field. It returns nil when errs is empty.
func Join(errs []*ValidationError) error {
	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0]
	}
	fields := make([]string, 0, len(errs))
	for _, e := range errs {
		fields = append(fields, e.Field)
	}
	return &ValidationError{
		Field:  strings.Join(fields, ", "),
		Reason: "are required and must not be empty",
	}
}
