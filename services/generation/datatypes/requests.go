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

import (
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// MaxInputBytes bounds a single string input value (articles are the
	// largest inputs; 512KB leaves room for long-form content).
	MaxInputBytes = 512 * 1024

	// MaxInputFields bounds the number of top-level input keys.
	MaxInputFields = 64

	// MinSweepThreshold rejects sweeps that would fail healthy sessions
	// between two provider calls.
	MinSweepThreshold = time.Minute
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// requestValidate is the validator instance for request datatypes.
var requestValidate *validator.Validate

func init() {
	requestValidate = validator.New()

	// Report JSON keys in field errors so API messages name what the
	// client actually sent.
	requestValidate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	_ = requestValidate.RegisterValidation("sweepthreshold", validateThreshold)
	_ = requestValidate.RegisterValidation("boundedinputs", validateBoundedInputs)
}

func validateThreshold(fl validator.FieldLevel) bool {
	d, err := time.ParseDuration(fl.Field().String())
	return err == nil && d >= MinSweepThreshold
}

// validateBoundedInputs caps the number of keys and the size of string
// values. Nested values are left to the phase table's required-field check.
func validateBoundedInputs(fl validator.FieldLevel) bool {
	inputs, ok := fl.Field().Interface().(map[string]any)
	if !ok {
		return false
	}
	if len(inputs) > MaxInputFields {
		return false
	}
	for _, v := range inputs {
		if s, ok := v.(string); ok && len(s) > MaxInputBytes {
			return false
		}
	}
	return true
}

// =============================================================================
// Request Types
// =============================================================================

// StartSessionRequest is the body of POST /v1/sessions.
//
// # Description
//
// Shape validation happens here (known kind, workflow id present, bounded
// inputs). Whether the inputs carry the fields a kind needs is decided by
// the phase table in the lifecycle manager, so this struct does not list
// per-kind fields.
//
// # Examples
//
//	{
//	    "kind": "final-polish",
//	    "parent_workflow_id": "wf-123",
//	    "inputs": {"article": "..."}
//	}
type StartSessionRequest struct {
	Kind             Kind           `json:"kind" validate:"required,max=64"`
	ParentWorkflowID string         `json:"parent_workflow_id" validate:"required,max=128"`
	Inputs           map[string]any `json:"inputs" validate:"boundedinputs"`
}

// Validate validates the request shape. Whether Kind is known is decided
// by the phase registry when the session starts.
func (r *StartSessionRequest) Validate() error {
	if r.Inputs == nil {
		r.Inputs = map[string]any{}
	}
	return requestValidate.Struct(r)
}

// StartSessionResponse is returned by POST /v1/sessions.
type StartSessionResponse struct {
	SessionID string `json:"session_id"`
	Status    Status `json:"status"`
}

// ContinueSessionRequest is the body of POST /v1/sessions/:id/continue.
type ContinueSessionRequest struct {
	Input map[string]any `json:"input" validate:"required,min=1,boundedinputs"`
}

// Validate validates the request shape.
func (r *ContinueSessionRequest) Validate() error {
	return requestValidate.Struct(r)
}

// ContinueSessionResponse is returned by POST /v1/sessions/:id/continue.
//
// FinalArtifact is set when the resumed pipeline reached completion within
// the handler's wait window.
type ContinueSessionResponse struct {
	SessionID     string  `json:"session_id"`
	Status        Status  `json:"status"`
	FinalArtifact *string `json:"final_artifact,omitempty"`
	ErrorMessage  *string `json:"error_message,omitempty"`
}

// SweepRequest is the body of POST /v1/admin/sweep.
//
// Threshold is a Go duration string ("30m", "2h"). Empty means the
// configured default.
type SweepRequest struct {
	Threshold string `json:"threshold" validate:"omitempty,sweepthreshold"`
}

// Validate validates the request shape.
func (r *SweepRequest) Validate() error {
	return requestValidate.Struct(r)
}

// ThresholdOr parses Threshold, returning fallback when it is empty.
// Call after Validate.
func (r *SweepRequest) ThresholdOr(fallback time.Duration) time.Duration {
	if r.Threshold == "" {
		return fallback
	}
	d, err := time.ParseDuration(r.Threshold)
	if err != nil {
		return fallback
	}
	return d
}

// SweepResponse is returned by POST /v1/admin/sweep.
type SweepResponse struct {
	ReclaimedCount int    `json:"reclaimed_count"`
	RepairedCount  int    `json:"repaired_count"`
	ScannedCount   int    `json:"scanned_count"`
	Threshold      string `json:"threshold"`
}
