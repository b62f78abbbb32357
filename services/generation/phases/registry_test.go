// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package phases

import (
	"errors"
	"testing"

	"github.com/ajaypag/guest-post-workflow/services/generation/apperrors"
	"github.com/ajaypag/guest-post-workflow/services/generation/datatypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_CoversEveryKind(t *testing.T) {
	r := Default()
	for _, kind := range datatypes.AllKinds() {
		d, ok := r.Lookup(kind)
		require.True(t, ok, "kind %s", kind)
		assert.NotEmpty(t, d.Phases)
		assert.True(t, d.FailureStatus.IsFailure())
	}
	assert.Len(t, r.Kinds(), len(datatypes.AllKinds()))
}

func TestDefault_PhaseOrder(t *testing.T) {
	r := Default()

	tests := []struct {
		kind datatypes.Kind
		want []string
	}{
		{datatypes.KindOutline, []string{"research", "outline"}},
		{datatypes.KindArticle, []string{"planning", "drafting", "review"}},
		{datatypes.KindFinalPolish, []string{"proceed", "cleanup", "finalize"}},
		{datatypes.KindLinkOrchestration, []string{
			"internal_links", "client_mention", "client_link",
			"image_strategy", "link_requests", "url_suggestions",
		}},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			d, err := r.MustLookup(tt.kind)
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.PhaseNames())
			assert.Equal(t, len(tt.want), d.TotalPhases())
		})
	}
}

func TestDescriptor_ValidateInputs(t *testing.T) {
	d, err := Default().MustLookup(datatypes.KindLinkOrchestration)
	require.NoError(t, err)

	assert.NoError(t, d.ValidateInputs(map[string]any{"article": "text", "target_domain": "example.com"}))

	err = d.ValidateInputs(map[string]any{"article": "   "})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrValidation))
	assert.Contains(t, err.Error(), "inputs.article")
	assert.Contains(t, err.Error(), "inputs.target_domain")

	structured := map[string]any{"article": map[string]any{"body": "x"}, "target_domain": "example.com"}
	assert.NoError(t, d.ValidateInputs(structured), "non-string values only need to be non-nil")
}

func TestRegistry_MustLookupUnknown(t *testing.T) {
	_, err := Default().MustLookup("poem")
	assert.True(t, errors.Is(err, apperrors.ErrValidation))
}

func TestRegistry_RegisterRejectsBadDescriptors(t *testing.T) {
	r := NewRegistry()

	assert.Error(t, r.Register(nil))
	assert.Error(t, r.Register(&Descriptor{Kind: "x", FailureStatus: datatypes.StatusFailed}))
	assert.Error(t, r.Register(&Descriptor{
		Kind:          "x",
		FailureStatus: datatypes.StatusCompleted,
		Phases:        []PhaseSpec{{Name: "a"}},
	}))
	assert.Error(t, r.Register(&Descriptor{
		Kind:          "x",
		FailureStatus: datatypes.StatusFailed,
		Phases:        []PhaseSpec{{Name: "a"}, {Name: "a"}},
	}))
	assert.NoError(t, r.Register(&Descriptor{
		Kind:          "x",
		FailureStatus: datatypes.StatusFailed,
		Phases:        []PhaseSpec{{Name: "a"}},
	}))
}

func TestDescriptor_PhaseNameOutOfRange(t *testing.T) {
	d, _ := Default().Lookup(datatypes.KindOutline)
	assert.Equal(t, "research", d.PhaseName(0))
	assert.Equal(t, "", d.PhaseName(2))
	assert.Equal(t, "", d.PhaseName(-1))
}
