// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package phases holds the declarative phase table shared by the lifecycle
// manager, the executor and the progress query service.
//
// # Description
//
// Each session kind is described once: its ordered phases, the inputs it
// requires, where its seed artifact comes from, and which failure status a
// provider error records. Adding a kind means adding a Descriptor, not
// touching the executor.
package phases

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ajaypag/guest-post-workflow/services/generation/apperrors"
	"github.com/ajaypag/guest-post-workflow/services/generation/datatypes"
)

// PhaseSpec describes one step of a pipeline.
type PhaseSpec struct {
	// Name is the stable identifier stored in PhaseTimestamps.Name.
	Name string

	// Instructions are handed to the provider as the phase prompt.
	Instructions string

	// OutputArtifact marks phases whose output replaces the working artifact.
	OutputArtifact bool
}

// Descriptor is the phase table row for one kind.
type Descriptor struct {
	Kind           datatypes.Kind
	Phases         []PhaseSpec
	RequiredInputs []string

	// ArtifactKey names the input that seeds the working artifact. Empty
	// means the pipeline builds its artifact from scratch.
	ArtifactKey string

	// FailureStatus is recorded when a phase fails or the session times out.
	FailureStatus datatypes.Status
}

// TotalPhases returns len(Phases).
func (d *Descriptor) TotalPhases() int {
	return len(d.Phases)
}

// PhaseNames returns the ordered phase names.
func (d *Descriptor) PhaseNames() []string {
	names := make([]string, len(d.Phases))
	for i, p := range d.Phases {
		names[i] = p.Name
	}
	return names
}

// PhaseName returns the name of phase idx, or "" when idx is out of range.
func (d *Descriptor) PhaseName(idx int) string {
	if idx < 0 || idx >= len(d.Phases) {
		return ""
	}
	return d.Phases[idx].Name
}

// ValidateInputs checks that every required input is present and non-empty.
//
// # Description
//
// A string value counts as empty when it is blank after trimming. Any other
// value counts as empty only when it is nil. All missing fields are reported
// in one ValidationError.
//
// # Outputs
//
//   - error: *apperrors.ValidationError, or nil.
func (d *Descriptor) ValidateInputs(inputs map[string]any) error {
	var problems []*apperrors.ValidationError
	for _, key := range d.RequiredInputs {
		if isBlank(inputs[key]) {
			problems = append(problems, apperrors.NewValidationError("inputs."+key, "is required and must not be empty"))
		}
	}
	return apperrors.Join(problems)
}

func isBlank(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	default:
		return false
	}
}

// =============================================================================
// Registry
// =============================================================================

// Registry maps kinds to descriptors. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	kinds map[datatypes.Kind]*Descriptor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{kinds: make(map[datatypes.Kind]*Descriptor)}
}

// Register adds or replaces a descriptor.
func (r *Registry) Register(d *Descriptor) error {
	if d == nil || d.Kind == "" {
		return fmt.Errorf("descriptor must name a kind")
	}
	if len(d.Phases) == 0 {
		return fmt.Errorf("kind %s has no phases", d.Kind)
	}
	if !d.FailureStatus.IsFailure() {
		return fmt.Errorf("kind %s: failure status %q is not a failure state", d.Kind, d.FailureStatus)
	}
	seen := make(map[string]bool, len(d.Phases))
	for _, p := range d.Phases {
		if p.Name == "" || seen[p.Name] {
			return fmt.Errorf("kind %s: phase names must be unique and non-empty", d.Kind)
		}
		seen[p.Name] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds[d.Kind] = d
	return nil
}

// Lookup returns the descriptor for kind.
func (r *Registry) Lookup(kind datatypes.Kind) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.kinds[kind]
	return d, ok
}

// MustLookup returns the descriptor for kind or a ValidationError.
func (r *Registry) MustLookup(kind datatypes.Kind) (*Descriptor, error) {
	d, ok := r.Lookup(kind)
	if !ok {
		return nil, apperrors.NewValidationError("kind", fmt.Sprintf("%q is not a known session kind", kind))
	}
	return d, nil
}

// Kinds returns the registered kinds, sorted.
func (r *Registry) Kinds() []datatypes.Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]datatypes.Kind, 0, len(r.kinds))
	for k := range r.kinds {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// =============================================================================
// Default table
// =============================================================================

// Default returns a registry holding the built-in phase table.
func Default() *Registry {
	r := NewRegistry()
	for _, d := range defaultDescriptors() {
		if err := r.Register(d); err != nil {
			panic(err)
		}
	}
	return r
}

func defaultDescriptors() []*Descriptor {
	return []*Descriptor{
		{
			Kind:           datatypes.KindOutline,
			RequiredInputs: []string{"topic"},
			FailureStatus:  datatypes.StatusFailed,
			Phases: []PhaseSpec{
				{Name: "research", Instructions: "Research the topic: search intent, competing pages, questions readers ask, and angles worth covering."},
				{Name: "outline", Instructions: "Write a hierarchical article outline (H2/H3) from the research, with one line of intent per section.", OutputArtifact: true},
			},
		},
		{
			Kind:           datatypes.KindArticle,
			RequiredInputs: []string{"outline"},
			ArtifactKey:    "outline",
			FailureStatus:  datatypes.StatusFailed,
			Phases: []PhaseSpec{
				{Name: "planning", Instructions: "Plan the article from the outline: section order, word budget per section, and transitions."},
				{Name: "drafting", Instructions: "Draft the full article section by section following the plan.", OutputArtifact: true},
				{Name: "review", Instructions: "Review the draft for accuracy, flow and redundancy, and return the corrected article.", OutputArtifact: true},
			},
		},
		{
			Kind:           datatypes.KindSemanticAudit,
			RequiredInputs: []string{"article"},
			ArtifactKey:    "article",
			FailureStatus:  datatypes.StatusError,
			Phases: []PhaseSpec{
				{Name: "analysis", Instructions: "Analyse the article's semantic coverage of its topic and list the entities and subtopics it is missing."},
				{Name: "section_audit", Instructions: "Audit and rewrite each section to close the coverage gaps found in the analysis.", OutputArtifact: true},
				{Name: "summary", Instructions: "Summarise the changes made and return the audited article.", OutputArtifact: true},
			},
		},
		{
			Kind:           datatypes.KindFinalPolish,
			RequiredInputs: []string{"article"},
			ArtifactKey:    "article",
			FailureStatus:  datatypes.StatusError,
			Phases: []PhaseSpec{
				{Name: "proceed", Instructions: "Polish the article's wording, rhythm and readability without changing its structure.", OutputArtifact: true},
				{Name: "cleanup", Instructions: "Remove filler, fix formatting and enforce consistent heading and list style.", OutputArtifact: true},
				{Name: "finalize", Instructions: "Return the publication-ready article.", OutputArtifact: true},
			},
		},
		{
			Kind:           datatypes.KindLinkOrchestration,
			RequiredInputs: []string{"article", "target_domain"},
			ArtifactKey:    "article",
			FailureStatus:  datatypes.StatusFailed,
			Phases: []PhaseSpec{
				{Name: "internal_links", Instructions: "Insert internal links to the target domain's relevant pages.", OutputArtifact: true},
				{Name: "client_mention", Instructions: "Add a natural mention of the client brand where it fits the narrative.", OutputArtifact: true},
				{Name: "client_link", Instructions: "Place the client link with descriptive anchor text.", OutputArtifact: true},
				{Name: "image_strategy", Instructions: "Propose image placements with alt text for the article."},
				{Name: "link_requests", Instructions: "List outreach link requests for pages that could cite the article."},
				{Name: "url_suggestions", Instructions: "Suggest a URL slug and return the final linked article.", OutputArtifact: true},
			},
		},
	}
}
