// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package provider adapts an LLM backend to the executor's phase Provider.
//
// # Response Protocol
//
// The model answers each phase with one of:
//
//   - A line starting with "NEEDS_INPUT:" followed by a question. The
//     session is suspended until a client supplies more input.
//   - A JSON object, stored as structured phase output. Its "artifact"
//     string becomes the phase text. Phases that produce the working
//     artifact must set it; other phases may omit it.
//   - Plain text, used as the phase text verbatim (trimmed).
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/ajaypag/guest-post-workflow/services/generation/datatypes"
	"github.com/ajaypag/guest-post-workflow/services/generation/executor"
	"github.com/ajaypag/guest-post-workflow/services/llm"
)

// NeedsInputMarker prefixes a clarification request in model output.
const NeedsInputMarker = "NEEDS_INPUT:"

// maxPriorResultBytes bounds how much of each earlier phase's output is
// repeated in the prompt.
const maxPriorResultBytes = 4000

// LLMProvider implements executor.Provider on top of an llm.LLMClient.
type LLMProvider struct {
	client llm.LLMClient
	params llm.GenerationParams
}

// New creates an LLMProvider. params are applied to every call; System is
// filled in when empty.
func New(client llm.LLMClient, params llm.GenerationParams) *LLMProvider {
	if params.System == "" {
		params.System = systemPrompt
	}
	return &LLMProvider{client: client, params: params}
}

const systemPrompt = "You run one phase of a multi-phase content generation pipeline for guest posts. " +
	"Follow the phase instructions exactly and return only the phase result. " +
	"If you cannot proceed without information only the requester has, reply with a single line " +
	"starting with " + NeedsInputMarker + " followed by your question. " +
	"You may answer with a single JSON object instead of plain text; when you do and the phase " +
	"revises the draft, put the complete revised text in its \"artifact\" field."

// Generate implements executor.Provider.
func (p *LLMProvider) Generate(ctx context.Context, req executor.PhaseRequest) (executor.PhaseOutput, error) {
	raw, err := p.client.Generate(ctx, BuildPrompt(req), p.params)
	if err != nil {
		return executor.PhaseOutput{}, fmt.Errorf("%s phase generation: %w", req.Phase, err)
	}
	return ParseOutput(raw, req.ProducesArtifact)
}

// BuildPrompt renders the phase request as a single user prompt.
//
// Inputs are listed in key order so the same request always yields the
// same prompt. Earlier artifact versions are left out; the current draft
// is sent once.
func BuildPrompt(req executor.PhaseRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", req.Kind)
	fmt.Fprintf(&b, "Phase %d of %d: %s\n\n", req.PhaseIndex+1, req.TotalPhases, req.Phase)
	fmt.Fprintf(&b, "Instructions:\n%s\n", req.Instructions)

	if len(req.Inputs) > 0 {
		b.WriteString("\nInputs:\n")
		keys := make([]string, 0, len(req.Inputs))
		for k := range req.Inputs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %s\n", k, formatValue(req.Inputs[k]))
		}
	}

	for _, prior := range req.PriorResults {
		text := priorOutput(prior)
		if text == "" {
			continue
		}
		fmt.Fprintf(&b, "\nResult of phase %q:\n%s\n", prior.Phase, truncate(text, maxPriorResultBytes))
	}

	if req.Artifact != "" {
		fmt.Fprintf(&b, "\nCurrent draft:\n%s\n", req.Artifact)
	}
	return b.String()
}

// ParseOutput interprets raw model output per the response protocol.
//
// # Inputs
//
//   - raw: The model's reply.
//   - wantArtifact: The phase replaces the working artifact, so a JSON
//     reply must carry it in "artifact".
//
// # Outputs
//
//   - PhaseOutput: NeedsInput with Question, or Text and optional Structured.
//   - error: Non-nil for an empty response, an empty clarification, or a
//     JSON reply without "artifact" when wantArtifact is set.
func ParseOutput(raw string, wantArtifact bool) (executor.PhaseOutput, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return executor.PhaseOutput{}, fmt.Errorf("model returned an empty response")
	}

	if q, ok := strings.CutPrefix(text, NeedsInputMarker); ok {
		q = strings.TrimSpace(q)
		if q == "" {
			return executor.PhaseOutput{}, fmt.Errorf("model requested input without a question")
		}
		return executor.PhaseOutput{NeedsInput: true, Question: q}, nil
	}

	if body, ok := jsonObject(text); ok {
		var structured map[string]any
		if err := json.Unmarshal([]byte(body), &structured); err == nil {
			out := executor.PhaseOutput{Structured: structured}
			if artifact, ok := structured["artifact"].(string); ok && strings.TrimSpace(artifact) != "" {
				out.Text = artifact
				return out, nil
			}
			if wantArtifact {
				return executor.PhaseOutput{}, fmt.Errorf("model returned JSON without an \"artifact\" field")
			}
			out.Text = body
			return out, nil
		}
	}
	return executor.PhaseOutput{Text: text}, nil
}

// priorOutput renders the non-artifact output of an earlier phase.
func priorOutput(prior datatypes.PhaseResult) string {
	if s, ok := prior.Output["text"].(string); ok {
		return s
	}
	rest := make(map[string]any, len(prior.Output))
	for k, v := range prior.Output {
		if k != "artifact" {
			rest[k] = v
		}
	}
	if len(rest) == 0 {
		return ""
	}
	return formatValue(rest)
}

// truncate cuts s to at most limit bytes on a rune boundary.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

// jsonObject strips an optional ```json fence and reports whether what is
// left looks like a JSON object.
func jsonObject(text string) (string, bool) {
	if rest, ok := strings.CutPrefix(text, "```"); ok {
		rest = strings.TrimPrefix(rest, "json")
		if end := strings.LastIndex(rest, "```"); end >= 0 {
			text = strings.TrimSpace(rest[:end])
		}
	}
	return text, strings.HasPrefix(text, "{") && strings.HasSuffix(text, "}")
}

func formatValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(data)
	}
}

var _ executor.Provider = (*LLMProvider)(nil)
