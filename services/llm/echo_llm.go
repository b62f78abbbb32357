// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"fmt"
	"strings"
)

// EchoClient returns the last non-empty line of the prompt, prefixed.
//
// It makes no network calls and is the "echo" backend for local runs and
// demos without provider credentials.
type EchoClient struct {
	Prefix string
}

// Generate implements the LLMClient interface
func (e EchoClient) Generate(ctx context.Context, prompt string, _ GenerationParams) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	lines := strings.Split(strings.TrimSpace(prompt), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	prefix := e.Prefix
	if prefix == "" {
		prefix = "echo"
	}
	return fmt.Sprintf("[%s] %s", prefix, last), nil
}

var _ LLMClient = EchoClient{}
