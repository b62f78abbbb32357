// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/ajaypag/guest-post-workflow/services/generation"
	"gopkg.in/yaml.v3"
)

// lookupFunc reads one environment variable.
type lookupFunc func(key string) (string, bool)

var envLookup lookupFunc = os.LookupEnv

// loadConfig layers defaults, the optional YAML file, then environment
// variables. Later layers win.
//
// # Environment
//
//	GENERATION_PORT, GENERATION_DATA_DIR, LLM_BACKEND_TYPE, OPENAI_MODEL,
//	OPENAI_BASE_URL, OPENAI_TEMPERATURE, OPENAI_MAX_TOKENS,
//	GENERATION_MAX_CONCURRENT, GENERATION_PHASE_TIMEOUT,
//	GENERATION_SWEEP_ENABLED, GENERATION_SWEEP_INTERVAL,
//	GENERATION_SWEEP_THRESHOLD, GENERATION_AUDIT_LOG,
//	GENERATION_WRITEBACK_URL, GENERATION_WRITEBACK_TOKEN,
//	GENERATION_TRACE_EXPORTER, OTEL_EXPORTER_OTLP_ENDPOINT
func loadConfig(path string, lookup lookupFunc) (generation.Config, error) {
	cfg := generation.DefaultConfig()
	cfg.AuditLogPath = "./logs/sweep_audit.log"

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read the config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse the config file %s: %w", path, err)
		}
	}

	env := envReader{lookup: lookup}
	env.int("GENERATION_PORT", &cfg.Port)
	env.string("GENERATION_DATA_DIR", &cfg.DataDir)
	env.string("LLM_BACKEND_TYPE", &cfg.LLMBackend)
	env.string("OPENAI_MODEL", &cfg.OpenAIModel)
	env.string("OPENAI_BASE_URL", &cfg.OpenAIBaseURL)
	env.float32("OPENAI_TEMPERATURE", &cfg.OpenAITemperature)
	env.int("OPENAI_MAX_TOKENS", &cfg.OpenAIMaxTokens)
	env.int64("GENERATION_MAX_CONCURRENT", &cfg.MaxConcurrent)
	env.duration("GENERATION_PHASE_TIMEOUT", &cfg.PhaseTimeout)
	env.bool("GENERATION_SWEEP_ENABLED", &cfg.SweepEnabled)
	env.duration("GENERATION_SWEEP_INTERVAL", &cfg.SweepInterval)
	env.duration("GENERATION_SWEEP_THRESHOLD", &cfg.SweepThreshold)
	env.string("GENERATION_AUDIT_LOG", &cfg.AuditLogPath)
	env.string("GENERATION_WRITEBACK_URL", &cfg.WritebackURL)
	env.string("GENERATION_WRITEBACK_TOKEN", &cfg.WritebackToken)
	env.string("GENERATION_TRACE_EXPORTER", &cfg.TraceExporter)
	env.string("OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.OTelEndpoint)
	if env.err != nil {
		return cfg, env.err
	}
	return cfg, nil
}

// envReader applies set variables and remembers the first parse error.
type envReader struct {
	lookup lookupFunc
	err    error
}

func (e *envReader) raw(key string) (string, bool) {
	v, ok := e.lookup(key)
	return v, ok && v != ""
}

func (e *envReader) fail(key, value string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("invalid %s=%q: %w", key, value, err)
	}
}

func (e *envReader) string(key string, dst *string) {
	if v, ok := e.raw(key); ok {
		*dst = v
	}
}

func (e *envReader) int(key string, dst *int) {
	if v, ok := e.raw(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) int64(key string, dst *int64) {
	if v, ok := e.raw(key); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) float32(key string, dst **float32) {
	if v, ok := e.raw(key); ok {
		f, err := strconv.ParseFloat(v, 32)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		f32 := float32(f)
		*dst = &f32
	}
}

func (e *envReader) bool(key string, dst *bool) {
	if v, ok := e.raw(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = b
	}
}

func (e *envReader) duration(key string, dst *time.Duration) {
	if v, ok := e.raw(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = d
	}
}
