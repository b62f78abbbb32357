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
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ajaypag/guest-post-workflow/services/generation/reclaim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mapLookup(m map[string]string) lookupFunc {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := loadConfig("", mapLookup(nil))
	require.NoError(t, err)
	assert.Equal(t, 12310, cfg.Port)
	assert.True(t, cfg.SweepEnabled)
	assert.Equal(t, "openai", cfg.LLMBackend)
	assert.Equal(t, "./logs/sweep_audit.log", cfg.AuditLogPath)
}

func TestLoadConfig_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "generation.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: 9000
llm_backend: echo
sweep_threshold: 45m
sweep_enabled: false
data_dir: /var/lib/generation
openai_max_tokens: 1500
openai_stop: ["</article>"]
`), 0600))

	cfg, err := loadConfig(path, mapLookup(map[string]string{
		"GENERATION_PORT":            "9100",
		"OPENAI_BASE_URL":            "http://vllm:8000/v1",
		"GENERATION_WRITEBACK_TOKEN": "secret",
		"GENERATION_PHASE_TIMEOUT":   "3m",
		"LLM_BACKEND_TYPE":           "",
		"OPENAI_TEMPERATURE":         "0.2",
	}))
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Port, "env wins over file")
	assert.Equal(t, "echo", cfg.LLMBackend, "empty env leaves file value")
	assert.Equal(t, 45*time.Minute, cfg.SweepThreshold)
	assert.False(t, cfg.SweepEnabled)
	assert.Equal(t, "/var/lib/generation", cfg.DataDir)
	assert.Equal(t, "http://vllm:8000/v1", cfg.OpenAIBaseURL)
	assert.Equal(t, "secret", cfg.WritebackToken)
	assert.Equal(t, 3*time.Minute, cfg.PhaseTimeout)
	require.NotNil(t, cfg.OpenAITemperature)
	assert.Equal(t, float32(0.2), *cfg.OpenAITemperature)
	assert.Equal(t, 1500, cfg.OpenAIMaxTokens)
	assert.Equal(t, []string{"</article>"}, cfg.OpenAIStop)
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"), mapLookup(nil))
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("port: [1, 2"), 0600))
	_, err = loadConfig(bad, mapLookup(nil))
	assert.Error(t, err)

	_, err = loadConfig("", mapLookup(map[string]string{"GENERATION_PORT": "eighty"}))
	assert.ErrorContains(t, err, "GENERATION_PORT")

	_, err = loadConfig("", mapLookup(map[string]string{"OPENAI_TEMPERATURE": "warm"}))
	assert.ErrorContains(t, err, "OPENAI_TEMPERATURE")

	_, err = loadConfig("", mapLookup(map[string]string{"GENERATION_SWEEP_INTERVAL": "often"}))
	assert.ErrorContains(t, err, "GENERATION_SWEEP_INTERVAL")
}

func TestAuditVerifyCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sweep_audit.log")
	log, err := reclaim.OpenAuditLog(path)
	require.NoError(t, err)
	require.NoError(t, log.RecordSweep(reclaim.SweepResult{Trigger: reclaim.TriggerCLI, Threshold: time.Hour}))
	require.NoError(t, log.Close())

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"audit", "verify", "--path", path, "--log-format", "json", "--log-level", "error"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "audit chain OK")
}

func TestSweepCommand_EmptyStore(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("GENERATION_DATA_DIR", filepath.Join(dir, "data"))

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"sweep", "--threshold", "10m", "--no-audit", "--log-level", "error"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "scanned=0 reclaimed=0 repaired=0 threshold=10m0s")
}

func TestRootCmd_RejectsUnknownLogFormat(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"audit", "verify", "--log-format", "xml"})
	assert.ErrorContains(t, cmd.Execute(), "xml")
}
