// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package generation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ajaypag/guest-post-workflow/services/generation/datatypes"
	"github.com/ajaypag/guest-post-workflow/services/generation/executor"
	"github.com/ajaypag/guest-post-workflow/services/generation/reclaim"
	"github.com/ajaypag/guest-post-workflow/services/llm"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturingWriter struct {
	mu       sync.Mutex
	sessions []*datatypes.GenerationSession
}

func (w *capturingWriter) WriteFinalArtifact(_ context.Context, s *datatypes.GenerationSession) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sessions = append(w.sessions, s)
	return nil
}

func (w *capturingWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.sessions)
}

// blockingProvider holds every phase until release is called.
func blockingProvider() (executor.ProviderFunc, func()) {
	gate := make(chan struct{})
	var once sync.Once
	prov := func(ctx context.Context, req executor.PhaseRequest) (executor.PhaseOutput, error) {
		select {
		case <-gate:
		case <-ctx.Done():
			return executor.PhaseOutput{}, ctx.Err()
		}
		return executor.PhaseOutput{Text: req.Phase}, nil
	}
	return prov, func() { once.Do(func() { close(gate) }) }
}

func testConfig() Config {
	return Config{
		InMemory:           true,
		LLMBackend:         "echo",
		GinMode:            gin.TestMode,
		StreamPollInterval: 10 * time.Millisecond,
		ContinueWait:       time.Millisecond,
	}
}

func newTestService(t *testing.T, cfg Config, opts ...Option) Service {
	t.Helper()
	opts = append([]Option{WithRegistry(prometheus.NewRegistry())}, opts...)
	svc, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })
	return svc
}

func serve(t *testing.T, svc Service, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	svc.Router().ServeHTTP(w, httptest.NewRequest(method, path, strings.NewReader(body)))
	return w
}

func TestApplyConfigDefaults(t *testing.T) {
	cfg := applyConfigDefaults(Config{})
	assert.Equal(t, 12310, cfg.Port)
	assert.Equal(t, "openai", cfg.LLMBackend)
	assert.Equal(t, "none", cfg.TraceExporter)
	assert.Equal(t, reclaim.DefaultThreshold, cfg.SweepThreshold)
	assert.Equal(t, 5*time.Minute, cfg.SweepInterval)
	assert.False(t, cfg.SweepEnabled)

	assert.Equal(t, "otel-collector:4317", cfg.OTelEndpoint)
	assert.True(t, DefaultConfig().SweepEnabled)

	kept := applyConfigDefaults(Config{Port: 9000, SweepThreshold: time.Hour})
	assert.Equal(t, 9000, kept.Port)
	assert.Equal(t, time.Hour, kept.SweepThreshold)
}

func TestGenerationParams(t *testing.T) {
	assert.Equal(t, llm.GenerationParams{}, generationParams(Config{}))

	temp := float32(0.3)
	params := generationParams(Config{OpenAITemperature: &temp, OpenAIMaxTokens: 2048, OpenAIStop: []string{"END"}})
	require.NotNil(t, params.Temperature)
	assert.Equal(t, float32(0.3), *params.Temperature)
	require.NotNil(t, params.MaxTokens)
	assert.Equal(t, 2048, *params.MaxTokens)
	assert.Nil(t, params.TopP)
	assert.Equal(t, []string{"END"}, params.Stop)
}

func TestService_EndToEndWithEchoBackend(t *testing.T) {
	writer := &capturingWriter{}
	svc := newTestService(t, testConfig(), WithWorkflowWriter(writer))

	w := serve(t, svc, http.MethodPost, "/v1/sessions",
		`{"kind":"final-polish","parent_workflow_id":"wf-1","inputs":{"article":"Rough draft."}}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var started datatypes.StartSessionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &started))

	var snap datatypes.ProgressSnapshot
	require.Eventually(t, func() bool {
		p := serve(t, svc, http.MethodGet, "/v1/sessions/"+started.SessionID+"/progress", "")
		if p.Code != http.StatusOK {
			return false
		}
		snap = datatypes.ProgressSnapshot{}
		return json.Unmarshal(p.Body.Bytes(), &snap) == nil && snap.Status == datatypes.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	require.NotNil(t, snap.FinalArtifact)
	assert.True(t, strings.HasPrefix(*snap.FinalArtifact, "[echo] "), *snap.FinalArtifact)
	assert.Equal(t, 100, snap.PercentComplete)
	assert.Eventually(t, func() bool { return writer.count() == 1 }, time.Second, 5*time.Millisecond)

	m := serve(t, svc, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, m.Code)
	assert.Contains(t, m.Body.String(), `generation_sessions_finished_total{kind="final-polish",status="completed"} 1`)
}

func TestService_SweepEndpointUsesClock(t *testing.T) {
	later := func() time.Time { return time.Now().Add(3 * time.Hour) }
	prov, release := blockingProvider()
	svc := newTestService(t, testConfig(), WithClock(later), WithProvider(prov))
	t.Cleanup(release)

	w := serve(t, svc, http.MethodPost, "/v1/sessions",
		`{"kind":"outline","parent_workflow_id":"wf-2","inputs":{"topic":"tides"}}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	sweep := serve(t, svc, http.MethodPost, "/v1/admin/sweep", `{"threshold":"1h"}`)
	require.Equal(t, http.StatusOK, sweep.Code, sweep.Body.String())
	var resp datatypes.SweepResponse
	require.NoError(t, json.Unmarshal(sweep.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.ReclaimedCount)
}

func TestService_AuditLogWritten(t *testing.T) {
	cfg := testConfig()
	cfg.AuditLogPath = filepath.Join(t.TempDir(), "sweep_audit.log")
	svc := newTestService(t, cfg)

	w := serve(t, svc, http.MethodPost, "/v1/admin/sweep", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NoError(t, svc.Shutdown(context.Background()))

	audit, err := reclaim.OpenAuditLog(cfg.AuditLogPath)
	require.NoError(t, err)
	defer audit.Close()
	valid, _, err := audit.VerifyChain()
	require.NoError(t, err)
	assert.True(t, valid)
}

func TestNew_RejectsUnknownBackendAndExporter(t *testing.T) {
	cfg := testConfig()
	cfg.LLMBackend = "carrier-pigeon"
	_, err := New(cfg, WithRegistry(prometheus.NewRegistry()))
	assert.ErrorContains(t, err, "carrier-pigeon")

	cfg = testConfig()
	cfg.TraceExporter = "smoke-signals"
	_, err = New(cfg, WithRegistry(prometheus.NewRegistry()))
	assert.ErrorContains(t, err, "smoke-signals")
}

func TestService_ShutdownIsIdempotent(t *testing.T) {
	svc := newTestService(t, testConfig())
	require.NoError(t, svc.Shutdown(context.Background()))
	require.NoError(t, svc.Shutdown(context.Background()))
}
