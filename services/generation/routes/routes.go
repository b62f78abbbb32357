// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"net/http"
	"time"

	"github.com/ajaypag/guest-post-workflow/services/generation/handlers"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Dependencies are the collaborators the routes are wired to.
type Dependencies struct {
	Sessions handlers.SessionService
	Progress handlers.ProgressService
	Streams  handlers.Subscriber
	Sweeper  handlers.Sweeper

	// Gatherer backs /metrics. Nil uses the prometheus default registry.
	Gatherer prometheus.Gatherer
}

// Options tunes route behaviour.
type Options struct {
	ContinueWait          time.Duration
	ContinuePollInterval  time.Duration
	KeepAliveInterval     time.Duration
	DefaultSweepThreshold time.Duration
	StartRatePerSecond    float64
	StartBurst            int
}

// SetupRoutes registers every endpoint on router.
//
// # Routes
//
//	GET  /health
//	GET  /metrics
//	POST /v1/sessions
//	GET  /v1/sessions/:id
//	GET  /v1/sessions/:id/progress
//	GET  /v1/sessions/:id/stream
//	GET  /v1/sessions/:id/ws
//	POST /v1/sessions/:id/continue
//	POST /v1/sessions/:id/cancel
//	GET  /v1/workflows/:workflowId/sessions
//	POST /v1/admin/sweep
func SetupRoutes(router *gin.Engine, deps Dependencies, opts Options) {
	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(metricsHandler(deps.Gatherer)))

	v1 := router.Group("/v1")
	{
		sessions := v1.Group("/sessions")
		{
			sessions.POST("", handlers.RateLimit(opts.StartRatePerSecond, opts.StartBurst),
				handlers.StartSession(deps.Sessions))
			sessions.GET("/:id", handlers.GetSession(deps.Sessions))
			sessions.GET("/:id/progress", handlers.GetProgress(deps.Progress))
			sessions.GET("/:id/stream", handlers.StreamSSE(deps.Streams, opts.KeepAliveInterval))
			sessions.GET("/:id/ws", handlers.StreamWebSocket(deps.Streams))
			sessions.POST("/:id/continue", handlers.ContinueSession(deps.Sessions, handlers.ContinueConfig{
				Wait:         opts.ContinueWait,
				PollInterval: opts.ContinuePollInterval,
			}))
			sessions.POST("/:id/cancel", handlers.CancelSession(deps.Sessions))
		}

		v1.GET("/workflows/:workflowId/sessions", handlers.ListWorkflowSessions(deps.Sessions))

		admin := v1.Group("/admin")
		{
			admin.POST("/sweep", handlers.Sweep(deps.Sweeper, opts.DefaultSweepThreshold))
		}
	}
}

func metricsHandler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
