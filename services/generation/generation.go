// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package generation assembles the generation session service.
//
// # Description
//
// A generation session runs a fixed sequence of LLM phases (outline,
// article, semantic audit, final polish, link orchestration) for a parent
// workflow in the background. This package wires the store, executor,
// lifecycle manager, progress and stream services, the reclamation sweep
// and the HTTP routes into one Service.
//
// # Examples
//
//	svc, err := generation.New(generation.Config{Port: 12310, DataDir: "./data"})
//	if err != nil {
//	    return err
//	}
//	return svc.Run(ctx)
package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ajaypag/guest-post-workflow/services/generation/executor"
	"github.com/ajaypag/guest-post-workflow/services/generation/lifecycle"
	"github.com/ajaypag/guest-post-workflow/services/generation/observability"
	"github.com/ajaypag/guest-post-workflow/services/generation/phases"
	"github.com/ajaypag/guest-post-workflow/services/generation/progress"
	"github.com/ajaypag/guest-post-workflow/services/generation/provider"
	"github.com/ajaypag/guest-post-workflow/services/generation/reclaim"
	"github.com/ajaypag/guest-post-workflow/services/generation/routes"
	"github.com/ajaypag/guest-post-workflow/services/generation/store"
	"github.com/ajaypag/guest-post-workflow/services/generation/stream"
	"github.com/ajaypag/guest-post-workflow/services/generation/writeback"
	"github.com/ajaypag/guest-post-workflow/services/llm"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const serviceName = "generation-service"

// Service is the runnable generation service.
type Service interface {
	// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
	Run(ctx context.Context) error

	// Router exposes the gin engine, mainly for tests.
	Router() *gin.Engine

	// Shutdown releases every resource. Safe to call more than once.
	Shutdown(ctx context.Context) error
}

// Config holds service configuration. Zero values take defaults from
// applyConfigDefaults. yaml tags are the keys of the --config file.
type Config struct {
	Port    int    `yaml:"port"`
	GinMode string `yaml:"gin_mode"`

	// DataDir holds the BadgerDB files. Ignored when InMemory is set.
	DataDir  string `yaml:"data_dir"`
	InMemory bool   `yaml:"in_memory"`

	// LLMBackend is "openai" (any OpenAI-compatible server) or "echo".
	LLMBackend    string `yaml:"llm_backend"`
	OpenAIModel   string `yaml:"openai_model"`
	OpenAIBaseURL string `yaml:"openai_base_url"`

	// Sampling settings sent with every phase call. Nil or zero leaves the
	// server default.
	OpenAITemperature *float32 `yaml:"openai_temperature"`
	OpenAITopP        *float32 `yaml:"openai_top_p"`
	OpenAIMaxTokens   int      `yaml:"openai_max_tokens"`
	OpenAIStop        []string `yaml:"openai_stop"`

	MaxConcurrent int64         `yaml:"max_concurrent"`
	PhaseTimeout  time.Duration `yaml:"phase_timeout"`

	StreamPollInterval time.Duration `yaml:"stream_poll_interval"`
	KeepAliveInterval  time.Duration `yaml:"keepalive_interval"`
	ContinueWait       time.Duration `yaml:"continue_wait"`

	// SweepEnabled starts the periodic sweep in Run. It has no default;
	// start from DefaultConfig to get it on.
	SweepEnabled   bool          `yaml:"sweep_enabled"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	SweepThreshold time.Duration `yaml:"sweep_threshold"`
	AuditLogPath   string        `yaml:"audit_log_path"`

	StartRatePerSecond float64 `yaml:"start_rate_per_second"`
	StartBurst         int     `yaml:"start_burst"`

	WritebackURL   string `yaml:"writeback_url"`
	WritebackToken string `yaml:"-"`

	// TraceExporter is "otlp", "stdout" or "none".
	TraceExporter string `yaml:"trace_exporter"`
	OTelEndpoint  string `yaml:"otel_endpoint"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DefaultConfig returns the configuration New uses for zero fields.
func DefaultConfig() Config {
	return applyConfigDefaults(Config{SweepEnabled: true})
}

func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 12310
	}
	if cfg.GinMode == "" {
		cfg.GinMode = gin.ReleaseMode
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./data/generation"
	}
	if cfg.LLMBackend == "" {
		cfg.LLMBackend = "openai"
	}
	if cfg.MaxConcurrent == 0 {
		cfg.MaxConcurrent = executor.DefaultConfig().MaxConcurrent
	}
	if cfg.PhaseTimeout == 0 {
		cfg.PhaseTimeout = executor.DefaultConfig().PhaseTimeout
	}
	if cfg.StreamPollInterval == 0 {
		cfg.StreamPollInterval = stream.DefaultPollInterval
	}
	if cfg.ContinueWait == 0 {
		cfg.ContinueWait = 20 * time.Second
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = reclaim.DefaultSchedulerConfig().Interval
	}
	if cfg.SweepThreshold == 0 {
		cfg.SweepThreshold = reclaim.DefaultThreshold
	}
	if cfg.StartRatePerSecond == 0 {
		cfg.StartRatePerSecond = 5
	}
	if cfg.StartBurst == 0 {
		cfg.StartBurst = 20
	}
	if cfg.TraceExporter == "" {
		cfg.TraceExporter = "none"
	}
	if cfg.OTelEndpoint == "" {
		cfg.OTelEndpoint = "otel-collector:4317"
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	return cfg
}

// Option customises New.
type Option func(*options)

type options struct {
	provider executor.Provider
	writer   executor.WorkflowWriter
	registry *prometheus.Registry
	clock    func() time.Time
}

// WithProvider replaces the LLM-backed phase provider.
func WithProvider(p executor.Provider) Option {
	return func(o *options) { o.provider = p }
}

// WithWorkflowWriter replaces the final-artifact write-back.
func WithWorkflowWriter(w executor.WorkflowWriter) Option {
	return func(o *options) { o.writer = w }
}

// WithRegistry registers metrics on reg instead of a fresh registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithClock overrides time.Now for the sweep. Tests only.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

type service struct {
	config        Config
	router        *gin.Engine
	registry      *prometheus.Registry
	store         *store.BadgerStore
	executor      *executor.Executor
	bridge        *stream.Bridge
	sweeper       *reclaim.Sweeper
	scheduler     *reclaim.Scheduler
	audit         *reclaim.AuditLog
	tracerCleanup func(context.Context)

	shutdownOnce sync.Once
	shutdownErr  error
}

// New builds the service. Nothing listens until Run.
//
// # Outputs
//
//   - Service: Ready to Run.
//   - error: Non-nil if the tracer, store or provider cannot be created.
//     Resources opened before the failure are released.
func New(cfg Config, opts ...Option) (Service, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	s := &service{config: applyConfigDefaults(cfg)}
	s.registry = o.registry
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
		s.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	metrics := observability.NewMetrics(s.registry)

	cleanup, err := s.initTracer()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	s.tracerCleanup = cleanup

	if err := s.initStore(); err != nil {
		s.cleanup(context.Background())
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}

	prov := o.provider
	if prov == nil {
		prov, err = s.initProvider()
		if err != nil {
			s.cleanup(context.Background())
			return nil, fmt.Errorf("failed to initialize LLM provider: %w", err)
		}
	}
	writer, err := s.initWorkflowWriter(o.writer)
	if err != nil {
		s.cleanup(context.Background())
		return nil, fmt.Errorf("failed to initialize write-back: %w", err)
	}

	table := phases.Default()
	s.executor = executor.New(s.store, table, prov, executor.Config{
		MaxConcurrent: s.config.MaxConcurrent,
		PhaseTimeout:  s.config.PhaseTimeout,
	}, executor.WithMetrics(metrics), executor.WithWorkflowWriter(writer))

	manager := lifecycle.New(s.store, table, s.executor, lifecycle.WithMetrics(metrics))
	progressSvc := progress.New(s.store, table)
	s.bridge = stream.NewBridge(progressSvc, stream.NewRegistry(),
		stream.Config{PollInterval: s.config.StreamPollInterval}, stream.WithMetrics(metrics))

	s.initSweeper(table, metrics, o.clock)

	gin.SetMode(s.config.GinMode)
	s.router = gin.Default()
	s.router.Use(otelgin.Middleware(serviceName))
	routes.SetupRoutes(s.router, routes.Dependencies{
		Sessions: manager,
		Progress: progressSvc,
		Streams:  s.bridge,
		Sweeper:  s.sweeper,
		Gatherer: s.registry,
	}, routes.Options{
		ContinueWait:          s.config.ContinueWait,
		KeepAliveInterval:     s.config.KeepAliveInterval,
		DefaultSweepThreshold: s.config.SweepThreshold,
		StartRatePerSecond:    s.config.StartRatePerSecond,
		StartBurst:            s.config.StartBurst,
	})
	return s, nil
}

// Run implements Service.
func (s *service) Run(ctx context.Context) error {
	if s.scheduler != nil {
		if err := s.scheduler.Start(ctx); err != nil {
			return err
		}
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		slog.Info("Starting generation server", "port", s.config.Port)
		serveErr <- srv.ListenAndServe()
	}()

	var runErr error
	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		slog.Info("shutdown requested")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.ShutdownTimeout)
	defer cancel()

	// Streams never end on their own; close them first so Shutdown can
	// drain the remaining connections.
	s.bridge.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http server shutdown incomplete", "error", err)
	}
	return errors.Join(runErr, s.Shutdown(shutdownCtx))
}

// Router implements Service.
func (s *service) Router() *gin.Engine {
	return s.router
}

// Shutdown implements Service.
//
// Order: stream subscriptions, sweep scheduler, in-flight pipelines, audit
// log, store, tracer. Pipelines still running when ctx expires are
// cancelled; their sessions stay active and are reclaimed by a later sweep.
func (s *service) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.cleanup(ctx)
	})
	return s.shutdownErr
}

func (s *service) cleanup(ctx context.Context) error {
	var errs []error
	if s.bridge != nil {
		s.bridge.Close()
	}
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
	if s.executor != nil {
		if err := s.executor.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("executor shutdown: %w", err))
		}
	}
	if s.audit != nil {
		if err := s.audit.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close audit log: %w", err))
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(ctx)
	}
	return errors.Join(errs...)
}

func (s *service) initStore() error {
	var dbCfg store.DBConfig
	if s.config.InMemory {
		dbCfg = store.InMemoryDBConfig()
	} else {
		dbCfg = store.DefaultDBConfig(s.config.DataDir)
	}
	dbCfg.Logger = slog.Default().With("component", "badger")

	st, err := store.Open(dbCfg)
	if err != nil {
		return err
	}
	s.store = st
	slog.Info("session store opened", "path", s.config.DataDir, "in_memory", s.config.InMemory)
	return nil
}

func (s *service) initProvider() (executor.Provider, error) {
	switch s.config.LLMBackend {
	case "openai":
		client, err := llm.NewOpenAIClient(llm.OpenAIConfig{
			Model:   s.config.OpenAIModel,
			BaseURL: s.config.OpenAIBaseURL,
		})
		if err != nil {
			return nil, err
		}
		slog.Info("Using OpenAI-compatible LLM backend")
		return provider.New(client, generationParams(s.config)), nil
	case "echo":
		slog.Warn("Using echo LLM backend; generated content is placeholder text")
		return provider.New(llm.EchoClient{}, generationParams(s.config)), nil
	default:
		return nil, fmt.Errorf("unknown LLM backend %q", s.config.LLMBackend)
	}
}

func generationParams(cfg Config) llm.GenerationParams {
	params := llm.GenerationParams{
		Temperature: cfg.OpenAITemperature,
		TopP:        cfg.OpenAITopP,
		Stop:        cfg.OpenAIStop,
	}
	if cfg.OpenAIMaxTokens > 0 {
		maxTokens := cfg.OpenAIMaxTokens
		params.MaxTokens = &maxTokens
	}
	return params
}

func (s *service) initWorkflowWriter(override executor.WorkflowWriter) (executor.WorkflowWriter, error) {
	if override != nil {
		return override, nil
	}
	if s.config.WritebackURL == "" {
		return executor.LogWorkflowWriter{}, nil
	}
	w, err := writeback.NewWebhookWriter(writeback.WebhookConfig{
		URL:   s.config.WritebackURL,
		Token: s.config.WritebackToken,
	})
	if err != nil {
		return nil, err
	}
	slog.Info("final artifacts will be posted to workflow callback", "url", s.config.WritebackURL)
	return w, nil
}

func (s *service) initSweeper(table *phases.Registry, metrics *observability.Metrics, clock func() time.Time) {
	sweepOpts := []reclaim.Option{reclaim.WithMetrics(metrics)}
	if clock != nil {
		sweepOpts = append(sweepOpts, reclaim.WithClock(clock))
	}
	if s.config.AuditLogPath != "" {
		audit, err := reclaim.OpenAuditLog(s.config.AuditLogPath)
		if err != nil {
			slog.Warn("Failed to open sweep audit log, continuing without audit log",
				"log_path", s.config.AuditLogPath,
				"error", err)
		} else {
			s.audit = audit
			sweepOpts = append(sweepOpts, reclaim.WithAudit(audit))
		}
	}
	s.sweeper = reclaim.NewSweeper(s.store, table, sweepOpts...)

	if s.config.SweepEnabled {
		s.scheduler = reclaim.NewScheduler(s.sweeper, reclaim.SchedulerConfig{
			Interval:  s.config.SweepInterval,
			Threshold: s.config.SweepThreshold,
		})
	}
}

// initTracer installs the global tracer provider.
//
// "otlp" exports over gRPC to OTelEndpoint, "stdout" pretty-prints spans
// for local debugging, "none" leaves the no-op provider in place.
func (s *service) initTracer() (func(context.Context), error) {
	ctx := context.Background()

	var exporter sdktrace.SpanExporter
	switch s.config.TraceExporter {
	case "none":
		return func(context.Context) {}, nil
	case "stdout":
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
		exporter = exp
	case "otlp":
		conn, err := grpc.NewClient(s.config.OTelEndpoint,
			grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
		}
		exp, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
		if err != nil {
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}
		exporter = exp
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", s.config.TraceExporter)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(exporter)))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := traceProvider.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown tracer provider", "error", err)
		}
	}, nil
}

var _ Service = (*service)(nil)
