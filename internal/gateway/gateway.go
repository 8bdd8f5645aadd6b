// ABOUTME: Gateway orchestrator that wires ingest, batching, dispatch and learning
// ABOUTME: Owns the HTTP server, background workers and the shutdown order

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/2389/batchline/internal/auth"
	"github.com/2389/batchline/internal/batching"
	"github.com/2389/batchline/internal/config"
	"github.com/2389/batchline/internal/conversation"
	"github.com/2389/batchline/internal/dedupe"
	"github.com/2389/batchline/internal/dispatch"
	"github.com/2389/batchline/internal/inbound"
	"github.com/2389/batchline/internal/learning"
	"github.com/2389/batchline/internal/llm"
	"github.com/2389/batchline/internal/memory"
	"github.com/2389/batchline/internal/patterns"
	"github.com/2389/batchline/internal/store"
)

// Gateway owns every runtime component of the service.
type Gateway struct {
	config   *config.Config
	store    *store.SQLiteStore
	guard    *auth.Guard
	verifier *auth.JWTVerifier
	logger   *slog.Logger

	normalizer *inbound.Normalizer
	limiter    *inbound.TenantLimiter
	dedupe     *dedupe.Cache

	resolver    *conversation.Resolver
	memBackend  memory.Backend
	memory      *memory.Store
	coordinator *batching.Coordinator

	applier  *patterns.Applier
	reviewer *patterns.Reviewer
	tracker  *patterns.Tracker

	engine    *learning.Engine
	scheduler *learning.Scheduler

	httpServer *http.Server
}

// Option customizes a Gateway at construction.
type Option func(*options)

type options struct {
	completer  dispatch.Completer
	sender     dispatch.Sender
	memBackend memory.Backend
}

// WithCompleter replaces the completion client built from the ai config.
func WithCompleter(c dispatch.Completer) Option {
	return func(o *options) { o.completer = c }
}

// WithSender replaces the outbound sender built from the outbound config.
func WithSender(s dispatch.Sender) Option {
	return func(o *options) { o.sender = s }
}

// WithMemoryBackend replaces the memory backend built from the memory config.
func WithMemoryBackend(b memory.Backend) Option {
	return func(o *options) { o.memBackend = b }
}

// New creates a gateway from cfg. Nothing listens until Run is called.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("creating token verifier: %w", err)
	}

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("creating store: %w", err)
	}

	g := &Gateway{
		config:   cfg,
		store:    s,
		guard:    auth.NewGuard(s, logger),
		verifier: verifier,
		logger:   logger.With("component", "gateway"),
	}

	if err := g.build(cfg, logger, o); err != nil {
		_ = s.Close()
		return nil, err
	}

	mux := http.NewServeMux()
	g.registerRoutes(mux)
	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return g, nil
}

// build wires the components behind the HTTP surface.
func (g *Gateway) build(cfg *config.Config, logger *slog.Logger, o options) error {
	g.normalizer = inbound.NewNormalizer(g.guard)
	g.limiter = inbound.NewTenantLimiter(cfg.Ingest.RatePerSecond, cfg.Ingest.Burst)
	g.dedupe = dedupe.New(cfg.Ingest.DedupeTTL, cfg.Ingest.DedupeSize)

	completer := o.completer
	var summarizer memory.Summarizer
	if completer == nil {
		client, err := llm.NewClient(cfg.AI.BaseURL, cfg.AI.APIKey, cfg.AI.Model, cfg.AI.Timeout, llm.WithLogger(logger))
		if err != nil {
			g.dedupe.Close()
			return fmt.Errorf("creating completion client: %w", err)
		}
		completer = client
		summarizer = client
	}

	g.memBackend = o.memBackend
	if g.memBackend == nil {
		backend, err := newMemoryBackend(cfg.Memory)
		if err != nil {
			g.dedupe.Close()
			return err
		}
		g.memBackend = backend
	}
	var memOpts []memory.StoreOption
	if summarizer != nil {
		memOpts = append(memOpts, memory.WithSummarizer(summarizer))
	}
	g.memory = memory.NewStore(g.memBackend, g.guard, memory.Options{
		MaxTurns:   cfg.Memory.MaxTurns,
		TurnTTL:    cfg.Memory.TurnTTL,
		SummaryTTL: cfg.Memory.SummaryTTL,
	}, logger, memOpts...)

	sender := o.sender
	if sender == nil {
		if cfg.Outbound.WebhookURL != "" {
			sender = dispatch.NewWebhookSender(cfg.Outbound.WebhookURL, cfg.AI.Timeout)
		} else {
			sender = dispatch.NewLogSender(logger)
		}
	}

	g.applier = patterns.NewApplier(g.store, g.guard, cfg.Patterns.MaxApplied, logger)
	pipeline := dispatch.NewPipeline(dispatch.Config{
		RetryBackoff:   cfg.Batching.RetryBackoff,
		AttemptTimeout: cfg.AI.Timeout,
		FallbackText:   cfg.Batching.FallbackText,
	}, dispatch.Deps{
		Completer: completer,
		Memory:    g.memory,
		Applier:   g.applier,
		Sender:    sender,
		Ledger:    g.store,
		Guard:     g.guard,
	}, logger)

	g.coordinator = batching.NewCoordinator(batching.Config{
		QuietWindow:     cfg.Batching.QuietWindow,
		MaxWindow:       cfg.Batching.MaxWindow,
		DispatchTimeout: cfg.Batching.DispatchTimeout,
	}, pipeline, g.guard, logger)

	g.resolver = conversation.NewResolver(g.store, g.guard, logger, conversation.WithBatchCanceler(g.coordinator))
	g.reviewer = patterns.NewReviewer(g.store, g.guard, logger)
	g.tracker = patterns.NewTracker(g.store, g.resolver, g.guard, cfg.Patterns.RetireAfter, logger)

	g.engine = learning.NewEngine(g.store, g.guard, LearningOptions(cfg.Learning), logger)

	if cfg.Learning.Schedule != "" {
		sched, err := learning.NewScheduler(cfg.Learning.Schedule, g.engine, logger)
		if err != nil {
			g.dedupe.Close()
			_ = g.memBackend.Close()
			return fmt.Errorf("creating learning scheduler: %w", err)
		}
		g.scheduler = sched
	}
	return nil
}

// LearningOptions maps the learning config section onto engine options.
func LearningOptions(cfg config.LearningConfig) learning.Options {
	return learning.Options{
		Lookback:        cfg.Lookback,
		MinSamples:      cfg.MinSamples,
		MinOccurrence:   cfg.MinOccurrence,
		ApprovalSamples: cfg.ApprovalSamples,
		MaxCandidates:   cfg.MaxCandidates,
		Concurrency:     cfg.Concurrency,
	}
}

func newMemoryBackend(cfg config.MemoryConfig) (memory.Backend, error) {
	switch cfg.Backend {
	case "", "memory":
		return memory.NewInMemoryBackend(), nil
	case "redis":
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		backend, err := memory.NewRedisBackend(ctx, cfg.RedisURL, "")
		if err != nil {
			return nil, fmt.Errorf("creating redis memory backend: %w", err)
		}
		return backend, nil
	default:
		return nil, fmt.Errorf("unknown memory backend %q", cfg.Backend)
	}
}

// Handler returns the HTTP handler serving the API.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// registerRoutes mounts the API. Every /api route requires a tenant token.
func (g *Gateway) registerRoutes(mux *http.ServeMux) {
	authed := auth.HTTPAuthMiddleware(g.verifier)
	reviewers := auth.RequireRole(auth.RoleAdmin, auth.RoleReviewer)

	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	mux.Handle("POST /api/events", authed(http.HandlerFunc(g.handleEvent)))
	mux.Handle("POST /api/outcomes", authed(http.HandlerFunc(g.handleOutcome)))
	mux.Handle("POST /api/conversations/close", authed(http.HandlerFunc(g.handleCloseConversation)))
	mux.Handle("GET /api/patterns", authed(http.HandlerFunc(g.handleListPatterns)))
	mux.Handle("POST /api/patterns/{id}/approve", authed(http.HandlerFunc(g.handleApprovePattern)))
	mux.Handle("POST /api/patterns/{id}/reject", authed(http.HandlerFunc(g.handleRejectPattern)))
	mux.Handle("POST /api/patterns/{id}/retire", authed(http.HandlerFunc(g.handleRetirePattern)))
	mux.Handle("POST /api/learning/run", authed(reviewers(http.HandlerFunc(g.handleLearningRun))))
}

// startServers starts the HTTP server and the background workers.
func (g *Gateway) startServers(ctx context.Context, ln net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		g.logger.Info("starting HTTP server", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	go g.memory.RunSweeper(ctx, g.config.Memory.SweepInterval)

	if g.scheduler != nil {
		go func() {
			if err := g.scheduler.Run(ctx); err != nil {
				errCh <- fmt.Errorf("learning scheduler: %w", err)
			}
		}()
	}
	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run serves until ctx is canceled or a server fails, then shuts down.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", g.config.Server.HTTPAddr, err)
	}

	workerCtx, stopWorkers := context.WithCancel(ctx)
	errCh := g.startServers(workerCtx, ln)
	serverErr := g.waitForShutdownSignal(ctx, errCh)
	stopWorkers()

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// The batching deadline bounds the wait for in-flight dispatches.
func (g *Gateway) gracefulShutdown() error {
	timeout := g.config.Batching.DispatchTimeout + 5*time.Second
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return g.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops accepting requests, flushes pending batches, waits for
// their dispatch and releases storage.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	errs = appendCloseError(errs, "batching shutdown", g.coordinator.Shutdown(ctx))

	g.dedupe.Close()
	errs = appendCloseError(errs, "memory close", g.memBackend.Close())
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK while the coordinator accepts messages.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if g.coordinator.Closed() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("shutting down"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d conversations batching)", g.coordinator.Len())
}
