package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/skeinworks/loom/api"
	"github.com/skeinworks/loom/config"
	"github.com/skeinworks/loom/engine"
	"github.com/skeinworks/loom/llm"
	"github.com/skeinworks/loom/prompt"
	"github.com/skeinworks/loom/steps"
	"github.com/skeinworks/loom/webhook"
)

// App wires the orchestrator together: NATS, the task backend, the
// worker pool, and the REST surface.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	embeddedServer *server.Server
	natsConn       *nats.Conn

	templates *api.TemplateCache
	apiServer *api.Server

	workerWG sync.WaitGroup
}

// NewApp creates the application instance.
func NewApp(cfg *config.Config, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}
	return &App{cfg: cfg, logger: logger}
}

// Start brings up every component. It returns once the worker pool and
// API server are running; they stop when ctx ends.
func (a *App) Start(ctx context.Context) error {
	js, err := a.startNATS(ctx)
	if err != nil {
		return fmt.Errorf("start NATS: %w", err)
	}

	backend, err := engine.NewJetStreamBackend(ctx, js,
		engine.WithBackendLogger(a.logger),
		engine.WithAckWait(a.cfg.Engine.HardDeadline+time.Minute),
		engine.WithPollInterval(a.cfg.Engine.PollInterval))
	if err != nil {
		return fmt.Errorf("initialize task backend: %w", err)
	}

	executor := steps.NewExecutor(a.buildPromptExecutor(), a.logger)
	notifier := webhook.NewNotifier(a.cfg.Endpoints(), a.cfg.Webhook.Timeout, a.logger)

	worker := engine.NewWorker(backend, executor, notifier, engine.WorkerConfig{
		Queues:        a.cfg.Engine.Queues,
		MaxConcurrent: a.cfg.Engine.MaxConcurrent,
		PrereqWait:    a.cfg.Engine.PrereqWait,
		SoftDeadline:  a.cfg.Engine.SoftDeadline,
		HardDeadline:  a.cfg.Engine.HardDeadline,
		Version:       Version,
	}, a.logger)

	a.workerWG.Add(1)
	go func() {
		defer a.workerWG.Done()
		worker.Run(ctx)
	}()
	a.logger.Info("Worker pool started",
		"queues", a.cfg.Engine.Queues,
		"max_concurrent", a.cfg.Engine.MaxConcurrent)

	a.templates = api.NewTemplateCache(a.cfg.Templates.Dir, a.logger)
	if a.cfg.Templates.Watch {
		if err := a.templates.Watch(); err != nil {
			a.logger.Warn("Template watching disabled", "error", err)
		}
	}

	var history api.HistoryProvider
	if a.cfg.History.URL != "" {
		history = api.NewHTTPHistoryProvider(a.cfg.History.URL, a.cfg.History.Timeout)
	}

	dispatcher := engine.NewDispatcher(backend, a.logger)
	a.apiServer = api.NewServer(a.cfg.API.Addr, a.templates, backend, dispatcher, history, a.logger)
	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil {
			a.logger.Error("API server stopped", "error", err)
		}
	}()

	return nil
}

// buildPromptExecutor assembles the LLM path when both the prompt store
// and an LLM endpoint are configured. Without them, prompt-based steps
// fail cleanly while built-ins keep working.
func (a *App) buildPromptExecutor() steps.PromptExecutor {
	if a.cfg.PromptStore.Host == "" || a.cfg.LLM.Endpoint == "" {
		a.logger.Warn("Prompt store or LLM endpoint not configured, prompt-based steps disabled")
		return nil
	}

	store := prompt.NewStore(
		a.cfg.PromptStore.Host,
		a.cfg.PromptStore.PublicKey,
		a.cfg.PromptStore.SecretKey,
		a.cfg.PromptStore.Label,
		prompt.WithStoreLogger(a.logger),
		prompt.WithCacheTTL(a.cfg.PromptStore.CacheTTL))

	clientOpts := []llm.Option{
		llm.WithLogger(a.logger),
		llm.WithDefaults(a.cfg.LLM.Model, a.cfg.LLM.Temperature, a.cfg.LLM.MaxTokens),
	}
	client := llm.NewClient(a.cfg.LLM.Endpoint, a.cfg.LLM.APIKey, clientOpts...)

	return prompt.NewExecutor(store, client, a.logger)
}

// startNATS connects to the configured server or boots an embedded one
// for single-binary deployments.
func (a *App) startNATS(ctx context.Context) (jetstream.JetStream, error) {
	if a.cfg.NATS.URL != "" && !a.cfg.NATS.Embedded {
		a.logger.Info("Connecting to NATS", "url", a.cfg.NATS.URL)
		conn, err := nats.Connect(a.cfg.NATS.URL,
			nats.Name(appName),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second))
		if err != nil {
			return nil, fmt.Errorf("connect to NATS at %s: %w", a.cfg.NATS.URL, err)
		}
		a.natsConn = conn
	} else {
		a.logger.Info("Starting embedded NATS server")
		opts := &server.Options{
			Port:      -1,
			JetStream: true,
			NoLog:     true,
			NoSigs:    true,
		}

		ns, err := server.NewServer(opts)
		if err != nil {
			return nil, fmt.Errorf("create embedded NATS server: %w", err)
		}

		go ns.Start()

		if !ns.ReadyForConnections(5 * time.Second) {
			ns.Shutdown()
			return nil, fmt.Errorf("embedded NATS server failed to start")
		}
		a.embeddedServer = ns

		conn, err := nats.Connect(ns.ClientURL())
		if err != nil {
			ns.Shutdown()
			return nil, fmt.Errorf("connect to embedded NATS: %w", err)
		}
		a.natsConn = conn
	}

	js, err := jetstream.New(a.natsConn)
	if err != nil {
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}
	return js, nil
}

// Shutdown stops the API, waits for in-flight work, and tears NATS down.
func (a *App) Shutdown(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if a.apiServer != nil {
		if err := a.apiServer.Shutdown(ctx); err != nil {
			a.logger.Warn("API shutdown error", "error", err)
		}
	}

	if a.templates != nil {
		_ = a.templates.Close()
	}

	// Workers stop when the run context ends; wait for them to drain.
	done := make(chan struct{})
	go func() {
		a.workerWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.logger.Warn("Timed out waiting for workers to drain")
	}

	if a.natsConn != nil {
		_ = a.natsConn.Drain()
		a.natsConn.Close()
	}
	if a.embeddedServer != nil {
		a.embeddedServer.Shutdown()
		a.embeddedServer.WaitForShutdown()
	}
}
