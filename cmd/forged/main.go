package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/blugreen/forge/internal/agent"
	"github.com/blugreen/forge/internal/config"
	"github.com/blugreen/forge/internal/gitremote"
	"github.com/blugreen/forge/internal/health"
	"github.com/blugreen/forge/internal/intent"
	"github.com/blugreen/forge/internal/llm"
	"github.com/blugreen/forge/internal/loop"
	"github.com/blugreen/forge/internal/metrics"
	"github.com/blugreen/forge/internal/mgmt"
	"github.com/blugreen/forge/internal/pipeline"
	"github.com/blugreen/forge/internal/policy"
	"github.com/blugreen/forge/internal/store"
	"github.com/blugreen/forge/internal/tool"
)

func main() {
	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()

	if os.Getenv("FORGE_ENVIRONMENT") == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	log.Logger = logger

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	if level, lerr := zerolog.ParseLevel(cfg.LogLevel); lerr == nil {
		zerolog.SetGlobalLevel(level)
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Str("listen_addr", cfg.ListenAddr).
		Str("db_path", cfg.DBPath).
		Str("ollama_url", cfg.OllamaURL).
		Msg("starting forge daemon")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Durable store
	st, err := store.New(cfg.DBPath, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open store")
	}
	defer st.Close()

	// Governance policy
	pol, err := policy.Load(cfg.PolicyPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load policy")
	}

	// Model provider: Ollama primary with deterministic template fallback
	slogger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	primary := llm.NewOllamaProvider(cfg.OllamaURL,
		llm.WithModel(cfg.OllamaModel),
		llm.WithTimeout(cfg.ProviderTimeout),
		llm.WithLogger(slogger))
	provider := llm.NewFailoverProvider(primary, llm.NewTemplateProvider(), slogger)

	m := metrics.New()

	// Health checks
	checker := health.NewChecker(logger)
	checker.Register("db", func(ctx context.Context) health.Status {
		if err := st.DB().PingContext(ctx); err != nil {
			return health.StatusDown
		}
		return health.StatusOK
	})
	checker.Register("model", func(ctx context.Context) health.Status {
		// the template fallback keeps the pipeline usable without a model
		if !primary.Available(ctx) {
			return health.StatusDegraded
		}
		return health.StatusOK
	})
	checker.Register("workspace", func(ctx context.Context) health.Status {
		if err := os.MkdirAll(cfg.WorkspaceRoot, 0o755); err != nil {
			return health.StatusDown
		}
		return health.StatusOK
	})

	sandboxOpts := []tool.Option{
		tool.WithAllowedCommands(pol.Tools.AllowedCommands),
		tool.WithTimeout(pol.ToolTimeout()),
		tool.WithLogger(slogger),
	}

	// Core engine wiring
	intents := intent.NewManager(st, m, logger)
	runner := agent.New(st, provider, cfg.WorkspaceRoot, m, logger, sandboxOpts...)
	executor := pipeline.NewExecutor(st, intents, runner, m, logger)
	resolver := gitremote.NewResolver(nil, cfg.GitTimeout, slogger)
	cycles := loop.NewRefineCycle(st, provider, cfg.WorkspaceRoot, logger, sandboxOpts...)
	governor := loop.NewGovernor(st, cycles, pol.Loop, m, logger)

	handlers := mgmt.NewHandlers(ctx, st, intents, executor, resolver, governor, logger)
	server := mgmt.NewServer(mgmt.ServerConfig{
		ListenAddr: cfg.ListenAddr,
		Auth: mgmt.AuthConfig{
			Mode:      cfg.AuthMode,
			APIKey:    cfg.APIKey,
			JWTSecret: cfg.JWTSecret,
		},
		CORSOrigins: cfg.CORSOrigins,
	}, handlers, checker, m, logger)

	go func() {
		if err := server.Start(); err != nil {
			logger.Error().Err(err).Msg("api server error")
			sigCh <- syscall.SIGTERM
		}
	}()

	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down")

	cancel()
	if err := server.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("server shutdown error")
	}
	executor.Wait()
	governor.Wait()
	logger.Info().Msg("forge daemon stopped")
}
