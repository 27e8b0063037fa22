package main

import (
	"context"
	"fmt"

	"go.uber.org/zap/zapcore"

	"github.com/nebulagrowth/nebulad/internal/analytics"
	"github.com/nebulagrowth/nebulad/internal/config"
	"github.com/nebulagrowth/nebulad/internal/crawler"
	"github.com/nebulagrowth/nebulad/internal/embeddings"
	"github.com/nebulagrowth/nebulad/internal/gate"
	"github.com/nebulagrowth/nebulad/internal/logging"
	"github.com/nebulagrowth/nebulad/internal/metrics"
	"github.com/nebulagrowth/nebulad/internal/pipeline"
	"github.com/nebulagrowth/nebulad/internal/publisher"
	"github.com/nebulagrowth/nebulad/internal/rag"
	"github.com/nebulagrowth/nebulad/internal/store"
	"github.com/nebulagrowth/nebulad/internal/vectorstore"
)

// app holds the wired components shared by the subcommands.
type app struct {
	cfg    *config.Config
	logger *logging.Logger
	store  *store.Store
	runner *pipeline.Runner
	gate   *gate.Gate
}

// newApp loads configuration and wires every component. Optional
// integrations degrade to nil: no GitHub token means no publisher, no
// embeddings key means no vector search, a disabled LLM provider means
// a no-op generator.
func newApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	var embedder vectorstore.Embedder
	var vectors pipeline.VectorIndex
	if cfg.Embeddings.APIKey.Value() != "" {
		svc, err := embeddings.NewService(cfg.Embeddings)
		if err != nil {
			return nil, fmt.Errorf("building embedding service: %w", err)
		}
		embedder = svc

		vs, err := vectorstore.NewStore(cfg.VectorStore, svc, logger)
		if err != nil {
			return nil, fmt.Errorf("opening vector store: %w", err)
		}
		vectors = vs
	}

	generator, err := rag.NewGenerator(cfg.LLM, logger)
	if err != nil {
		return nil, fmt.Errorf("building generator: %w", err)
	}

	var pub publisher.Publisher
	if cfg.GitHub.Token.Value() != "" {
		gh, err := publisher.NewGitHubPublisher(ctx, cfg.GitHub.Token, logger)
		if err != nil {
			return nil, fmt.Errorf("building publisher: %w", err)
		}
		pub = gh
	}

	var an analytics.Client
	if cfg.Analytics.APISecret.Value() != "" {
		an = analytics.NewHTTPClient(cfg.Analytics, logger)
	}

	runner, err := pipeline.NewRunner(pipeline.Options{
		Store:     st,
		Crawler:   crawler.New(cfg.Crawler, logger),
		Embedder:  embedder,
		Vectors:   vectors,
		Analytics: an,
		Generator: generator,
		Publisher: pub,
		Metrics:   metrics.New(),
		Logger:    logger,
		Pipeline:  cfg.Pipeline,
		Crawler2:  cfg.Crawler,
		GitHub:    cfg.GitHub,
	})
	if err != nil {
		return nil, err
	}

	g := gate.New(cfg.Gate, gate.NewPageSpeedAuditor(cfg.Gate), st, pub, logger, metrics.New())

	return &app{
		cfg:    cfg,
		logger: logger,
		store:  st,
		runner: runner,
		gate:   g,
	}, nil
}

func newLogger(cfg config.LoggingConfig) (*logging.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	logCfg := logging.NewDefaultConfig()
	logCfg.Level = level
	if cfg.Format != "" {
		logCfg.Format = cfg.Format
	}
	return logging.NewLogger(logCfg)
}
