package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kirillkom/guidance-retrieval/internal/config"
	"github.com/kirillkom/guidance-retrieval/internal/core/ports"
	"github.com/kirillkom/guidance-retrieval/internal/core/usecase"
	"github.com/kirillkom/guidance-retrieval/internal/infrastructure/cache/querycache"
	"github.com/kirillkom/guidance-retrieval/internal/infrastructure/chunking"
	"github.com/kirillkom/guidance-retrieval/internal/infrastructure/classifier/patterns"
	"github.com/kirillkom/guidance-retrieval/internal/infrastructure/llm/ollama"
	"github.com/kirillkom/guidance-retrieval/internal/infrastructure/queue/nats"
	"github.com/kirillkom/guidance-retrieval/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/guidance-retrieval/internal/infrastructure/resilience"
	"github.com/kirillkom/guidance-retrieval/internal/infrastructure/vector/qdrant"
)

// Observers are optional per-process metric sinks.
type Observers struct {
	Retrieval  ports.RetrievalObserver
	Resilience resilience.Observer
	// Invalidations receives the number of cache entries dropped per
	// corpus update.
	Invalidations func(removed int)
}

type App struct {
	Config config.Config
	Logger *slog.Logger

	Store    *postgres.CorpusRepository
	Queue    *nats.Queue
	Cache    ports.CacheInvalidator
	Tracker  *usecase.SupersessionTracker
	QueryUC  *usecase.QueryUseCase
	IngestUC *usecase.IngestUseCase

	classifier *usecase.QueryClassifier
	queryCache *querycache.Cache
	closeFn    func()
}

func New(ctx context.Context, cfg config.Config, logger *slog.Logger, observers Observers) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := postgres.OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	store := postgres.NewCorpusRepository(db)
	if err := store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	rules, err := patterns.Load(cfg.ClassifierPatternFile)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("load classifier patterns: %w", err)
	}

	resilienceCfg := resilience.DefaultConfig()
	resilienceCfg.RetryMaxAttempts = cfg.RetryMaxAttempts
	resilienceCfg.RetryInitialBackoff = cfg.RetryInitialBackoff
	resilienceCfg.RetryMaxBackoff = cfg.RetryMaxBackoff
	resilienceCfg.BreakerEnabled = cfg.BreakerEnabled
	resilienceCfg.BreakerOpenTimeout = cfg.BreakerOpenTimeout
	executorOpts := []resilience.Option{resilience.WithLogger(logger)}
	if observers.Resilience != nil {
		executorOpts = append(executorOpts, resilience.WithObserver(observers.Resilience))
	}
	executor := resilience.NewExecutor(resilienceCfg, executorOpts...)

	queue, err := nats.NewWithOptions(cfg.NATSURL, nats.Options{
		IngestSubject:        cfg.NATSIngestSubject,
		CorpusUpdatedSubject: cfg.NATSCorpusUpdatedSubject,
		ResilienceExecutor:   executor,
		Logger:               logger,
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init message queue: %w", err)
	}

	ollamaClient := ollama.New(cfg.OllamaURL, cfg.OllamaJudgeModel, cfg.OllamaEmbedModel, executor)
	embedder := ollama.NewEmbedder(ollamaClient)
	judge := ollama.NewRelevanceJudge(ollamaClient)
	index := qdrant.New(cfg.QdrantURL, cfg.QdrantCollection, executor)

	classifier := usecase.NewQueryClassifier(rules)
	tracker := usecase.NewSupersessionTracker(store, cfg.SupersessionMaxDepth, logger).
		WithIndex(index).
		WithEvents(queue)
	retriever := usecase.NewDualPathRetriever(store, embedder, index, classifier, usecase.RetrieverConfig{
		OversampleFactor:  cfg.OversampleFactor,
		StructuredTimeout: cfg.StructuredTimeout,
		SimilarityTimeout: cfg.SimilarityTimeout,
	}, logger)
	reranker, err := usecase.NewReranker(judge, usecase.RerankerConfig{
		Concurrency:   cfg.RerankConcurrency,
		SkipThreshold: cfg.RerankSkipThreshold,
	}, observers.Retrieval, logger)
	if err != nil {
		queue.Close()
		_ = db.Close()
		return nil, fmt.Errorf("init reranker: %w", err)
	}

	cache := querycache.New(querycache.Config{MaxEntries: cfg.CacheMaxEntries, TTL: cfg.CacheTTL})
	queryUC := usecase.NewQueryUseCase(classifier, retriever, reranker, tracker, cache, observers.Retrieval, usecase.QueryConfig{
		DefaultResultCount: cfg.RAGTopK,
		MaxResultCount:     cfg.RAGMaxResults,
		Timeout:            cfg.QueryTimeout,
	}, logger)
	ingestUC := usecase.NewIngestUseCase(store, embedder, index, tracker, queue, logger).
		WithChunker(chunking.NewHierarchical(cfg.ChunkParentWords, cfg.ChunkChildWords, cfg.ChunkOverlapWords))

	return &App{
		Config: cfg,
		Logger: logger,

		Store:    store,
		Queue:    queue,
		Cache:    observedCache{cache: cache, logger: logger, observe: observers.Invalidations},
		Tracker:  tracker,
		QueryUC:  queryUC,
		IngestUC: ingestUC,

		classifier: classifier,
		queryCache: cache,

		closeFn: func() {
			reranker.Release()
			queue.Close()
			_ = db.Close()
		},
	}, nil
}

// WatchPatterns reloads classifier rules when the configured pattern file
// changes and blocks until ctx is done. Cached responses are purged on every
// reload since routes may differ under the new rules.
func (a *App) WatchPatterns(ctx context.Context) error {
	if a.Config.ClassifierPatternFile == "" {
		return nil
	}
	w := patterns.NewWatcher(a.Config.ClassifierPatternFile, func(rules usecase.ClassifierRules) {
		a.classifier.Replace(rules)
		a.queryCache.Purge()
	}, a.Logger)
	return w.Run(ctx)
}

func (a *App) Close() {
	if a.closeFn != nil {
		a.closeFn()
	}
}

// observedCache logs and counts invalidations triggered by corpus events
// and the admin endpoint.
type observedCache struct {
	cache   *querycache.Cache
	logger  *slog.Logger
	observe func(int)
}

func (c observedCache) InvalidateOrganization(organization string) int {
	removed := c.cache.InvalidateOrganization(organization)
	c.logger.Info("query_cache_invalidated", "organization", organization, "removed", removed)
	if c.observe != nil {
		c.observe(removed)
	}
	return removed
}
