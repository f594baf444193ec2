package services

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ragd/internal/config"
	"github.com/fyrsmithlabs/ragd/internal/embeddings"
	"github.com/fyrsmithlabs/ragd/internal/events"
	"github.com/fyrsmithlabs/ragd/internal/generation"
	"github.com/fyrsmithlabs/ragd/internal/ingest"
	"github.com/fyrsmithlabs/ragd/internal/quota"
	"github.com/fyrsmithlabs/ragd/internal/query"
	"github.com/fyrsmithlabs/ragd/internal/rag"
	"github.com/fyrsmithlabs/ragd/internal/secrets"
	"github.com/fyrsmithlabs/ragd/internal/vectorstore"
)

// Build constructs every component cfg describes. On error, whatever was
// already built is closed.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ Registry, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var cleanup []func() error
	defer func() {
		if err == nil {
			return
		}
		for i := len(cleanup) - 1; i >= 0; i-- {
			_ = cleanup[i]()
		}
	}()

	var publisher events.Publisher = events.Nop{}
	if cfg.Events.Enabled {
		nats, err := events.Connect(cfg.Events.NATS, logger.Named("events"))
		if err != nil {
			return nil, fmt.Errorf("connecting event publisher: %w", err)
		}
		publisher = nats
		cleanup = append(cleanup, nats.Close)
	}

	plans := quota.NewPlanTable()
	var planWatcher *config.PlanWatcher
	if cfg.Quota.PlansFile != "" {
		planWatcher, err = config.NewPlanWatcher(cfg.Quota.PlansFile, plans, logger.Named("plans"))
		if err != nil {
			return nil, err
		}
		cleanup = append(cleanup, func() error { planWatcher.Stop(); return nil })
	}

	ledgerStore, err := newLedgerStore(ctx, cfg.Quota)
	if err != nil {
		return nil, err
	}
	defaultPlan, err := quota.ParsePlan(cfg.Quota.DefaultPlan)
	if err != nil {
		_ = ledgerStore.Close()
		return nil, err
	}
	// The notifier needs the ledger it is installed on.
	var ledger *quota.Ledger
	notify := rag.QuotaNotifier(publisher, func(ctx context.Context, tenantID string) (quota.Plan, error) {
		st, err := ledger.Status(ctx, tenantID)
		if err != nil {
			return "", err
		}
		return st.Plan, nil
	})
	ledger, err = quota.NewLedger(ledgerStore, plans, quota.LedgerConfig{
		HoldTTL:     cfg.Quota.HoldTTL.Duration(),
		DefaultPlan: defaultPlan,
		OnExceeded:  notify,
	}, logger.Named("quota"))
	if err != nil {
		_ = ledgerStore.Close()
		return nil, fmt.Errorf("creating ledger: %w", err)
	}
	cleanup = append(cleanup, ledger.Close)

	embedder, err := newEmbedder(ctx, cfg.Embeddings, logger.Named("embeddings"))
	if err != nil {
		return nil, err
	}
	cleanup = append(cleanup, embedder.Close)

	store, err := newTenantStore(cfg.VectorStore, embedder.Dimension(), logger.Named("vectorstore"))
	if err != nil {
		return nil, err
	}
	cleanup = append(cleanup, store.Close)

	generator, err := newGenerator(cfg.Generation, logger.Named("generation"))
	if err != nil {
		return nil, err
	}

	scrubber, err := secrets.New(&cfg.Secrets)
	if err != nil {
		return nil, fmt.Errorf("creating secret scrubber: %w", err)
	}

	ingestPipeline, err := ingest.New(cfg.Ingest, ledger, store, embedder, logger.Named("ingest"),
		ingest.WithScrubber(scrubber),
		ingest.WithPublisher(publisher))
	if err != nil {
		return nil, fmt.Errorf("creating ingestion pipeline: %w", err)
	}
	queryPipeline, err := query.New(query.Config{
		MaxQuestionRunes: cfg.Query.MaxQuestionRunes,
		TopK:             cfg.Query.TopK,
		MinRelevance:     float32(cfg.Query.MinRelevance),
		Persona:          cfg.Query.Persona,
		Timeout:          cfg.Query.Timeout.Duration(),
		Rerank:           cfg.Query.Rerank,
		RerankCandidates: cfg.Query.RerankCandidates,
		RerankWeight:     cfg.Query.RerankWeight,
	}, ledger, store, embedder, generator, logger.Named("query"))
	if err != nil {
		return nil, fmt.Errorf("creating query pipeline: %w", err)
	}

	service, err := rag.New(rag.Options{
		Ledger:    ledger,
		Store:     store,
		Ingest:    ingestPipeline,
		Query:     queryPipeline,
		Publisher: publisher,
	}, logger.Named("rag"))
	if err != nil {
		return nil, err
	}

	sweeper := vectorstore.NewSweeper(store, &vectorstore.SweeperConfig{
		Interval:    cfg.VectorStore.SweepInterval.Duration(),
		Grace:       cfg.VectorStore.SweepGrace.Duration(),
		Settle:      service.SettleDeleted,
		OnReclaimed: service.OnReclaimed,
	}, logger.Named("sweeper"))
	resetWorker := quota.NewResetWorker(ledger, &quota.ResetWorkerConfig{
		Interval: cfg.Quota.ResetInterval.Duration(),
	}, logger.Named("reset"))

	logger.Info("components built",
		zap.String("quota_store", cfg.Quota.Store),
		zap.String("vector_backend", cfg.VectorStore.Backend),
		zap.String("embedder", embedder.Model()),
		zap.Int("dimension", embedder.Dimension()),
		zap.String("generator", generator.Name()),
		zap.Bool("events", cfg.Events.Enabled))

	return NewRegistry(Options{
		Service:     service,
		Ledger:      ledger,
		Store:       store,
		Embedder:    embedder,
		Generator:   generator,
		Scrubber:    scrubber,
		Publisher:   publisher,
		Sweeper:     sweeper,
		ResetWorker: resetWorker,
		PlanWatcher: planWatcher,
	}, logger), nil
}

func newLedgerStore(ctx context.Context, cfg config.QuotaConfig) (quota.LedgerStore, error) {
	switch cfg.Store {
	case "memory":
		return quota.NewMemoryStore(), nil
	case "sqlite":
		s, err := quota.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite ledger: %w", err)
		}
		return s, nil
	case "dynamodb":
		s, err := quota.NewDynamoStoreFromEnv(ctx, quota.DynamoOptions{
			Table:    cfg.DynamoDB.Table,
			Region:   cfg.DynamoDB.Region,
			Endpoint: cfg.DynamoDB.Endpoint,
		})
		if err != nil {
			return nil, fmt.Errorf("creating dynamodb ledger: %w", err)
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown quota store %q", cfg.Store)
}

func newEmbedder(ctx context.Context, cfg config.EmbeddingsConfig, logger *zap.Logger) (embeddings.Provider, error) {
	base, err := embeddings.NewProvider(embeddings.ProviderConfig{
		Provider:  cfg.Provider,
		Model:     cfg.Model,
		BaseURL:   cfg.BaseURL,
		APIKey:    cfg.APIKey.Value(),
		Dimension: cfg.Dimension,
		CacheDir:  cfg.CacheDir,
	})
	if err != nil {
		return nil, fmt.Errorf("creating embedding provider: %w", err)
	}

	var p embeddings.Provider = embeddings.NewResilient(base, embeddings.ResilientConfig{
		Timeout:       cfg.Timeout.Duration(),
		RatePerSecond: cfg.RatePerSecond,
		Burst:         cfg.Burst,
	}, logger)

	if cfg.Cache.Enabled {
		redis, err := embeddings.NewRedisStore(ctx, embeddings.RedisCacheConfig{
			Address:  cfg.Cache.Address,
			Password: cfg.Cache.Password.Value(),
			Database: cfg.Cache.Database,
		})
		if err != nil {
			_ = p.Close()
			return nil, fmt.Errorf("connecting embedding cache: %w", err)
		}
		p = embeddings.NewCachedProvider(p, redis, cfg.Cache.TTL.Duration(), logger)
	}
	return p, nil
}

func newTenantStore(cfg config.VectorStoreConfig, dimension int, logger *zap.Logger) (*vectorstore.TenantStore, error) {
	var backend vectorstore.Backend
	switch cfg.Backend {
	case "chromem":
		b, err := vectorstore.NewChromemBackend(vectorstore.ChromemConfig{
			Path:     cfg.Chromem.Path,
			Compress: cfg.Chromem.Compress,
		}, logger)
		if err != nil {
			return nil, err
		}
		backend = b
	case "qdrant":
		b, err := vectorstore.NewQdrantBackend(vectorstore.QdrantConfig{
			Host:           cfg.Qdrant.Host,
			Port:           cfg.Qdrant.Port,
			APIKey:         cfg.Qdrant.APIKey.Value(),
			UseTLS:         cfg.Qdrant.UseTLS,
			VectorSize:     uint64(dimension),
			MaxMessageSize: cfg.Qdrant.MaxMessageSize,
		}, logger)
		if err != nil {
			return nil, err
		}
		backend = b
	default:
		return nil, fmt.Errorf("unknown vector backend %q", cfg.Backend)
	}

	var catalog vectorstore.Catalog = vectorstore.NewMemoryCatalog()
	if cfg.CatalogPath != "" {
		c, err := vectorstore.NewSQLiteCatalog(cfg.CatalogPath)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("opening catalog: %w", err), backend.Close())
		}
		catalog = c
	} else {
		logger.Warn("document catalog is in memory, document listings will not persist")
	}

	return vectorstore.NewTenantStore(backend, catalog, vectorstore.TenantStoreConfig{
		Timeout: cfg.Timeout.Duration(),
	}, logger), nil
}

func newGenerator(cfg config.GenerationConfig, logger *zap.Logger) (generation.Generator, error) {
	chain := generation.NewChain(logger)
	for i, g := range cfg.Providers {
		gen, err := generation.New(generation.Config{
			Provider:  g.Provider,
			Model:     g.Model,
			BaseURL:   g.BaseURL,
			APIKey:    g.APIKey.Value(),
			MaxTokens: g.MaxTokens,
		})
		if err != nil {
			return nil, fmt.Errorf("generation.providers[%d]: %w", i, err)
		}
		chain.Add(gen, generation.MemberConfig{
			Timeout:       g.Timeout.Duration(),
			RatePerSecond: g.RatePerSecond,
			Burst:         g.Burst,
		})
	}
	if len(cfg.Providers) == 0 {
		return nil, generation.ErrNoProviders
	}
	return chain, nil
}
