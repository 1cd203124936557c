package app

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	log "github.com/sirupsen/logrus"

	"docflow/internal/chunks"
	"docflow/internal/config"
	"docflow/internal/costtracker"
	"docflow/internal/extract"
	"docflow/internal/services"
	"docflow/internal/store"
	"docflow/internal/store/checkpoint"
	"docflow/internal/store/objstore"
	"docflow/internal/store/primary"
	"docflow/internal/store/vector"
	"docflow/internal/workflow"
)

// App wires every component of the ingestion system. The API server, the
// worker, and the CLI all share this initialization; each uses the fields it
// needs.
type App struct {
	Config *config.Config

	// PrimaryStore backs documents, knowledge bases, and run history.
	PrimaryStore *primary.StoreImpl

	CheckpointStore  store.CheckpointStore
	StepStateStore   store.StepStateStore
	ObjectStore      store.ObjectStore
	VectorStore      store.VectorIndex
	EmbeddingService store.EmbeddingService
	TaskClient       store.TaskClient

	Extractor      *extract.Adapter
	ChunkProcessor *chunks.Processor
	Engine         *workflow.Engine

	IngestService *services.IngestService

	// Usage tallies embedding calls made through the fallback service.
	Usage *costtracker.Tracker

	// Concrete handles kept for shutdown and health checks.
	checkpointRedis *checkpoint.RedisStore
	vectorPG        *vector.StoreImpl
	objectMinio     *objstore.MinioStore
}

func NewApp(cfg *config.Config) (*App, error) {
	ctx := context.Background()
	app := &App{Config: cfg, Usage: costtracker.New()}

	if err := app.initPrimaryStore(); err != nil {
		return nil, err
	}
	if err := app.initCheckpointStore(); err != nil {
		app.cleanupPartialInit()
		return nil, err
	}
	if err := app.initObjectStore(); err != nil {
		app.cleanupPartialInit()
		return nil, err
	}
	if err := app.initVectorStore(ctx); err != nil {
		app.cleanupPartialInit()
		return nil, err
	}
	if err := app.initEmbeddingService(); err != nil {
		app.cleanupPartialInit()
		return nil, err
	}
	app.initExtractor()
	if err := app.initChunkProcessor(); err != nil {
		app.cleanupPartialInit()
		return nil, err
	}
	if err := app.initEngine(); err != nil {
		app.cleanupPartialInit()
		return nil, err
	}
	if err := app.initTaskClient(); err != nil {
		app.cleanupPartialInit()
		return nil, err
	}
	app.initIngestService()

	log.Info("Application initialization complete")
	return app, nil
}

// Close releases every held connection. Safe to call after a partial
// initialization failure.
func (a *App) Close() {
	if a.TaskClient != nil {
		if err := a.TaskClient.Close(); err != nil {
			log.WithError(err).Warn("Failed to close task client")
		}
	}
	if a.ChunkProcessor != nil {
		a.ChunkProcessor.Close()
	}
	if a.vectorPG != nil {
		if err := a.vectorPG.Close(); err != nil {
			log.WithError(err).Warn("Failed to close vector store")
		}
	}
	if a.checkpointRedis != nil {
		if err := a.checkpointRedis.Close(); err != nil {
			log.WithError(err).Warn("Failed to close checkpoint store")
		}
	}
	if a.PrimaryStore != nil {
		if err := a.PrimaryStore.Close(); err != nil {
			log.WithError(err).Warn("Failed to close primary store")
		}
	}
}

// Ping checks connectivity to every pingable backing service. Errors name
// the failing component.
func (a *App) Ping(ctx context.Context) error {
	if err := a.PrimaryStore.Ping(ctx); err != nil {
		return fmt.Errorf("primary store: %w", err)
	}
	if err := a.checkpointRedis.Ping(ctx); err != nil {
		return fmt.Errorf("checkpoint store: %w", err)
	}
	if err := a.vectorPG.Ping(ctx); err != nil {
		return fmt.Errorf("vector index: %w", err)
	}
	if err := a.objectMinio.Ping(ctx); err != nil {
		return fmt.Errorf("object store: %w", err)
	}
	return nil
}

func (a *App) cleanupPartialInit() {
	a.Close()
}

// --- Private Helper Methods ---

func (a *App) initPrimaryStore() error {
	ps, err := primary.NewPrimaryStore(a.Config.Database.Primary.Path)
	if err != nil {
		return fmt.Errorf("init primary store: %w", err)
	}
	a.PrimaryStore = ps
	return nil
}

func (a *App) initCheckpointStore() error {
	cs, err := checkpoint.NewRedisStore(a.Config.Redis.Address, a.Config.Redis.Password, a.Config.Redis.DB)
	if err != nil {
		return fmt.Errorf("init checkpoint store: %w", err)
	}
	a.checkpointRedis = cs
	a.CheckpointStore = cs
	a.StepStateStore = cs
	return nil
}

func (a *App) initObjectStore() error {
	cfg := a.Config.Storage
	os, err := objstore.NewMinioStore(cfg.Endpoint, cfg.AccessKey, cfg.SecretKey, cfg.UseSSL)
	if err != nil {
		return fmt.Errorf("init object store: %w", err)
	}
	a.objectMinio = os
	a.ObjectStore = os
	return nil
}

func (a *App) initVectorStore(ctx context.Context) error {
	dsn := a.Config.Database.Vector.DSN
	if dsn == "" {
		return fmt.Errorf("vector store DSN (database.vector.dsn) is required but not configured")
	}
	vs, err := vector.NewStore(ctx, dsn)
	if err != nil {
		return fmt.Errorf("init postgres vector store: %w", err)
	}
	a.vectorPG = vs
	a.VectorStore = vs
	return nil
}

func (a *App) initEmbeddingService() error {
	cfg := a.Config
	var providers []services.EmbeddingProvider

	if cfg.Embedding.OpenaiApiKey != "" {
		p, err := services.NewOpenAIProvider(
			cfg.Embedding.OpenaiApiKey,
			cfg.Embedding.Model,
			cfg.Embedding.BaseURL,
			cfg.Embedding.Dimension,
			cfg.EmbedTimeout(),
		)
		if err != nil {
			log.WithError(err).Warn("Failed to initialize OpenAI embedding provider")
		} else {
			log.WithField("model", p.ModelName()).Info("Initialized OpenAI embedding provider")
			providers = append(providers, p)
		}
	}

	if cfg.Embedding.GoogleApiKey != "" && cfg.Embedding.GeminiModelName != "" {
		p, err := services.NewGeminiProvider(
			cfg.Embedding.GoogleApiKey,
			cfg.Embedding.GeminiModelName,
			cfg.Embedding.Dimension,
		)
		if err != nil {
			log.WithError(err).Warn("Failed to initialize Gemini embedding provider")
		} else {
			log.WithField("model", p.ModelName()).Info("Initialized Gemini embedding provider")
			providers = append(providers, p)
		}
	}

	if len(providers) == 0 {
		log.Warn("No embedding providers configured; parse runs will be rejected at admission")
		a.EmbeddingService = services.NewDisabledEmbeddingService()
		return nil
	}

	retry := &services.SimpleRetryStrategy{
		MaxAttempts: cfg.Embedding.MaxAttempts,
		BaseDelayMs: int64(cfg.Embedding.RetryBaseDelayMs),
	}
	svc, err := services.NewFallbackEmbeddingService(providers, retry)
	if err != nil {
		return fmt.Errorf("init embedding service: %w", err)
	}
	svc.SetUsageTracker(a.Usage)
	a.EmbeddingService = svc
	return nil
}

func (a *App) initExtractor() {
	cfg := a.Config.Extractor
	var engine extract.Extractor
	if cfg.Endpoint != "" {
		engine = extract.NewHTTPExtractor(cfg.Endpoint, time.Duration(cfg.TimeoutSeconds)*time.Second)
		log.WithField("endpoint", cfg.Endpoint).Info("Using remote content extraction engine")
	} else {
		log.Warn("No extraction engine configured; PDF and image parsing will degrade")
	}
	a.Extractor = extract.NewAdapter(engine)
}

func (a *App) initChunkProcessor() error {
	cp, err := chunks.NewProcessor(chunks.ProcessorDeps{
		Embedder: a.EmbeddingService,
		Objects:  a.ObjectStore,
		Index:    a.VectorStore,
		Workers:  a.Config.Chunking.Workers,
	})
	if err != nil {
		return fmt.Errorf("init chunk processor: %w", err)
	}
	a.ChunkProcessor = cp
	return nil
}

func (a *App) initEngine() error {
	fileTTL, parseTTL, blockTTL, chunkTTL := a.Config.CheckpointTTLs()
	eng, err := workflow.NewEngine(workflow.EngineDeps{
		Documents:      a.PrimaryStore,
		KBs:            a.PrimaryStore,
		Checkpoints:    a.CheckpointStore,
		Objects:        a.ObjectStore,
		StepStates:     a.StepStateStore,
		Parser:         a.Extractor,
		Processor:      a.ChunkProcessor,
		Embedder:       a.EmbeddingService,
		IndexPrefix:    a.Config.Index.Prefix,
		FileContentTTL: fileTTL,
		ParseResultTTL: parseTTL,
		BlockInfoTTL:   blockTTL,
		ChunkResultTTL: chunkTTL,
	})
	if err != nil {
		return fmt.Errorf("init workflow engine: %w", err)
	}
	a.Engine = eng
	return nil
}

func (a *App) initTaskClient() error {
	cfg := a.Config
	tc, err := store.NewAsynqTaskClient(asynq.RedisClientOpt{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, a.PrimaryStore, cfg.Worker.MaxRetry, time.Duration(cfg.Worker.TaskTimeoutMinutes)*time.Minute)
	if err != nil {
		return fmt.Errorf("init task client: %w", err)
	}
	a.TaskClient = tc
	return nil
}

func (a *App) initIngestService() {
	a.IngestService = services.NewIngestService(services.IngestServiceDeps{
		DocumentStore:      a.PrimaryStore,
		KnowledgeBaseStore: a.PrimaryStore,
		RunStore:           a.PrimaryStore,
		TaskClient:         a.TaskClient,
		ObjectStore:        a.ObjectStore,
		StepStateStore:     a.StepStateStore,
	})
}
