package engine

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/raywall/fast-webhook-pipeline/pkg/auth"
	"github.com/raywall/fast-webhook-pipeline/pkg/awsconf"
	"github.com/raywall/fast-webhook-pipeline/pkg/catalog"
	"github.com/raywall/fast-webhook-pipeline/pkg/catalog/dynamo"
	"github.com/raywall/fast-webhook-pipeline/pkg/config"
	"github.com/raywall/fast-webhook-pipeline/pkg/delivery"
	"github.com/raywall/fast-webhook-pipeline/pkg/logger"
	"github.com/raywall/fast-webhook-pipeline/pkg/metrics"
	"github.com/raywall/fast-webhook-pipeline/pkg/observability"
	"github.com/raywall/fast-webhook-pipeline/pkg/rules"
	"github.com/raywall/fast-webhook-pipeline/pkg/scheduler"
	"github.com/raywall/fast-webhook-pipeline/pkg/secrets"
	"github.com/raywall/fast-webhook-pipeline/pkg/store"
	"github.com/raywall/fast-webhook-pipeline/pkg/store/memory"
	"github.com/raywall/fast-webhook-pipeline/pkg/store/postgres"
	"github.com/raywall/fast-webhook-pipeline/pkg/worker"
)

// Build monta a engine a partir da configuração já carregada e validada.
func Build(ctx context.Context, cfg *config.EngineConfig) (eng *Engine, err error) {
	log := logger.Configure(cfg.Service.Logging, cfg.Service.Name)
	var closers []func() error
	defer func() {
		// falha no meio da montagem libera o que já foi aberto
		if err != nil {
			for i := len(closers) - 1; i >= 0; i-- {
				_ = closers[i]()
			}
		}
	}()

	provider, err := observability.SetupMetrics(cfg.Service.Metrics, cfg.Service.Name)
	if err != nil {
		return nil, fmt.Errorf("falha métricas: %w", err)
	}
	if c, ok := provider.(interface{ Close() error }); ok {
		closers = append(closers, c.Close)
	}
	recorder := metrics.NewRecorder(provider)

	st, closeStore, err := buildStore(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	if closeStore != nil {
		closers = append(closers, closeStore)
	}

	wakeups, closeWakeups := buildWakeupStore(cfg.Scheduler)
	if closeWakeups != nil {
		closers = append(closers, closeWakeups)
	}

	cat, closeCatalog, err := buildCatalog(ctx, cfg.Catalog)
	if err != nil {
		return nil, err
	}
	if closeCatalog != nil {
		closers = append(closers, closeCatalog)
	}

	resolver, err := secrets.NewFromConfig(ctx, cfg.Secrets)
	if err != nil {
		return nil, fmt.Errorf("falha secrets: %w", err)
	}

	registry := auth.NewRegistry(cfg.AuthProviders)
	closers = append(closers, func() error { registry.Close(); return nil })

	rm, err := rules.NewRuleManager()
	if err != nil {
		return nil, fmt.Errorf("falha fatal ao iniciar RuleManager: %w", err)
	}

	log.Info().
		Str("storage", cfg.Storage.Driver).
		Str("scheduler", cfg.Scheduler.Driver).
		Str("catalog", cfg.Catalog.Source).
		Str("secrets", cfg.Secrets.Provider).
		Int("auth_providers", len(cfg.AuthProviders)).
		Msg("engine configurada")

	return New(Components{
		Config:    cfg,
		Logger:    log,
		Store:     st,
		Catalog:   cat,
		Runner:    delivery.NewExecutor(cfg.Delivery, resolver, delivery.WithTokenSource(registry)),
		Scheduler: scheduler.New(wakeups, cfg.Scheduler.GetPollInterval(), cfg.Scheduler.BatchSize, recorder),
		Pool:      worker.New(cfg.Concurrency.PerTenant, cfg.Concurrency.Global, recorder),
		Rules:     rm,
		Metrics:   recorder,
		Closers:   closers,
	})
}

func buildStore(ctx context.Context, cfg config.StorageConf) (store.Store, func() error, error) {
	switch cfg.Driver {
	case "", "memory":
		return memory.New(), nil, nil
	case "postgres":
		pg, err := postgres.Open(ctx, cfg.Postgres)
		if err != nil {
			return nil, nil, fmt.Errorf("falha ao abrir postgres: %w", err)
		}
		return pg, pg.Close, nil
	default:
		return nil, nil, fmt.Errorf("driver de storage desconhecido: %s", cfg.Driver)
	}
}

func buildWakeupStore(cfg config.SchedulerConf) (scheduler.Store, func() error) {
	if cfg.Driver == "redis" {
		client := scheduler.NewRedisClient(cfg.Redis)
		return scheduler.NewRedisStore(client, cfg.Redis.KeyPrefix), client.Close
	}
	return scheduler.NewMemoryStore(), nil
}

func buildCatalog(ctx context.Context, cfg config.CatalogConf) (catalog.Catalog, func() error, error) {
	var cat catalog.Catalog

	switch cfg.Source {
	case "file", "s3":
		var s3Client config.S3Downloader
		if cfg.Source == "s3" {
			awsCfg, err := awsconf.Get(ctx, cfg.DynamoDB.Region)
			if err != nil {
				return nil, nil, fmt.Errorf("falha ao carregar config AWS: %w", err)
			}
			s3Client = s3.NewFromConfig(awsCfg)
		}
		static := catalog.NewStatic(config.NewLoader(s3Client, nil), cfg.Path)
		if err := static.Reload(ctx); err != nil {
			return nil, nil, err
		}
		cat = static

	case "dynamodb":
		awsCfg, err := awsconf.Get(ctx, cfg.DynamoDB.Region)
		if err != nil {
			return nil, nil, fmt.Errorf("falha ao carregar config AWS: %w", err)
		}
		cat = dynamo.New(dynamodb.NewFromConfig(awsCfg), cfg.DynamoDB.Table, cfg.DynamoDB.IDIndex)

	default:
		return nil, nil, fmt.Errorf("fonte de catálogo desconhecida: %s", cfg.Source)
	}

	if cfg.Cache.Enabled {
		client := scheduler.NewRedisClient(cfg.Cache.Redis)
		return catalog.NewCached(cat, client, cfg.Cache.GetTTL(), cfg.Cache.Redis.KeyPrefix), client.Close, nil
	}
	return cat, nil, nil
}
