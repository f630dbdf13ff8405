package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/raywall/fast-webhook-pipeline/pkg/domain"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// CacheClient é o subconjunto do go-redis usado pelo cache (permite Mocking).
type CacheClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Incr(ctx context.Context, key string) *redis.IntCmd
}

// Reloader é implementado por catálogos que sabem se recarregar.
type Reloader interface {
	Reload(ctx context.Context) error
}

// Cached é um cache read-through com TTL curto na frente de outro Catalog.
// As chaves carregam uma geração: Reload incrementa a geração e invalida tudo de uma vez.
// Falhas do redis nunca falham a leitura; a consulta cai direto no catálogo de origem.
type Cached struct {
	next   Catalog
	client CacheClient
	ttl    time.Duration
	prefix string
	logger zerolog.Logger
}

func NewCached(next Catalog, client CacheClient, ttl time.Duration, prefix string) *Cached {
	if prefix == "" {
		prefix = "webhook"
	}
	return &Cached{
		next:   next,
		client: client,
		ttl:    ttl,
		prefix: prefix,
		logger: log.With().Str("component", "catalog_cache").Logger(),
	}
}

func (c *Cached) PipelinesFor(ctx context.Context, tenantID string, trigger domain.TriggerType) ([]domain.Pipeline, error) {
	k := c.key(ctx, "tenant", tenantID, string(trigger))

	var cached []domain.Pipeline
	if c.lookup(ctx, k, &cached) {
		return cached, nil
	}

	list, err := c.next.PipelinesFor(ctx, tenantID, trigger)
	if err != nil {
		return nil, err
	}
	c.store(ctx, k, list)
	return list, nil
}

func (c *Cached) Get(ctx context.Context, pipelineID string) (*domain.Pipeline, error) {
	k := c.key(ctx, "pipeline", pipelineID)

	var cached domain.Pipeline
	if c.lookup(ctx, k, &cached) {
		return &cached, nil
	}

	p, err := c.next.Get(ctx, pipelineID)
	if err != nil {
		return nil, err
	}
	c.store(ctx, k, p)
	return p, nil
}

// Reload recarrega a origem (se suportado) e invalida o cache.
func (c *Cached) Reload(ctx context.Context) error {
	if r, ok := c.next.(Reloader); ok {
		if err := r.Reload(ctx); err != nil {
			return err
		}
	}
	if err := c.client.Incr(ctx, c.generationKey()).Err(); err != nil {
		return fmt.Errorf("falha ao invalidar cache do catálogo: %w", err)
	}
	return nil
}

func (c *Cached) lookup(ctx context.Context, key string, target interface{}) bool {
	raw, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn().Err(err).Str("key", key).Msg("cache indisponível")
		}
		return false
	}
	if err := json.Unmarshal([]byte(raw), target); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("entrada de cache corrompida")
		return false
	}
	return true
}

func (c *Cached) store(ctx context.Context, key string, value interface{}) {
	raw, err := json.Marshal(value)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("falha ao gravar cache")
	}
}

func (c *Cached) key(ctx context.Context, parts ...string) string {
	gen, err := c.client.Get(ctx, c.generationKey()).Result()
	if err != nil {
		gen = "0"
	}
	k := fmt.Sprintf("%s:catalog:g%s", c.prefix, gen)
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (c *Cached) generationKey() string {
	return c.prefix + ":catalog:generation"
}
