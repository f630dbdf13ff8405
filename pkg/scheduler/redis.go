package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/raywall/fast-webhook-pipeline/pkg/config"
	"github.com/redis/go-redis/v9"
)

// RedisClient é o subconjunto do go-redis usado pelo store (permite mock).
type RedisClient interface {
	ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	ZRangeByScore(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.StringSliceCmd
	ZRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	ZCard(ctx context.Context, key string) *redis.IntCmd
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd
}

// RedisStore usa um sorted set (score = vencimento em ms, membro = execution id) e um
// hash com o conteúdo do despertar. O ZREM atômico decide qual réplica fica com cada item.
type RedisStore struct {
	client  RedisClient
	zsetKey string
	hashKey string
}

func NewRedisClient(cfg config.RedisConf) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

func NewRedisStore(client RedisClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "webhook"
	}
	return &RedisStore{
		client:  client,
		zsetKey: prefix + ":scheduler:due",
		hashKey: prefix + ":scheduler:wakeups",
	}
}

func (r *RedisStore) Put(ctx context.Context, w Wakeup) error {
	raw, err := json.Marshal(w)
	if err != nil {
		return err
	}
	if err := r.client.HSet(ctx, r.hashKey, w.ExecutionID, raw).Err(); err != nil {
		return fmt.Errorf("erro no redis HSET: %w", err)
	}
	score := float64(w.DueAt.UnixMilli())
	if err := r.client.ZAdd(ctx, r.zsetKey, redis.Z{Score: score, Member: w.ExecutionID}).Err(); err != nil {
		return fmt.Errorf("erro no redis ZADD: %w", err)
	}
	return nil
}

func (r *RedisStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]Wakeup, error) {
	ids, err := r.client.ZRangeByScore(ctx, r.zsetKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("erro no redis ZRANGEBYSCORE: %w", err)
	}

	claimed := make([]Wakeup, 0, len(ids))
	for _, id := range ids {
		removed, err := r.client.ZRem(ctx, r.zsetKey, id).Result()
		if err != nil {
			return claimed, fmt.Errorf("erro no redis ZREM: %w", err)
		}
		if removed == 0 {
			// outra réplica levou
			continue
		}

		raw, err := r.client.HGet(ctx, r.hashKey, id).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return claimed, fmt.Errorf("erro no redis HGET: %w", err)
		}

		var w Wakeup
		if err := json.Unmarshal([]byte(raw), &w); err != nil {
			return claimed, fmt.Errorf("despertar corrompido (%s): %w", id, err)
		}
		// Se um Put novo chegou entre o ZRANGE e o ZREM, o hash já tem o despertar novo,
		// que ainda pode não estar vencido.
		if w.DueAt.After(now) {
			r.client.ZAdd(ctx, r.zsetKey, redis.Z{Score: float64(w.DueAt.UnixMilli()), Member: id})
			continue
		}
		r.client.HDel(ctx, r.hashKey, id)
		claimed = append(claimed, w)
	}
	return claimed, nil
}

func (r *RedisStore) Get(ctx context.Context, executionID string) (*Wakeup, error) {
	raw, err := r.client.HGet(ctx, r.hashKey, executionID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("erro no redis HGET: %w", err)
	}
	var w Wakeup
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return nil, err
	}
	return &w, nil
}

func (r *RedisStore) Remove(ctx context.Context, executionID string) error {
	if err := r.client.ZRem(ctx, r.zsetKey, executionID).Err(); err != nil {
		return fmt.Errorf("erro no redis ZREM: %w", err)
	}
	return r.client.HDel(ctx, r.hashKey, executionID).Err()
}

func (r *RedisStore) Len(ctx context.Context) (int, error) {
	n, err := r.client.ZCard(ctx, r.zsetKey).Result()
	return int(n), err
}
