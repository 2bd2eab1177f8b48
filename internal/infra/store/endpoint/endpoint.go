// Package endpointstore keeps the registry of queue subjects per logical
// destination in Redis, read through the endpoint cache.
package endpointstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/tmfg/digitraffic-tis-vaco-sub001/internal/cache"
	"github.com/tmfg/digitraffic-tis-vaco-sub001/internal/infra/queue"
)

const endpointsKey = "queue:endpoints"

type hashes interface {
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

type redisEndpointStore struct {
	rdb    hashes
	cache  *cache.Cache[string, string]
	prefix string
}

func NewRedisEndpointStore(rdb hashes, c *cache.Cache[string, string], subjectPrefix string) *redisEndpointStore {
	return &redisEndpointStore{rdb: rdb, cache: c, prefix: subjectPrefix}
}

// Resolve returns the subject for the destination. Unregistered destinations
// fall back to <prefix>.<name>.
func (s *redisEndpointStore) Resolve(ctx context.Context, name string) (string, error) {
	return s.cache.Get(ctx, name, s.lookup)
}

func (s *redisEndpointStore) lookup(ctx context.Context, name string) (string, error) {
	subject, err := s.rdb.HGet(ctx, endpointsKey, name).Result()
	if errors.Is(err, redis.Nil) || (err == nil && subject == "") {
		return queue.DefaultSubject(s.prefix, name), nil
	}
	if err != nil {
		return "", fmt.Errorf("redis HGet %s: %w", name, err)
	}
	return subject, nil
}

func (s *redisEndpointStore) Set(ctx context.Context, name, subject string) error {
	if name == "" || subject == "" {
		return fmt.Errorf("endpoint name and subject are required")
	}
	if !strings.HasPrefix(subject, s.prefix+".") {
		return fmt.Errorf("subject %q is outside the %s.> stream subjects", subject, s.prefix)
	}
	defer s.cache.Invalidate(name)

	if err := s.rdb.HSet(ctx, endpointsKey, name, subject).Err(); err != nil {
		return fmt.Errorf("redis HSet %s: %w", name, err)
	}
	slog.Info("queue endpoint registered",
		slog.String("name", name),
		slog.String("subject", subject),
	)
	return nil
}

func (s *redisEndpointStore) Remove(ctx context.Context, name string) error {
	defer s.cache.Invalidate(name)

	if err := s.rdb.HDel(ctx, endpointsKey, name).Err(); err != nil {
		return fmt.Errorf("redis HDel %s: %w", name, err)
	}
	return nil
}

func (s *redisEndpointStore) List(ctx context.Context) (map[string]string, error) {
	res, err := s.rdb.HGetAll(ctx, endpointsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis HGetAll: %w", err)
	}
	return res, nil
}
