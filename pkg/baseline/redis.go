package baseline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/steward/pkg/contracts"
)

const (
	redisKeyPrefix = "steward:baseline:"
	redisIndexKey  = "steward:baselines"
)

// RedisStore keeps baselines as JSON strings with a set index of component ids.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore creates a store backed by Redis.
func NewRedisStore(addr, password string, db int) *RedisStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisStore{client: rdb}
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the client.
func (s *RedisStore) Close() error { return s.client.Close() }

func (s *RedisStore) Establish(ctx context.Context, b contracts.Baseline) error {
	if b.ComponentID == "" {
		return contracts.NewError(contracts.KindValidation, "baseline.establish", "component_id is required")
	}
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode baseline: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, redisKeyPrefix+b.ComponentID, data, 0)
		p.SAdd(ctx, redisIndexKey, b.ComponentID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis establish baseline %s: %w", b.ComponentID, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, componentID string) (contracts.Baseline, bool, error) {
	raw, err := s.client.Get(ctx, redisKeyPrefix+componentID).Bytes()
	if errors.Is(err, redis.Nil) {
		return contracts.Baseline{}, false, nil
	}
	if err != nil {
		return contracts.Baseline{}, false, fmt.Errorf("redis get baseline %s: %w", componentID, err)
	}
	var b contracts.Baseline
	if err := json.Unmarshal(raw, &b); err != nil {
		return contracts.Baseline{}, false, fmt.Errorf("decode baseline %s: %w", componentID, err)
	}
	return b, true, nil
}

func (s *RedisStore) List(ctx context.Context) ([]contracts.Baseline, error) {
	ids, err := s.client.SMembers(ctx, redisIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list baselines: %w", err)
	}
	sort.Strings(ids)
	out := make([]contracts.Baseline, 0, len(ids))
	for _, id := range ids {
		b, ok, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, b)
		}
	}
	return out, nil
}
