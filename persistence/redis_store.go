package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/orchestra/types"
)

// RedisConfig configures the redis backend.
type RedisConfig struct {
	Addr      string        `yaml:"addr" json:"addr" env:"ADDR"`
	Password  string        `yaml:"password" json:"password" env:"PASSWORD"`
	DB        int           `yaml:"db" json:"db" env:"DB"`
	PoolSize  int           `yaml:"pool_size" json:"pool_size" env:"POOL_SIZE"`
	KeyPrefix string        `yaml:"key_prefix" json:"key_prefix" env:"KEY_PREFIX"`
	TTL       time.Duration `yaml:"ttl" json:"ttl" env:"TTL"`
	// HistorySize is how many previous snapshots are kept per destination.
	HistorySize int `yaml:"history_size" json:"history_size" env:"HISTORY_SIZE"`
}

// RedisStateStore stores snapshots as JSON strings. Each save also pushes
// the document onto a capped history list.
type RedisStateStore struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
	history   int64
	logger    *zap.Logger
}

// NewRedisStateStore connects to redis and verifies the connection.
func NewRedisStateStore(cfg RedisConfig, logger *zap.Logger) (*RedisStateStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisStateStoreWithClient(client, cfg, logger), nil
}

// NewRedisStateStoreWithClient wraps an existing client.
func NewRedisStateStoreWithClient(client redis.UniversalClient, cfg RedisConfig, logger *zap.Logger) *RedisStateStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "orchestra:"
	}
	history := int64(cfg.HistorySize)
	if history <= 0 {
		history = 10
	}
	return &RedisStateStore{
		client:    client,
		keyPrefix: prefix,
		ttl:       cfg.TTL,
		history:   history,
		logger:    logger.With(zap.String("component", "redis_state_store")),
	}
}

func (s *RedisStateStore) stateKey(dest string) string {
	return s.keyPrefix + "state:" + dest
}

func (s *RedisStateStore) historyKey(dest string) string {
	return s.keyPrefix + "history:" + dest
}

// Save implements StateStore.
func (s *RedisStateStore) Save(ctx context.Context, dest string, state *types.OrchestrationState) error {
	if dest == "" {
		return storeError("save", dest, ErrInvalidInput)
	}
	data, err := Encode(state)
	if err != nil {
		return storeError("save", dest, err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.stateKey(dest), data, s.ttl)
	pipe.LPush(ctx, s.historyKey(dest), data)
	pipe.LTrim(ctx, s.historyKey(dest), 0, s.history-1)
	if s.ttl > 0 {
		pipe.Expire(ctx, s.historyKey(dest), s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return storeError("save", dest, err)
	}

	s.logger.Debug("state saved", zap.String("key", s.stateKey(dest)), zap.Int("bytes", len(data)))
	return nil
}

// Load implements StateStore.
func (s *RedisStateStore) Load(ctx context.Context, src string) (*types.OrchestrationState, error) {
	data, err := s.client.Get(ctx, s.stateKey(src)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, notFound(src)
		}
		return nil, storeError("load", src, err)
	}
	return Decode(data)
}

// History returns up to n previous snapshots for dest, newest first.
func (s *RedisStateStore) History(ctx context.Context, dest string, n int) ([]*types.OrchestrationState, error) {
	if n <= 0 {
		n = int(s.history)
	}
	docs, err := s.client.LRange(ctx, s.historyKey(dest), 0, int64(n-1)).Result()
	if err != nil {
		return nil, storeError("history", dest, err)
	}
	out := make([]*types.OrchestrationState, 0, len(docs))
	for _, doc := range docs {
		st, err := Decode([]byte(doc))
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// Ping checks if the store is healthy.
func (s *RedisStateStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close implements StateStore.
func (s *RedisStateStore) Close() error {
	return s.client.Close()
}
