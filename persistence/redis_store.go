package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/wayflow/workflow"
)

// RedisStore is a Redis-based implementation of Store.
// Suitable for distributed deployments. Key layout:
//
//	<prefix>conv:<id>     => JSON envelope, expiring with Options.TTL
//	<prefix>conv:index    => ZSET of IDs scored by last update
//
// The index is best-effort; List drops members whose data key expired.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	opts      Options
	logger    *zap.Logger
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore wraps an existing client. The client is closed by Close.
func NewRedisStore(client redis.UniversalClient, opts Options, logger *zap.Logger) *RedisStore {
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "wayflow:"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{
		client:    client,
		keyPrefix: prefix + "conv:",
		opts:      opts,
		logger:    logger.With(zap.String("component", "redis_store")),
	}
}

// DialRedisStore connects to Redis and verifies the connection.
func DialRedisStore(ctx context.Context, ropts *redis.Options, opts Options, logger *zap.Logger) (*RedisStore, error) {
	client := redis.NewClient(ropts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisStore(client, opts, logger), nil
}

func (s *RedisStore) dataKey(id string) string { return s.keyPrefix + id }
func (s *RedisStore) indexKey() string         { return s.keyPrefix + "index" }

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Save(ctx context.Context, snap *workflow.ConversationSnapshot) error {
	env, err := newEnvelope(snap, s.opts.TTL)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.dataKey(snap.ID), data, s.opts.TTL)
	pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(env.Summary.UpdatedAt.UnixNano()), Member: snap.ID})
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) get(ctx context.Context, id string) (*envelope, error) {
	data, err := s.client.Get(ctx, s.dataKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("corrupt snapshot %s: %w", id, err)
	}
	return &env, nil
}

func (s *RedisStore) Load(ctx context.Context, id string) (*workflow.ConversationSnapshot, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	env, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	return env.snapshot()
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	del := pipe.Del(ctx, s.dataKey(id))
	pipe.ZRem(ctx, s.indexKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	if del.Val() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context, filter ListFilter) ([]Summary, error) {
	ids, err := s.client.ZRevRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []Summary{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.dataKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	out := make([]Summary, 0, len(ids))
	var stale []any
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var env envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			s.logger.Warn("skipping corrupt snapshot", zap.String("id", ids[i]), zap.Error(err))
			continue
		}
		if filter.matches(env.Summary) {
			out = append(out, env.Summary)
		}
	}
	if len(stale) > 0 {
		if err := s.client.ZRem(ctx, s.indexKey(), stale...).Err(); err != nil {
			s.logger.Debug("failed to prune index", zap.Error(err))
		}
	}
	return filter.page(out), nil
}
