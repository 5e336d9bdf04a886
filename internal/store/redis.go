package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tidwall/gjson"

	"github.com/vyrodovalexey/avafanout/internal/model"
	"github.com/vyrodovalexey/avafanout/internal/observability"
)

// Redis key suffixes appended to the configured prefix.
const (
	redisScriptsKey = "scripts"
	redisTargetsKey = "targets"
)

// RedisConfig holds configuration for the Redis store.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int

	Logger observability.Logger
}

// DefaultRedisConfig returns a RedisConfig with default values.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Address:      "localhost:6379",
		Prefix:       "fanout:",
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	}
}

// RedisStore keeps scripts in a hash keyed by name and targets in an
// ordered list, both holding JSON documents.
type RedisStore struct {
	notifier

	client *redis.Client
	prefix string
	logger observability.Logger
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	defaults := DefaultRedisConfig()
	if cfg.Address == "" {
		cfg.Address = defaults.Address
	}
	if cfg.Prefix == "" {
		cfg.Prefix = defaults.Prefix
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaults.DialTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaults.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = defaults.PoolSize
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NopLogger()
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", cfg.Address, err)
	}

	cfg.Logger.Info("redis store connected",
		observability.String("address", cfg.Address),
		observability.Int("db", cfg.DB),
		observability.String("prefix", cfg.Prefix),
	)

	return &RedisStore{
		client: client,
		prefix: cfg.Prefix,
		logger: cfg.Logger,
	}, nil
}

func (s *RedisStore) key(suffix string) string {
	return s.prefix + suffix
}

// ListScripts returns every script ordered by name. Entries that are not
// valid JSON are skipped.
func (s *RedisStore) ListScripts(ctx context.Context) ([]model.Script, error) {
	entries, err := s.client.HGetAll(ctx, s.key(redisScriptsKey)).Result()
	if err != nil {
		return nil, fmt.Errorf("list scripts: %w", err)
	}

	scripts := make([]model.Script, 0, len(entries))
	for name, raw := range entries {
		var sc model.Script
		if err := json.Unmarshal([]byte(raw), &sc); err != nil {
			s.logger.Warn("skipping malformed script entry",
				observability.String("script", name),
				observability.Error(err),
			)
			continue
		}
		sc.Name = name
		scripts = append(scripts, sc)
	}
	sort.Slice(scripts, func(i, j int) bool { return scripts[i].Name < scripts[j].Name })
	return scripts, nil
}

// ListTargets returns the targets in list order. Entries that are not
// valid JSON are skipped.
func (s *RedisStore) ListTargets(ctx context.Context) ([]model.Target, error) {
	entries, err := s.client.LRange(ctx, s.key(redisTargetsKey), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}

	targets := make([]model.Target, 0, len(entries))
	for i, raw := range entries {
		var t model.Target
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			s.logger.Warn("skipping malformed target entry",
				observability.Int("index", i),
				observability.Error(err),
			)
			continue
		}
		targets = append(targets, t)
	}
	return targets, nil
}

// SaveScript inserts or replaces a script.
func (s *RedisStore) SaveScript(ctx context.Context, sc model.Script) error {
	if err := validateScript(sc); err != nil {
		return err
	}
	data, err := json.Marshal(sc)
	if err != nil {
		return fmt.Errorf("encode script %s: %w", sc.Name, err)
	}
	if err := s.client.HSet(ctx, s.key(redisScriptsKey), sc.Name, data).Err(); err != nil {
		return fmt.Errorf("save script %s: %w", sc.Name, err)
	}

	s.notify()
	return nil
}

// DeleteScript removes a script by name.
func (s *RedisStore) DeleteScript(ctx context.Context, name string) error {
	removed, err := s.client.HDel(ctx, s.key(redisScriptsKey), name).Result()
	if err != nil {
		return fmt.Errorf("delete script %s: %w", name, err)
	}
	if removed == 0 {
		return fmt.Errorf("%w: script %s", ErrNotFound, name)
	}

	s.notify()
	return nil
}

// AppendTarget adds a target to the end of the list. An existing target
// with the same id is replaced in place.
func (s *RedisStore) AppendTarget(ctx context.Context, t model.Target) error {
	if err := validateTarget(t); err != nil {
		return err
	}
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode target %s: %w", t.ID, err)
	}

	key := s.key(redisTargetsKey)
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		entries, err := tx.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			return err
		}
		index := indexOfTarget(entries, t.ID)

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if index >= 0 {
				pipe.LSet(ctx, key, int64(index), data)
			} else {
				pipe.RPush(ctx, key, data)
			}
			return nil
		})
		return err
	}, key)
	if err != nil {
		return fmt.Errorf("save target %s: %w", t.ID, err)
	}

	s.notify()
	return nil
}

// DeleteTarget removes a target by id.
func (s *RedisStore) DeleteTarget(ctx context.Context, id string) error {
	key := s.key(redisTargetsKey)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		entries, err := tx.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			return err
		}
		index := indexOfTarget(entries, id)
		if index < 0 {
			return ErrNotFound
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LRem(ctx, key, 1, entries[index])
			return nil
		})
		return err
	}, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: target %s", ErrNotFound, id)
		}
		return fmt.Errorf("delete target %s: %w", id, err)
	}

	s.notify()
	return nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func indexOfTarget(entries []string, id string) int {
	for i, raw := range entries {
		if gjson.Get(raw, "id").String() == id {
			return i
		}
	}
	return -1
}
