package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/goodtune/sitebudget/internal/config"
	"github.com/goodtune/sitebudget/internal/storage"
)

// metaKey holds bookkeeping about the last write, relative to the prefix.
const metaKey = "meta"

// Store implements storage.Store on Redis strings under a key prefix.
type Store struct {
	client *redis.Client
	prefix string
	setAll *redis.Script
}

var _ storage.Store = (*Store)(nil)

// Open creates a new Redis-backed storage instance
func Open(cfg config.RedisConfig) (*Store, error) {
	dialTimeout, err := time.ParseDuration(cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid dial_timeout: %w", err)
	}

	readTimeout, err := time.ParseDuration(cfg.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid read_timeout: %w", err)
	}

	writeTimeout, err := time.ParseDuration(cfg.WriteTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid write_timeout: %w", err)
	}

	// Host may already carry the port
	addr := cfg.Host
	if cfg.Port > 0 {
		addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Store{
		client: client,
		prefix: cfg.KeyPrefix,
		setAll: redis.NewScript(setAllScript),
	}, nil
}

func (s *Store) key(k string) string {
	return s.prefix + k
}

// Get fetches keys with a single MGET.
func (s *Store) Get(ctx context.Context, keys ...string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.key(k)
	}

	vals, err := s.client.MGet(ctx, full...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget: %w", err)
	}

	for i, v := range vals {
		switch val := v.(type) {
		case nil:
			// missing
		case string:
			out[keys[i]] = []byte(val)
		default:
			return nil, fmt.Errorf("unexpected value type %T for %s", v, keys[i])
		}
	}
	return out, nil
}

// Set writes every value atomically and stamps the meta hash.
func (s *Store) Set(ctx context.Context, values map[string][]byte) error {
	if len(values) == 0 {
		return nil
	}

	keys := make([]string, 0, len(values)+1)
	args := make([]any, 0, len(values)+1)
	for k, v := range values {
		keys = append(keys, s.key(k))
		args = append(args, string(v))
	}
	keys = append(keys, s.key(metaKey))
	args = append(args, strconv.FormatInt(time.Now().UnixMilli(), 10))

	if err := s.setAll.Run(ctx, s.client, keys, args...).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("set: %w", err)
	}
	return nil
}

// Delete removes keys.
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.key(k)
	}
	if err := s.client.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("del: %w", err)
	}
	return nil
}

// LastSaved reports the time of the most recent Set, or zero if none.
func (s *Store) LastSaved(ctx context.Context) (time.Time, error) {
	raw, err := s.client.HGet(ctx, s.key(metaKey), "last_saved").Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse last_saved: %w", err)
	}
	return time.UnixMilli(ms), nil
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}
