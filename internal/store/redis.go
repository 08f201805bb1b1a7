package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// Store is the queue store primitive: key/value with optional expiry,
// FIFO lists (push-to-head, pop-from-tail), and hash counters. It has no
// knowledge of jobs; callers serialize their own values.
type Store struct {
	client   *redis.Client
	embedded *miniredis.Miniredis
}

// Open connects to an external Redis. This is the mode that stays correct
// when several scheduler instances poll the same queues.
func Open(addr, password string, db int) *Store {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &Store{client: client}
}

// OpenEmbedded starts an in-process Redis and connects to it. State lives
// until the process exits, which is all the single-host deployment needs.
func OpenEmbedded() (*Store, error) {
	mr, err := miniredis.Run()
	if err != nil {
		return nil, fmt.Errorf("start embedded store: %w", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return &Store{client: client, embedded: mr}, nil
}

// NewWithClient wraps an existing client. Used by tests.
func NewWithClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Client exposes the underlying connection for components that run their
// own scripts against the same store, like the rate limiter.
func (s *Store) Client() *redis.Client {
	return s.client
}

func (s *Store) Close() error {
	err := s.client.Close()
	if s.embedded != nil {
		s.embedded.Close()
	}
	return err
}

// Ping verifies the store is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Set stores a value. A zero ttl means no expiry.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

// Get returns the value and whether the key exists. Expired keys read as absent.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (s *Store) Del(ctx context.Context, keys ...string) error {
	return s.client.Del(ctx, keys...).Err()
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Expire attaches a ttl to an existing key.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.client.Expire(ctx, key, ttl).Err()
}

// LPush pushes to the head of a list.
func (s *Store) LPush(ctx context.Context, key string, values ...string) error {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return s.client.LPush(ctx, key, args...).Err()
}

// RPop removes and returns the tail of a list. Combined with LPush this
// gives FIFO order; the pop is atomic, so concurrent pollers never see
// the same element twice.
func (s *Store) RPop(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.RPop(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (s *Store) LLen(ctx context.Context, key string) (int64, error) {
	return s.client.LLen(ctx, key).Result()
}

// LRange reads a slice of a list without consuming it.
func (s *Store) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return s.client.LRange(ctx, key, start, stop).Result()
}

func (s *Store) HSet(ctx context.Context, key, field, value string) error {
	return s.client.HSet(ctx, key, field, value).Err()
}

func (s *Store) HGet(ctx context.Context, key, field string) (string, bool, error) {
	val, err := s.client.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return s.client.HGetAll(ctx, key).Result()
}

// HIncrBy atomically adds to a hash counter and returns the new value.
func (s *Store) HIncrBy(ctx context.Context, key, field string, incr int64) (int64, error) {
	return s.client.HIncrBy(ctx, key, field, incr).Result()
}

// Stats describes the store for the queue stats endpoint.
type Stats struct {
	TotalKeys   int64  `json:"total_keys"`
	MemoryUsage string `json:"memory_usage"`
}

// Stats reports key count and, when the backend exposes it, memory usage.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	keys, err := s.client.DBSize(ctx).Result()
	if err != nil {
		return Stats{}, err
	}
	st := Stats{TotalKeys: keys, MemoryUsage: "n/a"}
	if info, err := s.client.Info(ctx, "memory").Result(); err == nil {
		for _, line := range strings.Split(info, "\n") {
			if v, ok := strings.CutPrefix(strings.TrimSpace(line), "used_memory_human:"); ok {
				st.MemoryUsage = v
				break
			}
		}
	}
	return st, nil
}
