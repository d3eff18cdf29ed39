package quota

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"

	goredis "github.com/redis/go-redis/v9"
)

// RedisStore keeps quota counters as plain Redis string keys of the form
// "<prefix><key_index>:<field>", e.g. "gemini_key:0:minute_requests".
type RedisStore struct {
	client    goredis.Cmdable
	keyPrefix string
}

var _ Store = (*RedisStore)(nil)

// Option configures RedisStore.
type Option func(*RedisStore)

// WithKeyPrefix sets the Redis key prefix (default "gemini_key:").
func WithKeyPrefix(prefix string) Option {
	return func(s *RedisStore) {
		if prefix != "" {
			s.keyPrefix = prefix
		}
	}
}

// NewRedisStore creates a store on top of a connected *goredis.Client or
// *goredis.ClusterClient.
func NewRedisStore(client goredis.Cmdable, opts ...Option) *RedisStore {
	s := &RedisStore{
		client:    client,
		keyPrefix: "gemini_key:",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) key(keyIndex int, field Field) string {
	return fmt.Sprintf("%s%d:%s", s.keyPrefix, keyIndex, field)
}

func (s *RedisStore) Get(ctx context.Context, keyIndex int, field Field) (int64, bool, error) {
	key := s.key(keyIndex, field)
	raw, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, unavailable("get", key, err)
	}
	v, err := parseCounter(raw)
	if err != nil {
		return 0, false, fmt.Errorf("%w: %s=%q", ErrCorruptValue, key, raw)
	}
	return v, true, nil
}

func (s *RedisStore) Set(ctx context.Context, keyIndex int, field Field, value int64) error {
	key := s.key(keyIndex, field)
	if err := s.client.Set(ctx, key, value, 0).Err(); err != nil {
		return unavailable("set", key, err)
	}
	return nil
}

func (s *RedisStore) Decrement(ctx context.Context, keyIndex int, field Field) (int64, error) {
	key := s.key(keyIndex, field)
	v, err := s.client.Decr(ctx, key).Result()
	if err != nil {
		// DECR on a non-integer value is a data problem, not a connectivity one.
		if isValueError(err) {
			return 0, fmt.Errorf("%w: %s: %v", ErrCorruptValue, key, err)
		}
		return 0, unavailable("decr", key, err)
	}
	return v, nil
}

func (s *RedisStore) SetIfAbsent(ctx context.Context, keyIndex int, field Field, value int64) (bool, error) {
	key := s.key(keyIndex, field)
	set, err := s.client.SetNX(ctx, key, value, 0).Result()
	if err != nil {
		return false, unavailable("setnx", key, err)
	}
	return set, nil
}

func unavailable(op, key string, err error) error {
	return fmt.Errorf("%w: %s %s: %v", ErrStoreUnavailable, op, key, err)
}

func isValueError(err error) bool {
	var redisErr goredis.Error
	return errors.As(err, &redisErr)
}

// parseCounter accepts integers and, for timestamps written by older
// deployments, fractional unix seconds.
func parseCounter(raw string) (int64, error) {
	if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return v, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("parse %q", raw)
	}
	return int64(f), nil
}
