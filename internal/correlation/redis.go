package correlation

import (
	"context"

	"github.com/redis/go-redis/v9"

	"videoflow/internal/pkg/errors"
)

// DefaultKeyPrefix namespaces correlation keys in Redis.
const DefaultKeyPrefix = "videoflow:approval:"

// Redis stores correlations as plain string keys written with SETNX.
type Redis struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedis returns a Redis-backed store. An empty prefix uses
// DefaultKeyPrefix.
func NewRedis(rdb redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Redis{rdb: rdb, prefix: prefix}
}

func (s *Redis) key(code string) string { return s.prefix + code }

func (s *Redis) Put(ctx context.Context, code, instanceID string) error {
	if err := Validate(code, instanceID); err != nil {
		return err
	}
	ok, err := s.rdb.SetNX(ctx, s.key(code), instanceID, 0).Result()
	if err != nil {
		return errors.WrapWithCode(err, errors.CodeUnavailable, "correlation.Put", "store approval code")
	}
	if !ok {
		return Exists(code)
	}
	return nil
}

func (s *Redis) Resolve(ctx context.Context, code string) (string, error) {
	id, err := s.rdb.Get(ctx, s.key(code)).Result()
	if err == redis.Nil {
		return "", NotFound(code)
	}
	if err != nil {
		return "", errors.WrapWithCode(err, errors.CodeUnavailable, "correlation.Resolve", "load approval code")
	}
	return id, nil
}

// Ping checks the Redis connection.
func (s *Redis) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}
