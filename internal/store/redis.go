package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// unlockLua deletes a lock key only if its value matches the caller's
// token, so one holder can never release another holder's lease.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// RedisStore implements Store on a Redis instance. Values are plain keys,
// lists are Redis lists, sets are Redis sets, and locks are SETNX leases
// released through a token-guarded Lua script.
type RedisStore struct {
	rdb      *redis.Client
	unlockSc *redis.Script

	// maxWait bounds the SETNX retry loop before Lock gives up.
	maxWait time.Duration
}

// NewRedisStore wraps an existing Redis client.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{
		rdb:      rdb,
		unlockSc: redis.NewScript(unlockLua),
		maxWait:  2 * time.Second,
	}
}

// SetLockWait overrides the bounded lock wait.
func (s *RedisStore) SetLockWait(d time.Duration) { s.maxWait = d }

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis: get %s: %w", key, err)
	}
	return v, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	if err := s.rdb.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("redis: set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Append(ctx context.Context, key string, value []byte) error {
	if err := s.rdb.RPush(ctx, key, value).Err(); err != nil {
		return fmt.Errorf("redis: append %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Range(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	vals, err := s.rdb.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: range %s: %w", key, err)
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

func (s *RedisStore) Trim(ctx context.Context, key string, keep int64) error {
	if err := s.rdb.LTrim(ctx, key, -keep, -1).Err(); err != nil {
		return fmt.Errorf("redis: trim %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) AddToSet(ctx context.Context, key, member string) error {
	if err := s.rdb.SAdd(ctx, key, member).Err(); err != nil {
		return fmt.Errorf("redis: sadd %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) RemoveFromSet(ctx context.Context, key, member string) error {
	if err := s.rdb.SRem(ctx, key, member).Err(); err != nil {
		return fmt.Errorf("redis: srem %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Members(ctx context.Context, key string) ([]string, error) {
	members, err := s.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: smembers %s: %w", key, err)
	}
	return members, nil
}

// Lock acquires a distributed lease via SETNX with a TTL, retrying with
// backoff up to maxWait. The returned unlock runs the conditional Lua
// delete under a background context so release succeeds even when the
// caller's context is already cancelled.
func (s *RedisStore) Lock(ctx context.Context, key string, ttl time.Duration) (UnlockFunc, error) {
	token := uuid.New().String()
	lk := "lock:" + key
	deadline := time.Now().Add(s.maxWait)

	for {
		ok, err := s.rdb.SetNX(ctx, lk, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
		}
		if ok {
			released := false
			return func() {
				if released {
					return
				}
				released = true

				unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = s.unlockSc.Run(unlockCtx, s.rdb, []string{lk}, token).Err()
			}, nil
		}

		if time.Now().After(deadline) {
			return nil, ErrLockHeld
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}
