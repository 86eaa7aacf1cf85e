package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Options carries the redis connection parameters.
type Options struct {
	Address                  string
	Password                 string
	DB                       int
	DefaultDurationInSeconds int
}

// GetDefaultDuration returns the default TTL applied when callers pass zero.
func (opt *Options) GetDefaultDuration() time.Duration {
	return time.Duration(opt.DefaultDurationInSeconds) * time.Second
}

// DefaultOptions returns options targeting a local redis with a 24h default TTL.
func DefaultOptions() Options {
	return Options{
		Address:                  "localhost:6379",
		Password:                 "",
		DB:                       0,
		DefaultDurationInSeconds: 24 * 60 * 60,
	}
}

type connection struct {
	client  *redis.Client
	options Options
}

// NewRedisCache connects a redis-backed Cache. Lock keys acquired through it
// coordinate across processes, which the daemon relies on when reaping
// orphaned staging files while another daemon instance may be starting up.
func NewRedisCache(options Options) CloseableCache {
	client := redis.NewClient(&redis.Options{
		Addr:     options.Address,
		Password: options.Password,
		DB:       options.DB,
	})
	return &connection{
		client:  client,
		options: options,
	}
}

func (c *connection) ttl(expiration time.Duration) time.Duration {
	if expiration <= 0 {
		return c.options.GetDefaultDuration()
	}
	return expiration
}

func (c *connection) Set(ctx context.Context, key string, value string, expiration time.Duration) error {
	return c.client.Set(ctx, key, value, c.ttl(expiration)).Err()
}

func (c *connection) Get(ctx context.Context, key string) (bool, string, error) {
	v, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, "", nil
	}
	if err != nil {
		return false, "", err
	}
	return true, v, nil
}

func (c *connection) GetEx(ctx context.Context, key string, expiration time.Duration) (bool, string, error) {
	v, err := c.client.GetEx(ctx, key, c.ttl(expiration)).Result()
	if errors.Is(err, redis.Nil) {
		return false, "", nil
	}
	if err != nil {
		return false, "", err
	}
	return true, v, nil
}

func (c *connection) SetStruct(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	ba, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.Set(ctx, key, string(ba), expiration)
}

func (c *connection) GetStruct(ctx context.Context, key string, target interface{}) (bool, error) {
	if target == nil {
		return false, fmt.Errorf("target can't be nil")
	}
	found, v, err := c.Get(ctx, key)
	if err != nil || !found {
		return found, err
	}
	return true, json.Unmarshal([]byte(v), target)
}

func (c *connection) Delete(ctx context.Context, keys []string) (bool, error) {
	n, err := c.client.Del(ctx, keys...).Result()
	if err != nil {
		return false, err
	}
	return n == int64(len(keys)), nil
}

func (c *connection) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *connection) FormatLockKey(k string) string {
	return fmt.Sprintf("L%s", k)
}

func (c *connection) CreateLockKeys(keys []string) []*LockKey {
	lockKeys := make([]*LockKey, len(keys))
	for i := range keys {
		lockKeys[i] = &LockKey{
			Key:    c.FormatLockKey(keys[i]),
			LockID: uuid.New(),
		}
	}
	return lockKeys
}

func (c *connection) Lock(ctx context.Context, duration time.Duration, lockKeys []*LockKey) (bool, error) {
	for _, lk := range lockKeys {
		ok, err := c.client.SetNX(ctx, lk.Key, lk.LockID.String(), c.ttl(duration)).Result()
		if err != nil {
			return false, err
		}
		if !ok {
			// Tolerate re-acquiring our own lock.
			found, owner, err := c.Get(ctx, lk.Key)
			if err != nil {
				return false, err
			}
			if !found || owner != lk.LockID.String() {
				return false, nil
			}
		}
		lk.IsLockOwner = true
	}
	return true, nil
}

func (c *connection) IsLocked(ctx context.Context, lockKeys []*LockKey) (bool, error) {
	for _, lk := range lockKeys {
		found, owner, err := c.Get(ctx, lk.Key)
		if err != nil {
			return false, err
		}
		if !found || owner != lk.LockID.String() {
			return false, nil
		}
	}
	return true, nil
}

func (c *connection) Unlock(ctx context.Context, lockKeys []*LockKey) error {
	var lastErr error
	for _, lk := range lockKeys {
		if !lk.IsLockOwner {
			continue
		}
		if _, err := c.client.Del(ctx, lk.Key).Result(); err != nil {
			lastErr = err
			continue
		}
		lk.IsLockOwner = false
	}
	return lastErr
}

func (c *connection) Clear(ctx context.Context) error {
	return c.client.FlushDB(ctx).Err()
}

func (c *connection) Close() error {
	return c.client.Close()
}
