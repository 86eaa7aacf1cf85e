package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type entry struct {
	value     string
	expiresAt time.Time
}

type inMemoryCache struct {
	mu    sync.RWMutex
	items map[string]entry
}

// NewInMemoryCache returns a process-local Cache. The daemon uses it when no
// redis address is configured; lock keys then only coordinate goroutines of
// the one process, which is sufficient because the daemon is the sole writer.
func NewInMemoryCache() CloseableCache {
	return &inMemoryCache{items: make(map[string]entry)}
}

func (c *inMemoryCache) Set(ctx context.Context, key string, value string, expiration time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var exp time.Time
	if expiration > 0 {
		exp = time.Now().Add(expiration)
	}
	c.items[key] = entry{value: value, expiresAt: exp}
	return nil
}

func (c *inMemoryCache) Get(ctx context.Context, key string) (bool, string, error) {
	c.mu.RLock()
	e, ok := c.items[key]
	c.mu.RUnlock()
	if !ok {
		return false, "", nil
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		c.mu.Lock()
		delete(c.items, key)
		c.mu.Unlock()
		return false, "", nil
	}
	return true, e.value, nil
}

func (c *inMemoryCache) GetEx(ctx context.Context, key string, expiration time.Duration) (bool, string, error) {
	found, v, err := c.Get(ctx, key)
	if err != nil || !found {
		return found, v, err
	}
	// Slide the expiration window.
	return true, v, c.Set(ctx, key, v, expiration)
}

func (c *inMemoryCache) SetStruct(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	ba, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.Set(ctx, key, string(ba), expiration)
}

func (c *inMemoryCache) GetStruct(ctx context.Context, key string, target interface{}) (bool, error) {
	if target == nil {
		return false, fmt.Errorf("target can't be nil")
	}
	found, v, err := c.Get(ctx, key)
	if err != nil || !found {
		return found, err
	}
	return true, json.Unmarshal([]byte(v), target)
}

func (c *inMemoryCache) Delete(ctx context.Context, keys []string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	all := true
	for _, k := range keys {
		if _, ok := c.items[k]; !ok {
			all = false
			continue
		}
		delete(c.items, k)
	}
	return all, nil
}

func (c *inMemoryCache) Ping(ctx context.Context) error {
	return nil
}

func (c *inMemoryCache) FormatLockKey(k string) string {
	return fmt.Sprintf("L%s", k)
}

func (c *inMemoryCache) CreateLockKeys(keys []string) []*LockKey {
	lockKeys := make([]*LockKey, len(keys))
	for i := range keys {
		lockKeys[i] = &LockKey{
			Key:    c.FormatLockKey(keys[i]),
			LockID: uuid.New(),
		}
	}
	return lockKeys
}

func (c *inMemoryCache) Lock(ctx context.Context, duration time.Duration, lockKeys []*LockKey) (bool, error) {
	for _, lk := range lockKeys {
		found, owner, err := c.Get(ctx, lk.Key)
		if err != nil {
			return false, err
		}
		if found && owner != lk.LockID.String() {
			return false, nil
		}
		if !found {
			if err := c.Set(ctx, lk.Key, lk.LockID.String(), duration); err != nil {
				return false, err
			}
		}
		lk.IsLockOwner = true
	}
	return true, nil
}

func (c *inMemoryCache) IsLocked(ctx context.Context, lockKeys []*LockKey) (bool, error) {
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

func (c *inMemoryCache) Unlock(ctx context.Context, lockKeys []*LockKey) error {
	keys := make([]string, 0, len(lockKeys))
	for _, lk := range lockKeys {
		if lk.IsLockOwner {
			keys = append(keys, lk.Key)
			lk.IsLockOwner = false
		}
	}
	_, err := c.Delete(ctx, keys)
	return err
}

func (c *inMemoryCache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]entry)
	return nil
}

func (c *inMemoryCache) Close() error {
	return c.Clear(context.Background())
}

// KeysWithPrefix returns the live keys having the given prefix. Test helper
// surface; redis-backed deployments use SCAN instead.
func (c *inMemoryCache) KeysWithPrefix(prefix string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []string
	for k := range c.items {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out
}
