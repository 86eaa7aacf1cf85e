// Package cache contains the caching building blocks used by vrift: a generic
// in-process MRU cache backing the client layer's path-resolution LRU, and a
// string-keyed Cache interface with in-memory and redis implementations used
// by the daemon for hot lookups and cross-process lock coordination.
package cache

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
)

// Cache specifies the methods implemented for out-of-process caching, e.g.
// redis based. String key and string/struct values are the supported types.
// Also specifies methods useful for locking.
type Cache interface {
	Set(ctx context.Context, key string, value string, expiration time.Duration) error
	// Get returns found=false if the item was absent or an error occurred.
	Get(ctx context.Context, key string) (bool, string, error)
	// GetEx fetches in a TTL manner, i.e. sliding time.
	GetEx(ctx context.Context, key string, expiration time.Duration) (bool, string, error)

	// SetStruct upserts a given object with a key to it.
	SetStruct(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	// GetStruct fetches a given object given a key.
	GetStruct(ctx context.Context, key string, target interface{}) (bool, error)

	// Delete removes the objects of the given keys, reporting whether all were present.
	Delete(ctx context.Context, keys []string) (bool, error)
	// Ping is a utility function to check if the connection is good.
	Ping(ctx context.Context) error

	// FormatLockKey formats a given string as a lock key.
	FormatLockKey(k string) string
	// CreateLockKeys creates lock keys for the given names.
	CreateLockKeys(keys []string) []*LockKey
	// Lock acquires a set of keys with TTL; returns false when any is held elsewhere.
	Lock(ctx context.Context, duration time.Duration, lockKeys []*LockKey) (bool, error)
	// IsLocked returns whether a set of keys are all locked by this owner.
	IsLocked(ctx context.Context, lockKeys []*LockKey) (bool, error)
	// Unlock releases a given set of keys.
	Unlock(ctx context.Context, lockKeys []*LockKey) error

	// Clear empties the backend cache of all items.
	Clear(ctx context.Context) error
}

// CloseableCache is a cache with an explicit Close for implementations holding
// connections.
type CloseableCache interface {
	Cache
	io.Closer
}

// LockKey contains fields to allow locking and unlocking of a set of cache keys.
type LockKey struct {
	Key         string
	LockID      uuid.UUID
	IsLockOwner bool
}
