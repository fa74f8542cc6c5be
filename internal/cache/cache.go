// Package cache implements the Cache Adapter (spec §4.1): typed string/hash
// operations with per-field TTL against the external cache store.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMissing distinguishes "key/field does not exist" from a transport
// error, per spec §4.1 ("all operations return 'missing' distinctly from
// 'error'").
var ErrMissing = errors.New("cache: missing")

// Cache is the full surface the controller needs from the external cache.
type Cache interface {
	SetString(ctx context.Context, key, value string, ttl time.Duration) error
	GetString(ctx context.Context, key string) (string, error) // ErrMissing if absent

	SetHashField(ctx context.Context, key, field, value string, fieldTTL time.Duration) error
	GetHashField(ctx context.Context, key, field string) (string, error) // ErrMissing if absent
	GetAllHashFields(ctx context.Context, key string) (map[string]string, error)

	Delete(ctx context.Context, key string) error

	PushList(ctx context.Context, key, value string, ttl time.Duration) error
	ReadList(ctx context.Context, key string, start, end int64) ([]string, error)
}
