// Package kv abstracts the TTL key-value service that memoizes resolved
// jobs between the catalog and the workers.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound reports a missing or expired key.
var ErrNotFound = errors.New("key not found")

// Store is a get/set-with-TTL surface. Values are opaque bytes; the worker
// stores JSON job documents.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
