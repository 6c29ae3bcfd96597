// Package catalog reads the persistent reservation catalog: the
// spider_service table mapping reservation UUIDs to plugin types and
// accounts, plus the per-service account tables. The core reads and
// deletes rows; row creation belongs to external tooling.
package catalog

import (
	"context"
	"errors"
)

// ErrNotFound reports a missing service or account row.
var ErrNotFound = errors.New("catalog row not found")

// ServiceRow is one spider_service row.
type ServiceRow struct {
	UUID      string
	Type      string
	AccountID int64
}

// Catalog is the relational surface the scheduler and worker need.
type Catalog interface {
	// StreamServices reads the whole spider_service table in id order,
	// invoking fn per chunk. A non-nil error from fn aborts the stream.
	StreamServices(ctx context.Context, chunkSize int, fn func([]ServiceRow) error) error

	// GetService resolves one reservation UUID.
	GetService(ctx context.Context, uuid string) (*ServiceRow, error)

	// GetAccount reads the full account row from the service's
	// content_<service>account table, with column values rendered as
	// strings.
	GetAccount(ctx context.Context, service string, accountID int64) (map[string]string, error)

	// DeleteService removes a reservation row.
	DeleteService(ctx context.Context, uuid string) error
}
