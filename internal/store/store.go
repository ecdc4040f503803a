// Package store persists contract records. Writes are whole-record; the last write wins.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/local/renewalcal/internal/contract"
)

// ErrNotFound is returned when no record has the requested id.
var ErrNotFound = errors.New("contract not found")

// Store is the record persistence contract shared by all backends.
type Store interface {
	// CreatePending inserts a new record; it fails if the id already exists.
	CreatePending(ctx context.Context, r *contract.Record) error
	Get(ctx context.Context, id string) (*contract.Record, error)
	// List returns every record in creation order.
	List(ctx context.Context) ([]*contract.Record, error)
	// Update replaces an existing record.
	Update(ctx context.Context, r *contract.Record) error
	Delete(ctx context.Context, id string) error
	// DeleteAll removes every record and reports how many were removed.
	DeleteAll(ctx context.Context) (int, error)
	Close() error
}

// Open builds the backend named by kind. dsn is a file path for sqlite and a
// redis:// URL for redis; memory ignores it.
func Open(ctx context.Context, kind, dsn string) (Store, error) {
	switch kind {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite":
		return OpenSQLite(ctx, dsn)
	case "redis":
		return NewRedis(ctx, dsn)
	default:
		return nil, fmt.Errorf("unknown store backend %q", kind)
	}
}
