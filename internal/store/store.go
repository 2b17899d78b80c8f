// Package store persists the asset manager's records. Every state-changing operation runs
// inside one Update transaction and either commits entirely or leaves the store untouched.
package store

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// Tx reads and writes JSON-encoded records addressed by (kind, id).
type Tx interface {
	Get(kind, id string, v interface{}) error
	Put(kind, id string, v interface{}) error
	Delete(kind, id string) error
	// List calls fn for every record of kind in ascending id order.
	List(kind string, fn func(id string, raw []byte) error) error
}

// Store runs read-only and read-write transactions. Update transactions are serialized.
type Store interface {
	View(ctx context.Context, fn func(Tx) error) error
	Update(ctx context.Context, fn func(Tx) error) error
	Close() error
}

// Open opens a store by driver name: "memory" or "sqlite".
func Open(driver, path string) (Store, error) {
	switch driver {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("unknown store driver: %q", driver)
	}
}
