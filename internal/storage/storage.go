// Package storage defines the Storage interface behind the payment receipt
// archive, and a registry of backends (local, s3, gcs, azure).
//
// Backends register themselves from an init() function in their own package:
//
//	func init() {
//	    storage.Register("mybackend", func(cfg *config.Config) (storage.Storage, error) {
//	        return New(&cfg.Storage.MyBackend)
//	    })
//	}
//
// cmd/server imports each backend with a blank import to trigger init().
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when no object exists at the path.
var ErrNotFound = errors.New("storage: object not found")

// Storage is a flat object store addressed by slash-separated paths.
// Objects are small (webhook bodies) and written once.
type Storage interface {
	// Put writes data at path, replacing any existing object.
	Put(ctx context.Context, path string, data []byte) (*PutResult, error)

	// Get reads the object at path.
	Get(ctx context.Context, path string) ([]byte, error)

	// Exists reports whether an object exists at path.
	Exists(ctx context.Context, path string) (bool, error)

	// List returns the paths under prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)
}

// PutResult describes a stored object
type PutResult struct {
	Path     string
	Size     int64
	Checksum string // hex SHA-256 of the stored bytes
	StoredAt time.Time
}
