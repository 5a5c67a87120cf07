// Package blob is the product sink packaged templates are written to. It
// re-exports the core contract and selects a backend.
package blob

import (
	"context"
	"errors"

	"prefabcore/internal/blob/core"
)

type (
	// Driver identifies a blob backend driver.
	Driver = core.Driver
	// PutOptions configures a blob write.
	PutOptions = core.PutOptions
	// Info describes stored blob metadata.
	Info = core.Info
	// Store is the interface for blob storage backends.
	Store = core.Store
)

const (
	// DriverFilesystem is the local filesystem driver.
	DriverFilesystem = core.DriverFilesystem
	// DriverS3 is the S3-compatible driver.
	DriverS3 = core.DriverS3
	// DriverMemory is the in-memory driver.
	DriverMemory = core.DriverMemory
)

var (
	// ErrNotFound reports a missing key.
	ErrNotFound = core.ErrNotFound
	// ErrExists reports a write against an existing key.
	ErrExists = core.ErrExists
	// ErrInvalidKey reports a malformed key.
	ErrInvalidKey = core.ErrInvalidKey
)

// Exists reports whether key is stored.
func Exists(ctx context.Context, s Store, key string) (bool, error) {
	_, err := s.Head(ctx, key)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}
