package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a logical file does not exist.
var ErrNotFound = errors.New("file not found")

// Storage is a flat namespace of named blobs. AddOrOverwriteFile must be
// atomic from a reader's perspective: a concurrent or crashed-out read sees
// either the old blob or the new one, never a partial write.
type Storage interface {
	ReadFile(ctx context.Context, name string) ([]byte, error)
	AddOrOverwriteFile(ctx context.Context, name string, content []byte) error
}
