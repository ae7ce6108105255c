package storage

import (
	"context"
	"fmt"

	"github.com/cockroachdb/pebble"
)

// PebbleStorage implements Storage on a pebble database. Each logical file
// is a single key; pebble's synced Set gives the atomic-overwrite property.
type PebbleStorage struct {
	db *pebble.DB
}

func NewPebbleStorage(path string) (*PebbleStorage, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}
	return &PebbleStorage{db: db}, nil
}

func (s *PebbleStorage) Close() error { return s.db.Close() }

// keys: f:<name>
func kFile(name string) []byte { return append([]byte("f:"), name...) }

func (s *PebbleStorage) ReadFile(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	val, closer, err := s.db.Get(kFile(name))
	if err == pebble.ErrNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	defer closer.Close()
	out := make([]byte, len(val))
	copy(out, val)
	return out, nil
}

func (s *PebbleStorage) AddOrOverwriteFile(ctx context.Context, name string, content []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.db.Set(kFile(name), content, pebble.Sync); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

var _ Storage = (*PebbleStorage)(nil)
