package storage

import (
	"context"
	"errors"
	"testing"
)

func backends(t *testing.T) map[string]Storage {
	t.Helper()
	fs, err := NewFileStorage(t.TempDir())
	if err != nil {
		t.Fatalf("file storage: %v", err)
	}
	ps, err := NewPebbleStorage(t.TempDir())
	if err != nil {
		t.Fatalf("pebble storage: %v", err)
	}
	t.Cleanup(func() { ps.Close() })
	return map[string]Storage{"file": fs, "pebble": ps}
}

func TestReadWriteRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.AddOrOverwriteFile(ctx, "state.json", []byte(`{"v":1}`)); err != nil {
				t.Fatalf("write: %v", err)
			}
			got, err := s.ReadFile(ctx, "state.json")
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if string(got) != `{"v":1}` {
				t.Errorf("read = %q, want %q", got, `{"v":1}`)
			}
		})
	}
}

func TestOverwriteReplacesWholeBlob(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.AddOrOverwriteFile(ctx, "state.json", []byte("aaaaaaaaaa")); err != nil {
				t.Fatalf("write: %v", err)
			}
			if err := s.AddOrOverwriteFile(ctx, "state.json", []byte("b")); err != nil {
				t.Fatalf("overwrite: %v", err)
			}
			got, err := s.ReadFile(ctx, "state.json")
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if string(got) != "b" {
				t.Errorf("read = %q, want %q", got, "b")
			}
		})
	}
}

func TestReadMissingFile(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.ReadFile(ctx, "nope.json")
			if !errors.Is(err, ErrNotFound) {
				t.Errorf("err = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestFileStorageRejectsPathyNames(t *testing.T) {
	ctx := context.Background()
	fs, err := NewFileStorage(t.TempDir())
	if err != nil {
		t.Fatalf("file storage: %v", err)
	}
	for _, bad := range []string{"", "a/b", `a\b`} {
		if err := fs.AddOrOverwriteFile(ctx, bad, []byte("x")); err == nil {
			t.Errorf("write %q: expected error", bad)
		}
	}
}

func TestCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.AddOrOverwriteFile(ctx, "state.json", []byte("x")); err == nil {
				t.Error("write: expected context error")
			}
			if _, err := s.ReadFile(ctx, "state.json"); err == nil {
				t.Error("read: expected context error")
			}
		})
	}
}
