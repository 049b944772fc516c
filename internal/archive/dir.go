package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Dir archives each event as a file named after its key.
type Dir struct {
	path string
}

// NewDir returns an archiver writing into path, creating it if needed.
func NewDir(path string) (*Dir, error) {
	if path == "" {
		return nil, fmt.Errorf("archive directory is required")
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}
	return &Dir{path: path}, nil
}

// Path returns the file an event with key is archived to.
func (d *Dir) Path(key string) string {
	return filepath.Join(d.path, key)
}

// Write replaces the file for key atomically.
func (d *Dir) Write(_ context.Context, key string, data []byte) error {
	if err := ValidKey(key); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(d.path, "."+key+".*")
	if err != nil {
		return fmt.Errorf("archive %s: %w", key, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("archive %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("archive %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), d.Path(key)); err != nil {
		return fmt.Errorf("archive %s: %w", key, err)
	}
	return nil
}

func (d *Dir) Close() error { return nil }
