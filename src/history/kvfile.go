package history

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// FileKV stores each key as a JSON file under a directory. A positive
// maxValueBytes models a bounded medium: oversized writes fail with
// ErrCapacityExceeded the way a full browser store would.
type FileKV struct {
	fs            afero.Fs
	dir           string
	maxValueBytes int64
}

// NewFileKV creates a file-backed KV rooted at dir. maxValueBytes of 0 means
// unbounded.
func NewFileKV(fs afero.Fs, dir string, maxValueBytes int64) (*FileKV, error) {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &FileKV{fs: fs, dir: dir, maxValueBytes: maxValueBytes}, nil
}

// Get implements KV.
func (f *FileKV) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := afero.ReadFile(f.fs, f.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

// Set implements KV.
func (f *FileKV) Set(ctx context.Context, key string, value []byte) error {
	if f.maxValueBytes > 0 && int64(len(value)) > f.maxValueBytes {
		return ErrCapacityExceeded
	}
	return afero.WriteFile(f.fs, f.path(key), value, 0o644)
}

// Delete implements KV.
func (f *FileKV) Delete(ctx context.Context, key string) error {
	err := f.fs.Remove(f.path(key))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Close implements KV.
func (f *FileKV) Close() error { return nil }

func (f *FileKV) path(key string) string {
	name := strings.ReplaceAll(key, ":", "_") + ".json"
	return filepath.Join(f.dir, name)
}
