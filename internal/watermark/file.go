package watermark

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/mkoziy/fireincidents/ingester/internal/models"
)

// FileStore keeps the watermark in a JSON file replaced atomically on write.
type FileStore struct {
	path    string
	dataset string
}

// NewFileStore creates a store writing to path.
func NewFileStore(path, dataset string) *FileStore {
	return &FileStore{path: path, dataset: dataset}
}

func (s *FileStore) Read(_ context.Context) (models.Watermark, bool, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return models.Watermark{}, false, nil
	}
	if err != nil {
		return models.Watermark{}, false, fmt.Errorf("read watermark: %w", err)
	}
	mark, err := decode(s.dataset, data)
	if err != nil {
		return models.Watermark{}, false, fmt.Errorf("%s: %w", s.path, err)
	}
	return mark, true, nil
}

// Write writes a temporary file, syncs it and renames it over the target, so
// readers see either the old or the new watermark and never a torn file.
func (s *FileStore) Write(ctx context.Context, position time.Time) error {
	current, ok, err := s.Read(ctx)
	if err != nil {
		return err
	}
	data, err := encode(s.dataset, later(current, ok, position), time.Now())
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create watermark dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp watermark: %w", err)
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp watermark: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp watermark: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp watermark: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace watermark: %w", err)
	}
	return syncDir(dir)
}

func (s *FileStore) Reset(_ context.Context) error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("reset watermark: %w", err)
	}
	return syncDir(filepath.Dir(s.path))
}

// syncDir persists the directory entry after a rename or remove.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open watermark dir: %w", err)
	}
	defer func() {
		_ = d.Close()
	}()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync watermark dir: %w", err)
	}
	return nil
}
