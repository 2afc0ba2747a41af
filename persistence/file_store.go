package persistence

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/BaSui01/orchestra/types"
)

// FileStateStore writes each snapshot to its own JSON file. Relative
// destinations are resolved against BaseDir when one is set.
type FileStateStore struct {
	baseDir string
	logger  *zap.Logger
}

// NewFileStateStore creates a file-backed store.
func NewFileStateStore(baseDir string, logger *zap.Logger) *FileStateStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileStateStore{
		baseDir: baseDir,
		logger:  logger.With(zap.String("component", "file_state_store")),
	}
}

func (s *FileStateStore) path(dest string) string {
	if s.baseDir == "" || filepath.IsAbs(dest) {
		return dest
	}
	return filepath.Join(s.baseDir, dest)
}

// Save implements StateStore. The file is replaced atomically.
func (s *FileStateStore) Save(ctx context.Context, dest string, state *types.OrchestrationState) error {
	if dest == "" {
		return storeError("save", dest, ErrInvalidInput)
	}
	if err := ctx.Err(); err != nil {
		return storeError("save", dest, err)
	}
	data, err := Encode(state)
	if err != nil {
		return storeError("save", dest, err)
	}

	path := s.path(dest)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return storeError("save", dest, fmt.Errorf("create directory: %w", err))
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return storeError("save", dest, err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return storeError("save", dest, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return storeError("save", dest, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return storeError("save", dest, err)
	}

	s.logger.Debug("state saved", zap.String("path", path), zap.Int("bytes", len(data)))
	return nil
}

// Load implements StateStore.
func (s *FileStateStore) Load(ctx context.Context, src string) (*types.OrchestrationState, error) {
	if err := ctx.Err(); err != nil {
		return nil, storeError("load", src, err)
	}
	data, err := os.ReadFile(s.path(src))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, notFound(src)
		}
		return nil, storeError("load", src, err)
	}
	return Decode(data)
}

// Close implements StateStore.
func (s *FileStateStore) Close() error { return nil }
