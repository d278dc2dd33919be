package control

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"arena/internal/arena/process"
	"arena/internal/arena/storage"
	appErr "arena/pkg/errors"
	"arena/pkg/utils/logger"

	"go.uber.org/zap"
)

// ReadFiles tracks the read-only files opened for one evaluation. An opened
// file is exposed inside the sandbox directory as read_file.<id>.txt.
type ReadFiles struct {
	dir    string
	source storage.Source

	mu     sync.Mutex
	nextID int
	open   map[int]string
}

// NewReadFiles returns a table that links files from source into dir.
func NewReadFiles(dir string, source storage.Source) *ReadFiles {
	return &ReadFiles{
		dir:    dir,
		source: source,
		nextID: 1,
		open:   make(map[int]string),
	}
}

// Open resolves name and links it into the sandbox directory.
func (f *ReadFiles) Open(ctx context.Context, name string) (int, error) {
	target, err := f.source.Locate(ctx, name)
	if err != nil {
		return 0, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	link := filepath.Join(f.dir, process.ReadFileName(id))
	if err := os.Symlink(target, link); err != nil {
		return 0, appErr.Wrapf(err, appErr.StorageError, "link read file %q: %v", name, err)
	}
	f.nextID++
	f.open[id] = link

	logger.Info(ctx, "read file opened", zap.Int("file_id", id), zap.String("name", name), zap.String("target", target))
	return id, nil
}

// Path returns the sandbox path of an open file.
func (f *ReadFiles) Path(id int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	link, ok := f.open[id]
	if !ok {
		return "", appErr.Newf(appErr.ReadFileNotFound, "read file %d is not open", id)
	}
	return link, nil
}

// Close unlinks an open file.
func (f *ReadFiles) Close(ctx context.Context, id int) error {
	f.mu.Lock()
	link, ok := f.open[id]
	delete(f.open, id)
	f.mu.Unlock()
	if !ok {
		return appErr.Newf(appErr.ReadFileNotFound, "read file %d is not open", id)
	}
	if err := os.Remove(link); err != nil && !os.IsNotExist(err) {
		return appErr.Wrapf(err, appErr.StorageError, "unlink read file %d: %v", id, err)
	}
	logger.Debug(ctx, "read file closed", zap.Int("file_id", id))
	return nil
}

// CloseAll unlinks every file still open.
func (f *ReadFiles) CloseAll(ctx context.Context) {
	f.mu.Lock()
	ids := make([]int, 0, len(f.open))
	for id := range f.open {
		ids = append(ids, id)
	}
	f.mu.Unlock()
	sort.Ints(ids)
	for _, id := range ids {
		if err := f.Close(ctx, id); err != nil {
			logger.Warn(ctx, "close read file failed", zap.Int("file_id", id), zap.Error(err))
		}
	}
}
