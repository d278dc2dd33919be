// Package storage locates the read-only auxiliary files algorithms may
// consume, either in a local directory or in packs fetched from object
// storage.
package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	appErr "arena/pkg/errors"
)

// DataFileName is the file holding the contents of a read file inside its
// directory.
const DataFileName = "data.txt"

// Source resolves a read-file name to a local path.
type Source interface {
	Locate(ctx context.Context, name string) (string, error)
}

// DirSource serves read files laid out as <Root>/<name>/data.txt.
type DirSource struct {
	Root string
}

// Locate returns the absolute path of the data file of name.
func (s DirSource) Locate(ctx context.Context, name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	path, err := filepath.Abs(filepath.Join(s.Root, name, DataFileName))
	if err != nil {
		return "", appErr.Wrapf(err, appErr.StorageError, "resolve read file %q", name)
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", appErr.Newf(appErr.ReadFileNotFound, "read file %q not found", name)
		}
		return "", appErr.Wrapf(err, appErr.StorageError, "stat read file %q", name)
	}
	if !info.Mode().IsRegular() {
		return "", appErr.Newf(appErr.ReadFileNotFound, "read file %q is not a regular file", name)
	}
	return path, nil
}

// ValidateName rejects names that could escape the read-file root.
func ValidateName(name string) error {
	if name == "" {
		return appErr.ValidationError("name", "required")
	}
	if name == "." || name == ".." || strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return appErr.ValidationError("name", "must be a single path element")
	}
	return nil
}
