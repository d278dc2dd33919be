package supervisor

import (
	"os"
	"path/filepath"

	"arena/internal/arena/process"
	"arena/internal/arena/storage"
	appErr "arena/pkg/errors"
)

// AlgorithmBinary is the program looked up inside an algorithm's directory.
const AlgorithmBinary = "algorithm"

// DirResolver resolves drivers by path and algorithms by name inside
// algorithmsDir, either <algorithmsDir>/<name>/algorithm or
// <algorithmsDir>/<name>.
func DirResolver(algorithmsDir string) process.Resolver {
	return func(kind process.Kind, name string) (string, []string, error) {
		if kind == process.KindDriver {
			path, err := filepath.Abs(name)
			if err != nil {
				return "", nil, err
			}
			if !isExecutable(path) {
				return "", nil, appErr.Newf(appErr.NotFound, "driver %s is not an executable file", path)
			}
			return path, nil, nil
		}

		if err := storage.ValidateName(name); err != nil {
			return "", nil, err
		}
		root, err := filepath.Abs(algorithmsDir)
		if err != nil {
			return "", nil, err
		}
		for _, candidate := range []string{
			filepath.Join(root, name, AlgorithmBinary),
			filepath.Join(root, name),
		} {
			if isExecutable(candidate) {
				return candidate, nil, nil
			}
		}
		return "", nil, appErr.Newf(appErr.NotFound, "algorithm %q not found in %s", name, root)
	}
}

func isExecutable(path string) bool {
	st, err := os.Stat(path)
	if err != nil {
		return false
	}
	return st.Mode().IsRegular() && st.Mode().Perm()&0111 != 0
}
