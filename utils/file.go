package utils

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	goutils "go.viam.com/utils"
)

// RemoveFileNoError will remove the file at the given path if it exists. Any
// errors will be suppressed.
func RemoveFileNoError(path string) {
	goutils.UncheckedErrorFunc(func() error {
		if _, err := os.Stat(path); err == nil {
			return os.Remove(path)
		}
		return nil
	})
}

// WriteFileAtomic writes data next to path and renames it into place, so readers never observe
// a partially written file.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		goutils.UncheckedError(tmp.Close())
		RemoveFileNoError(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		RemoveFileNoError(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		RemoveFileNoError(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		RemoveFileNoError(tmpName)
		return errors.Wrapf(err, "failed to move %q into place", path)
	}
	return nil
}
