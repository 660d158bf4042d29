// Package filestorage implements the Storage interface backed by files on disk.
package filestorage

import (
	"os"
	"path/filepath"

	"github.com/cenkalti/downpour/internal/storage"
)

// FileStorage opens files under a destination directory.
type FileStorage struct {
	dest string
}

// New returns a new FileStorage at dest.
func New(dest string) (*FileStorage, error) {
	var err error
	dest, err = filepath.Abs(dest)
	if err != nil {
		return nil, err
	}
	return &FileStorage{dest: dest}, nil
}

var _ storage.Storage = (*FileStorage)(nil)

// Dest returns the absolute destination directory.
func (s *FileStorage) Dest() string {
	return s.dest
}

// Open creates or opens the named file with the given size.
// Files are created at their full length up front so writes can be positional.
// The resulting file is sparse where the file system supports it.
func (s *FileStorage) Open(name string, size int64) (f storage.File, exists bool, err error) {
	name = filepath.Clean(name)

	// All files are saved under dest.
	name = filepath.Join(s.dest, name)

	// Create containing dir if not exists.
	err = os.MkdirAll(filepath.Dir(name), os.ModeDir|0750)
	if err != nil {
		return
	}

	// Make sure OS file is closed in case of any error.
	var of *os.File
	defer func() {
		if err != nil && of != nil {
			_ = of.Close()
		}
	}()

	const mode = 0640
	of, err = os.OpenFile(name, os.O_RDWR, mode) // nolint: gosec
	if os.IsNotExist(err) {
		of, err = os.OpenFile(name, os.O_RDWR|os.O_CREATE, mode) // nolint: gosec
		if err != nil {
			return
		}
		_ = disableReadAhead(of)
		f = of
		err = of.Truncate(size)
		return
	}
	if err != nil {
		return
	}
	_ = disableReadAhead(of)
	f = of
	exists = true
	fi, err := of.Stat()
	if err != nil {
		return
	}
	if fi.Size() != size {
		err = of.Truncate(size)
	}
	return
}
