// Package allocator creates the files of a torrent on disk at their full length.
package allocator

import (
	"path/filepath"

	"github.com/cenkalti/downpour/internal/metainfo"
	"github.com/cenkalti/downpour/internal/storage"
)

// File is an opened file of the torrent.
type File struct {
	Storage storage.File
	Name    string
	Length  int64
}

// Allocate opens every file of the torrent with its full length.
// A single-file torrent becomes one file named info.Name.
// A multi-file torrent becomes a directory named info.Name containing
// the files at their relative paths.
// On error, files opened so far are closed.
func Allocate(info *metainfo.Info, sto storage.Storage) ([]File, error) {
	dicts := info.GetFiles()
	files := make([]File, len(dicts))
	for i, f := range dicts {
		parts := f.Path
		if info.MultiFile() {
			parts = append([]string{info.Name}, parts...)
		}
		name := filepath.Join(parts...)
		sf, _, err := sto.Open(name, f.Length)
		if err != nil {
			CloseAll(files[:i])
			return nil, err
		}
		files[i] = File{Storage: sf, Name: name, Length: f.Length}
	}
	return files, nil
}

// CloseAll closes the files.
func CloseAll(files []File) {
	for _, f := range files {
		if f.Storage != nil {
			_ = f.Storage.Close()
		}
	}
}
