package fs

import (
	"errors"
	"io/fs"
	"os"
	"path"
	"sort"
)

// ContainsFiles returns true if the directory tree rooted at dir contains any
// files. A missing directory contains no files.
func ContainsFiles(dir string) (bool, error) {
	return FSContainsFiles(os.DirFS(dir))
}

// FSContainsFiles returns true if the given fs.FS contains any files, and false otherwise.
func FSContainsFiles(fsys fs.FS) (bool, error) {
	// errFound is a sentinel error used to stop the walk when a file is found.
	errFound := os.ErrExist

	err := fs.WalkDir(fsys, ".", func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return errFound
		}
		return nil
	})
	if err == errFound {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}

	return false, err
}

// Names returns the base names of the regular files directly under dir whose
// extension is ext, without the extension, sorted.
func Names(fsys fs.FS, dir, ext string) ([]string, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if !e.Type().IsRegular() || path.Ext(e.Name()) != ext {
			continue
		}
		names = append(names, e.Name()[:len(e.Name())-len(ext)])
	}

	sort.Strings(names)
	return names, nil
}
