// Package blob stores artifact files under a local root directory.
package blob

import (
	"io"
	"os"
	"path/filepath"
)

// LocalFS is a filesystem-backed blob store. Keys are relative paths,
// cleaned before use.
type LocalFS struct {
	Root string
}

// Put writes the reader's contents under key, creating parent directories.
// Returns the cleaned key.
func (l LocalFS) Put(key string, r io.Reader) (string, error) {
	clean := filepath.Clean(key)
	abs := filepath.Join(l.Root, clean)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	f, err := os.Create(abs)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		return "", err
	}
	return clean, nil
}

// Open opens the blob stored under key.
func (l LocalFS) Open(key string) (*os.File, error) {
	return os.Open(filepath.Join(l.Root, filepath.Clean(key)))
}

// Exists reports whether a blob is stored under key.
func (l LocalFS) Exists(key string) bool {
	_, err := os.Stat(filepath.Join(l.Root, filepath.Clean(key)))
	return err == nil
}
