package storage

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/caio-sobreiro/dicomstack/dicomerr"
)

// FilesystemBackend stores instances under a root directory, one file per
// key. Writes go through a sibling temp file and os.Rename so a reader never
// observes a partially written instance.
type FilesystemBackend struct {
	root string
}

// NewFilesystemBackend returns a Backend rooted at root. root is created if
// it does not already exist.
func NewFilesystemBackend(root string) (*FilesystemBackend, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, dicomerr.NewStorageError("mkdir", root, err)
	}
	return &FilesystemBackend{root: root}, nil
}

func (b *FilesystemBackend) path(key string) string {
	return filepath.Join(b.root, filepath.FromSlash(key))
}

// Put writes data to key via a temp file in the same directory, then renames
// it into place so concurrent readers never see a truncated write.
func (b *FilesystemBackend) Put(ctx context.Context, key string, data []byte) error {
	dest := b.path(key)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return dicomerr.NewStorageError("mkdir", key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".tmp-*")
	if err != nil {
		return dicomerr.NewStorageError("put", key, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return dicomerr.NewStorageError("put", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return dicomerr.NewStorageError("put", key, err)
	}

	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return dicomerr.NewStorageError("put", key, err)
	}

	return nil
}

// Get reads the bytes stored at key.
func (b *FilesystemBackend) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(b.path(key))
	if err != nil {
		return nil, dicomerr.NewStorageError("get", key, err)
	}
	return data, nil
}

// List returns every key under the backend root whose slash-joined path has
// prefix. Keys are returned sorted.
func (b *FilesystemBackend) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.Walk(b.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(b.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, dicomerr.NewStorageError("list", prefix, err)
	}

	sort.Strings(keys)
	return keys, nil
}

// Delete removes the file stored at key.
func (b *FilesystemBackend) Delete(ctx context.Context, key string) error {
	if err := os.Remove(b.path(key)); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return dicomerr.NewStorageError("delete", key, err)
	}
	return nil
}

var _ Backend = (*FilesystemBackend)(nil)
