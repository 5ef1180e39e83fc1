package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FileStore keeps one file per key inside a directory, such as a node's
// users directory. Keys are path-escaped into file names, with a leading dot
// escaped too so that no key file is hidden. Writes go through a temporary
// dot file and a rename, so a crash never leaves a torn value.
type FileStore struct {
	dir string
	mu  sync.RWMutex
}

// NewFileStore opens a store rooted at dir, creating it if needed.
//
// Example:
//
//	users, err := storage.NewFileStore(dataDir.Users)
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the directory the store writes to.
func (f *FileStore) Dir() string { return f.dir }

func (f *FileStore) path(key string) string {
	return filepath.Join(f.dir, fileName(key))
}

// fileName escapes key into a file name. Names starting with a dot belong to
// the store itself.
func fileName(key string) string {
	name := url.PathEscape(key)
	if strings.HasPrefix(name, ".") {
		name = "%2E" + name[1:]
	}
	return name
}

// Get returns the value stored under key, or ErrKeyNotFound.
func (f *FileStore) Get(key string) ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	value, err := os.ReadFile(f.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrKeyNotFound
	}
	return value, err
}

// Put stores value under key, replacing any previous value.
func (f *FileStore) Put(key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.write(key, value)
}

// PutIfAbsent stores value unless key already exists (ErrKeyExists).
func (f *FileStore) PutIfAbsent(key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, err := os.Stat(f.path(key)); err == nil {
		return ErrKeyExists
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return f.write(key, value)
}

func (f *FileStore) write(key string, value []byte) error {
	tmp, err := os.CreateTemp(f.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("put %q: %w", key, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		return fmt.Errorf("put %q: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("put %q: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), f.path(key)); err != nil {
		return fmt.Errorf("put %q: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (f *FileStore) Delete(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	err := os.Remove(f.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// List returns every stored key in ascending order. Temporary files left by
// an interrupted write are not keys and are skipped.
func (f *FileStore) List() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil
	}
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() || e.Name()[0] == '.' {
			continue
		}
		key, err := url.PathUnescape(e.Name())
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Stats counts the stored keys and their total size in bytes.
func (f *FileStore) Stats() StoreStats {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var stats StoreStats
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return stats
	}
	for _, e := range entries {
		if !e.Type().IsRegular() || e.Name()[0] == '.' {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		stats.Keys++
		stats.Bytes += int(info.Size())
	}
	return stats
}
