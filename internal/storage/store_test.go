package storage

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stores returns a fresh instance of every Store implementation.
func stores(t *testing.T) map[string]Store {
	t.Helper()
	fileStore, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	return map[string]Store{
		"memory": NewMemoryStore(),
		"file":   fileStore,
	}
}

func TestStoreContract(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("new store is empty", func(t *testing.T) {
				assert.Empty(t, store.List())
				_, err := store.Get("nonexistent")
				assert.ErrorIs(t, err, ErrKeyNotFound)
			})

			t.Run("put and get", func(t *testing.T) {
				require.NoError(t, store.Put("key1", []byte("value1")))
				value, err := store.Get("key1")
				require.NoError(t, err)
				assert.Equal(t, []byte("value1"), value)
			})

			t.Run("overwrite", func(t *testing.T) {
				require.NoError(t, store.Put("key1", []byte("value2")))
				value, err := store.Get("key1")
				require.NoError(t, err)
				assert.Equal(t, []byte("value2"), value)
			})

			t.Run("put if absent", func(t *testing.T) {
				require.NoError(t, store.PutIfAbsent("key2", []byte("first")))
				assert.ErrorIs(t, store.PutIfAbsent("key2", []byte("second")), ErrKeyExists)

				value, err := store.Get("key2")
				require.NoError(t, err)
				assert.Equal(t, []byte("first"), value)
			})

			t.Run("keys with separators", func(t *testing.T) {
				key := "alice@example.com/../x"
				require.NoError(t, store.Put(key, []byte("v")))
				value, err := store.Get(key)
				require.NoError(t, err)
				assert.Equal(t, []byte("v"), value)
			})

			t.Run("list is sorted", func(t *testing.T) {
				assert.Equal(t, []string{"alice@example.com/../x", "key1", "key2"}, store.List())
			})

			t.Run("stats", func(t *testing.T) {
				stats := store.Stats()
				assert.Equal(t, 3, stats.Keys)
				assert.Equal(t, len("value2")+len("first")+len("v"), stats.Bytes)
			})

			t.Run("delete", func(t *testing.T) {
				require.NoError(t, store.Delete("key1"))
				_, err := store.Get("key1")
				assert.ErrorIs(t, err, ErrKeyNotFound)
				assert.NoError(t, store.Delete("key1"), "deleting a missing key is fine")
			})
		})
	}
}

// TestMemoryStoreIsolation verifies that callers cannot alias stored bytes.
func TestMemoryStoreIsolation(t *testing.T) {
	store := NewMemoryStore()

	original := []byte("original")
	if err := store.Put("key", original); err != nil {
		t.Fatalf("Failed to put value: %v", err)
	}
	original[0] = 'X'

	value, _ := store.Get("key")
	if !bytes.Equal(value, []byte("original")) {
		t.Errorf("Store affected by caller mutation, got %s", value)
	}

	value[0] = 'Y'
	again, _ := store.Get("key")
	if !bytes.Equal(again, []byte("original")) {
		t.Errorf("Store affected by returned slice mutation, got %s", again)
	}
}

// TestPutIfAbsentRace checks that exactly one of many concurrent writers wins.
func TestPutIfAbsentRace(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			const writers = 20
			var wg sync.WaitGroup
			var mu sync.Mutex
			wins, losses := 0, 0

			for i := 0; i < writers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					err := store.PutIfAbsent("contended", []byte(fmt.Sprintf("writer-%d", i)))
					mu.Lock()
					defer mu.Unlock()
					switch {
					case err == nil:
						wins++
					case errors.Is(err, ErrKeyExists):
						losses++
					default:
						t.Errorf("unexpected error: %v", err)
					}
				}(i)
			}
			wg.Wait()

			assert.Equal(t, 1, wins)
			assert.Equal(t, writers-1, losses)
		})
	}
}

func TestMemoryStoreConcurrency(t *testing.T) {
	store := NewMemoryStore()
	const goroutines = 10
	const perGoroutine = 100

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				key := fmt.Sprintf("g%d-k%d", g, i)
				if err := store.Put(key, []byte(key)); err != nil {
					t.Errorf("put %s: %v", key, err)
				}
				if _, err := store.Get(key); err != nil {
					t.Errorf("get %s: %v", key, err)
				}
			}
		}(g)
	}
	wg.Wait()

	assert.Equal(t, goroutines*perGoroutine, store.Stats().Keys)
}

func TestKeysStartingWithADot(t *testing.T) {
	keys := []string{"..", ".a@b", ".hidden@example.com"}
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for _, k := range keys {
				require.NoError(t, store.Put(k, []byte("v")))
			}
			assert.Equal(t, keys, store.List())
			assert.Equal(t, len(keys), store.Stats().Keys)

			value, err := store.Get(".a@b")
			require.NoError(t, err)
			assert.Equal(t, []byte("v"), value)
			assert.ErrorIs(t, store.PutIfAbsent(".a@b", []byte("w")), ErrKeyExists)

			require.NoError(t, store.Delete(".a@b"))
			assert.Equal(t, []string{"..", ".hidden@example.com"}, store.List())
		})
	}
}

func TestFileStoreSkipsLeftoverTempFiles(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.Put("a@b", []byte("v")))
	// What a crash between create and rename leaves behind.
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".tmp-123"), []byte("torn"), 0o644))

	assert.Equal(t, []string{"a@b"}, store.List())
	assert.Equal(t, StoreStats{Keys: 1, Bytes: 1}, store.Stats())
}

func TestFileStorePersists(t *testing.T) {
	dir := t.TempDir()
	first, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, first.Put("42", []byte(`{"email":"a@b.c"}`)))

	second, err := NewFileStore(dir)
	require.NoError(t, err)
	value, err := second.Get("42")
	require.NoError(t, err)
	assert.JSONEq(t, `{"email":"a@b.c"}`, string(value))
	assert.Equal(t, dir, second.Dir())
}

func TestOpenDataDir(t *testing.T) {
	base := t.TempDir()

	dir, err := OpenDataDir(base, 53)
	require.NoError(t, err)
	assert.DirExists(t, dir.Users)
	assert.DirExists(t, dir.Chats)
	assert.Equal(t, base+"/53/users", dir.Users)

	t.Run("second opener is refused", func(t *testing.T) {
		_, err := OpenDataDir(base, 53)
		assert.ErrorIs(t, err, ErrDirLocked)
	})

	t.Run("other identifiers are independent", func(t *testing.T) {
		other, err := OpenDataDir(base, 3)
		require.NoError(t, err)
		assert.NoError(t, other.Close())
	})

	t.Run("reopen after close", func(t *testing.T) {
		require.NoError(t, dir.Close())
		again, err := OpenDataDir(base, 53)
		require.NoError(t, err)
		assert.NoError(t, again.Close())
	})
}
