package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gofrs/flock"

	"github.com/dreamware/ringchat/internal/ring"
)

// ErrDirLocked is returned when another process already holds a node's data directory.
var ErrDirLocked = errors.New("data directory in use by another process")

// Subdirectories of a node's data directory.
const (
	UsersDir = "users"
	ChatsDir = "chats"
	lockFile = ".lock"
)

// DataDir is a node's private directory, <base>/<nodeId>, holding the users
// and chats subdirectories. It stays exclusively locked until Close.
type DataDir struct {
	Root  string
	Users string
	Chats string
	lock  *flock.Flock
}

// OpenDataDir creates <base>/<id>/{users,chats} and takes an exclusive lock
// on it. A second process with the same identifier on the same host gets
// ErrDirLocked instead of sharing the files.
//
// Parameters:
//   - base: the configured data directory, "data" by default
//   - id: this node's ring identifier
//
// Returns:
//   - The opened directory; call Close on shutdown
//   - ErrDirLocked if the directory is held elsewhere, or an I/O error
//
// Example:
//
//	dir, err := storage.OpenDataDir("data", self.ID)
//	if errors.Is(err, storage.ErrDirLocked) {
//	    log.Fatalf("node %d already running here", self.ID)
//	}
//	defer dir.Close()
func OpenDataDir(base string, id ring.ID) (*DataDir, error) {
	root := filepath.Join(base, strconv.FormatUint(uint64(id), 10))
	d := &DataDir{
		Root:  root,
		Users: filepath.Join(root, UsersDir),
		Chats: filepath.Join(root, ChatsDir),
	}
	for _, dir := range []string{d.Users, d.Chats} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("open data dir: %w", err)
		}
	}

	d.lock = flock.New(filepath.Join(root, lockFile))
	locked, err := d.lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", root, err)
	}
	if !locked {
		return nil, fmt.Errorf("lock %s: %w", root, ErrDirLocked)
	}
	return d, nil
}

// Close releases the lock. The files stay on disk.
func (d *DataDir) Close() error {
	return d.lock.Unlock()
}
