package shard

import (
	"sync"
	"sync/atomic"

	"github.com/dreamware/ringchat/internal/ring"
	"github.com/dreamware/ringchat/internal/storage"
)

// ShardState describes whether the node is serving its partition.
type ShardState string

const (
	// ShardStateJoining means the node is still entering the ring; the keys it
	// will own are not yet routed to it.
	ShardStateJoining ShardState = "joining"
	// ShardStateActive means the node serves the keys it is responsible for.
	ShardStateActive ShardState = "active"
)

// Ownership answers whether this node is responsible for an identifier.
// *ring.Server satisfies it.
type Ownership interface {
	Space() ring.Space
	IsResponsibleFor(key ring.ID) bool
}

// Shard is the partition of application keys held by one node: every key
// whose hashed identifier falls between the node's predecessor and itself.
// Keys are stored under their original string (several keys may share one
// identifier); ownership is decided on the hash.
type Shard struct {
	Node  ring.ID       // The node holding this partition
	Store storage.Store // The storage backend
	State ShardState    // Current state
	Stats *ShardStats   // Operation statistics
	owner Ownership
	mu    sync.RWMutex // Protects State
}

// ShardStats combines operation counters with the store's size.
type ShardStats struct {
	Ops     OperationStats     `json:"ops"`
	Storage storage.StoreStats `json:"storage"`
}

// OperationStats counts calls since the shard was created.
type OperationStats struct {
	Gets    uint64 `json:"gets"`    // Number of get operations
	Puts    uint64 `json:"puts"`    // Number of put operations
	Deletes uint64 `json:"deletes"` // Number of delete operations
}

// ShardInfo is the summary reported by the admin endpoints.
type ShardInfo struct {
	Node      ring.ID    `json:"node"`
	State     ShardState `json:"state"`
	KeyCount  int        `json:"keyCount"`
	ByteSize  int        `json:"byteSize"`
	Misplaced int        `json:"misplaced"`
}

// NewShard creates the partition for node, backed by store, with ownership
// decided by owner. The shard starts active.
//
// Parameters:
//   - node: this node's identifier
//   - store: where records live, e.g. a storage.FileStore on the users dir
//   - owner: the ring server deciding responsibility
//
// Example:
//
//	users := shard.NewShard(srv.Self().ID, fileStore, srv)
//	if users.OwnsKey("alice@example.com") { ... }
func NewShard(node ring.ID, store storage.Store, owner Ownership) *Shard {
	return &Shard{
		Node:  node,
		Store: store,
		State: ShardStateActive,
		Stats: &ShardStats{},
		owner: owner,
	}
}

// KeyID hashes key onto the ring.
func (s *Shard) KeyID(key string) ring.ID {
	return s.owner.Space().HashID([]byte(key))
}

// OwnsKey reports whether this node is currently responsible for key.
func (s *Shard) OwnsKey(key string) bool {
	return s.owner.IsResponsibleFor(s.KeyID(key))
}

// Get returns the value stored under key, or storage.ErrKeyNotFound.
func (s *Shard) Get(key string) ([]byte, error) {
	atomic.AddUint64(&s.Stats.Ops.Gets, 1)
	return s.Store.Get(key)
}

// Put stores value under key, replacing any previous value.
func (s *Shard) Put(key string, value []byte) error {
	atomic.AddUint64(&s.Stats.Ops.Puts, 1)
	return s.Store.Put(key, value)
}

// PutIfAbsent stores value unless key already exists (storage.ErrKeyExists).
func (s *Shard) PutIfAbsent(key string, value []byte) error {
	atomic.AddUint64(&s.Stats.Ops.Puts, 1)
	return s.Store.PutIfAbsent(key, value)
}

// Delete removes key; a missing key is not an error.
func (s *Shard) Delete(key string) error {
	atomic.AddUint64(&s.Stats.Ops.Deletes, 1)
	return s.Store.Delete(key)
}

// ListKeys returns every stored key in ascending order.
func (s *Shard) ListKeys() []string {
	return s.Store.List()
}

// Misplaced returns the stored keys this node is no longer responsible for,
// typically because a newer node took over part of its arc. Records are not
// moved; they stay where they were written.
func (s *Shard) Misplaced() []string {
	var out []string
	for _, key := range s.Store.List() {
		if !s.OwnsKey(key) {
			out = append(out, key)
		}
	}
	return out
}

// GetStats returns a snapshot of the counters and the store's size.
func (s *Shard) GetStats() ShardStats {
	return ShardStats{
		Ops: OperationStats{
			Gets:    atomic.LoadUint64(&s.Stats.Ops.Gets),
			Puts:    atomic.LoadUint64(&s.Stats.Ops.Puts),
			Deletes: atomic.LoadUint64(&s.Stats.Ops.Deletes),
		},
		Storage: s.Store.Stats(),
	}
}

// Info summarizes the shard for reporting.
func (s *Shard) Info() ShardInfo {
	s.mu.RLock()
	state := s.State
	s.mu.RUnlock()

	stats := s.Store.Stats()
	return ShardInfo{
		Node:      s.Node,
		State:     state,
		KeyCount:  stats.Keys,
		ByteSize:  stats.Bytes,
		Misplaced: len(s.Misplaced()),
	}
}

// SetState records a state transition.
func (s *Shard) SetState(state ShardState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = state
}

// GetState returns the current state.
func (s *Shard) GetState() ShardState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.State
}
