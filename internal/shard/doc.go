// Package shard manages the slice of application data a ring chat node is
// responsible for.
//
// # Overview
//
// A node owns every key whose hashed identifier lies on the arc
// (predecessor, self]. Shard wraps a storage.Store with that ownership rule
// and with operation counters:
//
//	┌──────────────────────────────┐
//	│            Shard             │
//	├──────────────────────────────┤
//	│  OwnsKey ──► ring.Server     │
//	│  Get/Put ──► storage.Store   │
//	│  Stats   ──► atomic counters │
//	└──────────────────────────────┘
//
// Keys are kept under their original strings. The identifier space is small
// (128 slots by default), so unrelated keys often share an identifier; the
// hash only decides which node holds them.
//
// # Ownership Changes
//
// When a node joins between a key's identifier and its old owner, the key's
// owner changes. Records are not migrated. Misplaced lists such keys so the
// admin endpoint can report them.
//
// # Thread Safety
//
// Counters are updated atomically and the store is itself concurrent-safe,
// so every method may be called from any goroutine.
package shard
