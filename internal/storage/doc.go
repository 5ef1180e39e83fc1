// Package storage holds a ring chat node's records and owns its on-disk
// data directory.
//
// # Overview
//
// Every node keeps the accounts it is responsible for in a Store. Two
// implementations satisfy the interface:
//
//	┌─────────────────────────────────────┐
//	│        Account service (chat)       │
//	└─────────────────────────────────────┘
//	                 │
//	                 ▼
//	┌─────────────────────────────────────┐
//	│           Store interface           │
//	└─────────────────────────────────────┘
//	          │                 │
//	          ▼                 ▼
//	   ┌────────────┐    ┌────────────┐
//	   │  Memory    │    │   File     │
//	   │  Store     │    │   Store    │
//	   └────────────┘    └────────────┘
//
// MemoryStore: map guarded by sync.RWMutex
//   - Fast, nothing survives a restart
//   - Used by tests and by nodes started without a data directory
//
// FileStore: one file per key in a directory
//   - Values are replaced atomically by rename
//   - Keys are path-escaped, so any string is a valid key
//
// # Data Directory
//
// OpenDataDir lays out a node's private directory:
//
//	data/
//	└── <nodeId>/
//	    ├── .lock     exclusive flock held while the node runs
//	    ├── users/    account records (FileStore)
//	    └── chats/    reserved for chat history
//
// The lock makes two processes that hashed to the same identifier on one
// host fail fast with ErrDirLocked instead of corrupting each other's files.
//
// # Concurrency
//
// All Store methods are safe for concurrent use. PutIfAbsent is atomic with
// respect to every other method of the same store, which is what makes
// sign-up races on one email resolve to exactly one winner.
//
// # Errors
//
//   - ErrKeyNotFound: Get on a missing key
//   - ErrKeyExists: PutIfAbsent on a present key
//   - ErrDirLocked: OpenDataDir on a directory held by another process
package storage
