// Package ring implements the Chord-style overlay that decides which chat
// server owns which user. Every server hashes its address into a small
// circular identifier space and keeps a finger table describing where the
// rest of the ring lives.
//
// # Overview
//
// Identifiers are m-bit integers (m = 7 by default, so 128 slots). A key k is
// owned by the first server clockwise from k, counting k itself. Each server
// keeps:
//
//   - its own Node (address and identifier)
//   - a predecessor pointer
//   - m fingers; finger i points at the server believed to own self + 2^(i-1)
//   - a directory of every member it has heard of
//
// # Arcs
//
// All interval reasoning goes through Space.ArcContains, which answers
// "does x lie on the half-open clockwise arc [start, end)". The other arc
// shapes used by the protocol are derived from it:
//
//	(a, b]  == ArcContains(a+1, b+1)
//	(a, b)  == ArcContains(a+1, b)
//
// An arc whose ends coincide is empty, except that (a, a) is the whole ring
// without a.
//
// # Join Protocol
//
// A joining server sends NEWNODE to any member. The announcement is walked
// clockwise around every member exactly once; each member folds the newcomer
// into its finger table and predecessor. Members that gain something from the
// newcomer push tables back:
//
//	NEWNODE        announce a joining server, walked around the ring
//	PREDECESSOR    "I am your predecessor", sent to a new successor
//	SUCCESSOR_FT   a full table: owner, predecessor and fingers
//	SERVER_DOWN    a failure report; logged only
//
// The joiner is established once its successor sends it a bootstrap table.
// Until then it answers NEWNODE with NACK so walks skip it.
//
// # Concurrency
//
// Server guards all ring state with one RWMutex. Handlers never do network
// I/O; Handle returns the calls to make as []Outbound and the caller performs
// them after the lock is released. FingerTable and Directory are not safe for
// concurrent use on their own.
//
// # Example
//
//	space, _ := ring.NewSpace(ring.DefaultBits)
//	srv := ring.NewServer(space, ring.NewLocalNode(space, "10.0.0.1", 7000))
//
//	owner := srv.Lookup(space.HashID([]byte("alice@example.com")))
//	fmt.Println("alice lives on", owner)
package ring
