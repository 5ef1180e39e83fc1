package ring

import (
	"golang.org/x/exp/slices"
)

// FingerTable is the routing state of one server: m exponentially spaced
// shortcuts plus the predecessor pointer. Entry i (1-based) holds the node
// believed to own FingerStart(self, i).
//
// A FingerTable is not safe for concurrent use on its own. Server guards the
// single instance it owns and hands out clones.
type FingerTable struct {
	self    Node
	pred    Node
	entries []Node // entries[i-1] is finger i
	space   Space
}

// NewFingerTable returns the table of a ring of one: every entry and the
// predecessor point at self.
func NewFingerTable(space Space, self Node) *FingerTable {
	entries := make([]Node, space.Bits)
	for i := range entries {
		entries[i] = self
	}
	return &FingerTable{
		space:   space,
		self:    self,
		pred:    self,
		entries: entries,
	}
}

// Self returns the owner of the table.
func (t *FingerTable) Self() Node { return t.self }

// Predecessor returns the current predecessor pointer.
func (t *FingerTable) Predecessor() Node { return t.pred }

// Successor returns finger 1, the immediate clockwise neighbor.
func (t *FingerTable) Successor() Node { return t.entries[0] }

// Len returns m, the number of fingers.
func (t *FingerTable) Len() int { return len(t.entries) }

// Entry returns finger i, 1 <= i <= Len().
func (t *FingerTable) Entry(i int) Node { return t.entries[i-1] }

// Start returns the identifier finger i is meant to cover.
func (t *FingerTable) Start(i int) ID { return t.space.FingerStart(t.self.ID, i) }

// Entries returns a copy of fingers 1..m in order.
func (t *FingerTable) Entries() []Node { return slices.Clone(t.entries) }

// Clone returns an independent copy of the table.
func (t *FingerTable) Clone() *FingerTable {
	c := *t
	c.entries = slices.Clone(t.entries)
	return &c
}

// Alone reports whether the table still describes a ring of one.
func (t *FingerTable) Alone() bool {
	if t.pred.ID != t.self.ID {
		return false
	}
	return !slices.ContainsFunc(t.entries, func(n Node) bool { return n.ID != t.self.ID })
}

// Update offers candidate to every finger: entry i is replaced when the
// candidate lies on [Start(i), entry_i), i.e. it is a closer successor of the
// start than the current entry. Offering the same candidate again changes
// nothing. Reports whether any entry changed.
//
// Example (self=10, fingers all 90):
//
//	t.Update(ring.NewPeerNode(50, "10.0.0.5", 7000)) // fingers 1..6 become 50, finger 7 (start 74) stays 90
func (t *FingerTable) Update(candidate Node) bool {
	if candidate.ID == t.self.ID {
		return false
	}
	changed := false
	for i := range t.entries {
		cur := t.entries[i]
		if cur.ID == candidate.ID {
			continue
		}
		if t.space.ArcContains(t.Start(i+1), cur.ID, candidate.ID) {
			t.entries[i] = candidate
			changed = true
		}
	}
	return changed
}

// OfferPredecessor adopts candidate as predecessor when it differs from the
// current one and lies strictly between it and self. While the predecessor is
// still self every other node qualifies. Reports whether the pointer moved.
func (t *FingerTable) OfferPredecessor(candidate Node) bool {
	if candidate.ID == t.self.ID || candidate.ID == t.pred.ID {
		return false
	}
	if !t.space.open(t.pred.ID, t.self.ID, candidate.ID) {
		return false
	}
	t.pred = candidate
	return true
}

// Lookup returns the node believed responsible for key.
//
// Self answers for (predecessor, self]. Otherwise fingers are walked from 1
// upward and the first one whose arc (self, finger] contains key wins. Keys
// beyond the last finger belong somewhere on (last finger, predecessor], so
// the predecessor is returned. A ring of one returns self for every key.
//
// Example (nodes 10, 50, 90 on 128 slots):
//
//	t.Lookup(95) // node 10
//	t.Lookup(30) // node 50
func (t *FingerTable) Lookup(key ID) Node {
	if t.pred.ID != t.self.ID && t.space.openClosed(t.pred.ID, t.self.ID, key) {
		return t.self
	}
	for _, f := range t.entries {
		if f.ID == t.self.ID {
			continue
		}
		if t.space.openClosed(t.self.ID, f.ID, key) {
			return f
		}
	}
	if t.pred.ID != t.self.ID {
		return t.pred
	}
	return t.self
}

// PredecessorLookup returns the known node immediately preceding the owner of
// key: the predecessor when self owns key, otherwise the farthest finger that
// still lies strictly between self and the owner, or self if none does.
func (t *FingerTable) PredecessorLookup(key ID) Node {
	owner := t.Lookup(key)
	if owner.ID == t.self.ID {
		return t.pred
	}
	for i := len(t.entries) - 1; i >= 0; i-- {
		f := t.entries[i]
		if t.space.open(t.self.ID, owner.ID, f.ID) {
			return f
		}
	}
	return t.self
}

// Snapshot captures the table for transfer in a SUCCESSOR_FT message.
func (t *FingerTable) Snapshot() Snapshot {
	return Snapshot{
		Owner:       t.self,
		Predecessor: t.pred,
		Fingers:     slices.Clone(t.entries),
	}
}

// Snapshot is an immutable copy of a finger table as carried on the wire.
type Snapshot struct {
	Owner       Node   `json:"owner"`
	Predecessor Node   `json:"predecessor"`
	Fingers     []Node `json:"fingers"`
}

// Nodes lists every node the snapshot mentions, owner first, then the
// predecessor, then fingers 1..m. Duplicates are kept.
func (s Snapshot) Nodes() []Node {
	out := make([]Node, 0, len(s.Fingers)+2)
	out = append(out, s.Owner, s.Predecessor)
	return append(out, s.Fingers...)
}

// Equal reports whether two snapshots hold the same nodes in the same slots.
func (s Snapshot) Equal(o Snapshot) bool {
	return s.Owner == o.Owner && s.Predecessor == o.Predecessor && slices.Equal(s.Fingers, o.Fingers)
}
