package ring

import (
	"github.com/emirpasic/gods/maps/treemap"
	"golang.org/x/exp/slices"
)

// Directory is the set of ring members a server has heard of, itself
// included, ordered by identifier. It backs the collision policy (one address
// per identifier), the announcement walk, and finger introductions.
//
// Not safe for concurrent use; Server guards it with the ring lock.
type Directory struct {
	tree *treemap.Map
}

func compareIDs(a, b interface{}) int {
	x, y := a.(ID), b.(ID)
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	default:
		return 0
	}
}

// NewDirectory returns an empty directory.
func NewDirectory() *Directory {
	return &Directory{tree: treemap.NewWith(compareIDs)}
}

// Get returns the member holding id.
func (d *Directory) Get(id ID) (Node, bool) {
	v, ok := d.tree.Get(id)
	if !ok {
		return Node{}, false
	}
	return v.(Node), true
}

// Put records n, replacing any member with the same identifier.
func (d *Directory) Put(n Node) {
	d.tree.Put(n.ID, n)
}

// Len returns the number of members.
func (d *Directory) Len() int {
	return d.tree.Size()
}

// Nodes returns all members in ascending identifier order.
func (d *Directory) Nodes() []Node {
	values := d.tree.Values()
	out := make([]Node, 0, len(values))
	for _, v := range values {
		out = append(out, v.(Node))
	}
	return out
}

// SuccessorOf returns the first member at or clockwise after key.
func (d *Directory) SuccessorOf(key ID) (Node, bool) {
	k, v := d.tree.Ceiling(key)
	if k == nil {
		k, v = d.tree.Min()
		if k == nil {
			return Node{}, false
		}
	}
	return v.(Node), true
}

// Clockwise lists members in clockwise order starting just after from,
// leaving out from itself and any identifier in skip.
func (d *Directory) Clockwise(from ID, skip ...ID) []Node {
	nodes := d.Nodes()
	split := slices.IndexFunc(nodes, func(n Node) bool { return n.ID > from })
	if split < 0 {
		split = 0
	}
	rotated := make([]Node, 0, len(nodes))
	rotated = append(rotated, nodes[split:]...)
	rotated = append(rotated, nodes[:split]...)

	out := make([]Node, 0, len(rotated))
	for _, n := range rotated {
		if n.ID == from || slices.Contains(skip, n.ID) {
			continue
		}
		out = append(out, n)
	}
	return out
}
