package ring

import (
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
)

// Server owns the ring state of one process: its identity, finger table,
// predecessor and member directory. Every read and every update runs under a
// single lock; callers only ever see copies. Handlers never perform I/O; they
// return the calls to make as Outbound values for the fabric to execute once
// the lock is released.
type Server struct {
	table       *FingerTable
	directory   *Directory
	log         *log.Entry
	space       Space
	mu          sync.RWMutex
	established bool
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the entry the server logs through.
func WithLogger(entry *log.Entry) Option {
	return func(s *Server) { s.log = entry }
}

// NewServer creates the ring state for self as a ring of one. The server is
// established: it can answer lookups and accept joins immediately.
//
// Parameters:
//   - space: the identifier space shared by every member
//   - self: this process's node, normally from NewLocalNode
//   - opts: optional settings such as WithLogger
//
// Example:
//
//	space, _ := ring.NewSpace(7)
//	srv := ring.NewServer(space, ring.NewLocalNode(space, "10.0.0.1", 7000))
func NewServer(space Space, self Node, opts ...Option) *Server {
	s := &Server{
		space:       space,
		table:       NewFingerTable(space, self),
		directory:   NewDirectory(),
		established: true,
		log:         log.WithFields(log.Fields{"component": "ring", "node": self.ID}),
	}
	s.directory.Put(self)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Space returns the identifier space.
func (s *Server) Space() Space { return s.space }

// Self returns this server's node.
func (s *Server) Self() Node { return s.table.Self() }

// Lookup returns the node currently believed responsible for key.
func (s *Server) Lookup(key ID) Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.table.Lookup(key)
}

// IsResponsibleFor reports whether Lookup(key) is this server.
//
// Example:
//
//	if !srv.IsResponsibleFor(userID) {
//	    redirect(srv.Lookup(userID))
//	}
func (s *Server) IsResponsibleFor(key ID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.table.Lookup(key).ID == s.table.Self().ID
}

// PredecessorLookup returns the known node immediately preceding the owner of key.
func (s *Server) PredecessorLookup(key ID) Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.table.PredecessorLookup(key)
}

// Successor returns finger 1.
func (s *Server) Successor() Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.table.Successor()
}

// Predecessor returns the predecessor pointer.
func (s *Server) Predecessor() Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.table.Predecessor()
}

// Snapshot returns a copy of the finger table and predecessor.
func (s *Server) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.table.Snapshot()
}

// Members returns every node this server knows of, itself included, by identifier.
func (s *Server) Members() []Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.directory.Nodes()
}

// Established reports whether the server has completed its join.
func (s *Server) Established() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.established
}

// UpdateFingerTable offers candidate to every finger and reports whether any
// entry changed. It does not record the candidate as a member.
func (s *Server) UpdateFingerTable(candidate Node) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.table.Update(candidate)
}

// SetPredecessor moves the predecessor to candidate when candidate differs
// from the current one and is closer to this server.
func (s *Server) SetPredecessor(candidate Node) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.table.OfferPredecessor(candidate)
}

// BeginJoin marks the server as joining and returns the announcement to send
// to a contact. Until a bootstrap table arrives the server refuses to act as a
// contact for other joiners; relayed announcements are still learned.
func (s *Server) BeginJoin() NewNode {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.established = false
	return NewNode{Node: s.table.Self()}
}

// AbortJoin returns a server whose join failed to a standalone ring of one.
func (s *Server) AbortJoin() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.established = true
}

// Handle applies one ring message and returns the reply status together with
// the calls that must follow. It is the only entry point for protocol traffic.
func (s *Server) Handle(msg Message) (Status, []Outbound) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Outbound
	var status Status
	switch m := msg.(type) {
	case NewNode:
		status = s.handleNewNode(m, &out)
	case Predecessor:
		status = s.handlePredecessor(m.Node, &out)
	case SuccessorTable:
		status = s.handleSuccessorTable(m, &out)
	case ServerDown:
		s.log.Warnf("server %s is down", m.Node)
		status = StatusAck
	}
	return status, out
}

// handleNewNode processes an announcement that arrived here, either from the
// joining node itself or relayed by a member that just learned of it.
func (s *Server) handleNewNode(m NewNode, out *[]Outbound) Status {
	n := m.Node
	if known, ok := s.directory.Get(n.ID); ok && known != n {
		s.log.Errorf("refusing %s: identifier %d already held by %s", n, n.ID, known)
		return StatusRejected
	}
	if n.ID == s.table.Self().ID {
		return StatusAck
	}
	if !s.established && !m.Relayed {
		return StatusNotReady
	}
	if err := s.learn(n, out); err != nil {
		return StatusRejected
	}
	return StatusAck
}

// handlePredecessor processes a node's claim to be our predecessor.
func (s *Server) handlePredecessor(p Node, out *[]Outbound) Status {
	before := s.table.Predecessor()
	if err := s.learn(p, out); err != nil {
		return StatusRejected
	}
	after := s.table.Predecessor()
	if after != before {
		if succ := s.table.Successor(); succ.ID != s.table.Self().ID {
			*out = append(*out, s.tableTo(succ, s.table.Snapshot(), false))
		}
	}
	return StatusAck
}

// handleSuccessorTable merges a peer's table: the owner, its predecessor and
// every finger are offered in turn.
func (s *Server) handleSuccessorTable(m SuccessorTable, out *[]Outbound) Status {
	status := StatusAck
	for _, n := range m.Table.Nodes() {
		if err := s.learn(n, out); err != nil {
			status = StatusRejected
		}
	}
	if m.Bootstrap && !s.established {
		s.established = true
		s.log.Infof("joined ring: predecessor %s, successor %s", s.table.Predecessor(), s.table.Successor())
		// A predecessor adopted while we were joining got no bootstrap from us.
		if prev := s.table.Predecessor(); prev.ID != s.table.Self().ID {
			*out = append(*out, s.tableTo(prev, s.table.Snapshot(), true))
		}
	}
	return status
}

// learn records n as a member the first time it is heard of and applies the
// consequences. Later mentions of a known member change nothing, because
// fingers and the predecessor only ever move closer as members are added.
//
// On first contact:
//   - every finger is offered n
//   - if n becomes the predecessor, n receives our table as it was before n
//     arrived (it inherits our old predecessor), and every member that should
//     now route through n is sent our refreshed table. Only an established
//     server marks that table as a bootstrap.
//   - if n becomes the successor, n is told we are its predecessor and is
//     handed every other member we know
//   - n receives our table if nothing above sent it one, so it learns of us
//   - n is relayed to the next member clockwise
//
// Together these leave every member knowing every other once traffic stops,
// however many joins overlap: a member's successor ends up knowing everything
// the member knows, and following successors goes all the way round.
func (s *Server) learn(n Node, out *[]Outbound) error {
	self := s.table.Self()
	if known, ok := s.directory.Get(n.ID); ok {
		if known != n {
			s.log.Errorf("ignoring %s: identifier %d already held by %s", n, n.ID, known)
			return ErrIDCollision
		}
		return nil
	}

	before := s.table.Clone()
	s.directory.Put(n)
	s.table.Update(n)

	if s.table.OfferPredecessor(n) {
		s.log.Infof("predecessor %s -> %s", before.Predecessor(), n)
		*out = append(*out, s.tableTo(n, before.Snapshot(), s.established))
		for _, m := range s.directory.Nodes() {
			if m.ID == n.ID || m.ID == self.ID {
				continue
			}
			if s.routesThrough(m, n) {
				*out = append(*out, s.tableTo(m, s.table.Snapshot(), false))
			}
		}
	}
	if succ := s.table.Successor(); succ.ID == n.ID && before.Successor().ID != n.ID {
		s.log.Infof("successor %s -> %s", before.Successor(), n)
		*out = append(*out, Outbound{To: n, Message: Predecessor{Node: self}})
	}
	if !sendsTableTo(*out, n) {
		*out = append(*out, s.tableTo(n, s.table.Snapshot(), false))
	}

	hops := s.directory.Clockwise(self.ID, n.ID)
	if len(hops) > 0 {
		*out = append(*out, Outbound{
			To:       hops[0],
			Message:  NewNode{Node: n, Relayed: true},
			Fallback: hops[1:],
		})
	}
	if next := s.directory.Clockwise(self.ID); next[0].ID == n.ID {
		for _, m := range hops {
			*out = append(*out, Outbound{To: n, Message: NewNode{Node: m, Relayed: true}})
		}
	}
	return nil
}

// routesThrough reports whether, by what this server knows, via is one of m's fingers.
func (s *Server) routesThrough(m, via Node) bool {
	for i := 1; i <= int(s.space.Bits); i++ {
		if f, ok := s.directory.SuccessorOf(s.space.FingerStart(m.ID, i)); ok && f.ID == via.ID {
			return true
		}
	}
	return false
}

func (s *Server) tableTo(to Node, table Snapshot, bootstrap bool) Outbound {
	return Outbound{To: to, Message: SuccessorTable{Table: table, Bootstrap: bootstrap}}
}

func sendsTableTo(out []Outbound, n Node) bool {
	return slices.ContainsFunc(out, func(o Outbound) bool {
		_, ok := o.Message.(SuccessorTable)
		return ok && o.To.ID == n.ID
	})
}
