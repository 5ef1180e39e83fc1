package ring

import "errors"

var (
	// ErrIDCollision is returned when a node claims an identifier already held
	// by a different address. Such nodes are refused, never aliased.
	ErrIDCollision = errors.New("identifier already held by another node")

	// ErrNotEstablished is returned when a server that is still joining is
	// asked to act as a contact.
	ErrNotEstablished = errors.New("node has not finished joining")
)

// Kind is the type tag of a ring-protocol message.
type Kind string

const (
	KindNewNode        Kind = "NEWNODE"
	KindPredecessor    Kind = "PREDECESSOR"
	KindSuccessorTable Kind = "SUCCESSOR_FT"
	KindServerDown     Kind = "SERVER_DOWN"
)

// Message is one of NewNode, Predecessor, SuccessorTable or ServerDown.
// The set is closed; Server.Handle matches it exhaustively.
type Message interface {
	Kind() Kind
	ringMessage()
}

// NewNode announces a node entering the ring. Relayed is false when Node
// sends its own announcement and true when a member passes on one it learned.
type NewNode struct {
	Node    Node
	Relayed bool
}

// Predecessor tells the receiver that Node may be its predecessor.
type Predecessor struct {
	Node Node
}

// SuccessorTable carries the sender's finger table. Bootstrap is set when the
// sender has just adopted the receiver as its predecessor, which completes the
// receiver's join.
type SuccessorTable struct {
	Table     Snapshot
	Bootstrap bool
}

// ServerDown reports a member that stopped answering. Receivers only log it.
type ServerDown struct {
	Node Node
}

func (NewNode) Kind() Kind        { return KindNewNode }
func (Predecessor) Kind() Kind    { return KindPredecessor }
func (SuccessorTable) Kind() Kind { return KindSuccessorTable }
func (ServerDown) Kind() Kind     { return KindServerDown }

func (NewNode) ringMessage()        {}
func (Predecessor) ringMessage()    {}
func (SuccessorTable) ringMessage() {}
func (ServerDown) ringMessage()     {}

// Status is the reply a server gives to one ring message.
type Status int

const (
	// StatusAck means the message was applied (or was already known).
	StatusAck Status = iota
	// StatusNotReady means the receiver is still joining and cannot take a joiner.
	StatusNotReady
	// StatusRejected means the message carried a colliding identifier.
	StatusRejected
)

func (s Status) String() string {
	switch s {
	case StatusAck:
		return "ACK"
	case StatusNotReady:
		return "NACK"
	case StatusRejected:
		return "REJECT"
	default:
		return "UNKNOWN"
	}
}

// Outbound is a one-shot call the server wants made after it releases its
// lock. When To answers NACK or cannot be reached, the caller moves on to the
// Fallback nodes in order; any other outcome ends the call.
type Outbound struct {
	Message  Message
	To       Node
	Fallback []Node
}
