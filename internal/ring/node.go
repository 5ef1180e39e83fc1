package ring

import (
	"fmt"
	"net"
	"strconv"
)

// Node describes a ring participant. It is a plain value and never changes after
// construction. Ring ordering and Equal compare identifiers only; the address is
// carried so the fabric can dial the node.
type Node struct {
	IP   string `json:"ip"`
	ID   ID     `json:"id"`
	Port int    `json:"port"`
}

// NewLocalNode builds the descriptor for this process, deriving the identifier
// from the advertised "ip:port".
//
// Example:
//
//	self := ring.NewLocalNode(space, "10.0.0.1", 7000)
func NewLocalNode(space Space, ip string, port int) Node {
	addr := net.JoinHostPort(ip, strconv.Itoa(port))
	return Node{ID: space.HashID([]byte(addr)), IP: ip, Port: port}
}

// NewPeerNode builds a descriptor from an identifier received from a peer.
// The identifier is taken as given and not re-hashed.
func NewPeerNode(id ID, ip string, port int) Node {
	return Node{ID: id, IP: ip, Port: port}
}

// ParseLocalNode splits an "ip:port" address and derives the node from it.
func ParseLocalNode(space Space, addr string) (Node, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return Node{}, fmt.Errorf("parse node address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return Node{}, fmt.Errorf("parse node address %q: invalid port", addr)
	}
	return NewLocalNode(space, host, port), nil
}

// Addr returns the dialable "ip:port" form of the node.
func (n Node) Addr() string {
	return net.JoinHostPort(n.IP, strconv.Itoa(n.Port))
}

// Equal compares by identifier only.
func (n Node) Equal(o Node) bool {
	return n.ID == o.ID
}

func (n Node) String() string {
	return fmt.Sprintf("%d@%s", n.ID, n.Addr())
}
