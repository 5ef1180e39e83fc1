package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/dreamware/ringchat/internal/ring"
)

var (
	// ErrMalformedBody is returned when an envelope's body or payload does not
	// match the shape its type requires.
	ErrMalformedBody = errors.New("malformed message body")

	// ErrUnknownType is returned for a type tag outside the protocol.
	ErrUnknownType = errors.New("unknown message type")
)

// Type is the tag carried in every envelope.
type Type string

// Reply tags answer a ring call.
const (
	TypeAck    Type = "ACK"
	TypeNack   Type = "NACK"
	TypeReject Type = "REJECT"
)

// Application tags belong to the account service.
const (
	TypeSignUp        Type = "SIGNUP"
	TypeSignIn        Type = "SIGNIN"
	TypeSignOut       Type = "SIGNOUT"
	TypeClientSuccess Type = "CLIENT_SUCCESS"
	TypeClientError   Type = "CLIENT_ERROR"
	TypeRedirect      Type = "REDIRECT"
)

var appTypes = map[Type]struct{}{
	TypeSignUp:        {},
	TypeSignIn:        {},
	TypeSignOut:       {},
	TypeClientSuccess: {},
	TypeClientError:   {},
	TypeRedirect:      {},
}

// IsApplication reports whether t belongs to the account service.
func (t Type) IsApplication() bool {
	_, ok := appTypes[t]
	return ok
}

// Envelope is the unit written on the wire, one JSON object per line.
// Body carries short textual arguments; Payload carries structured ones.
type Envelope struct {
	Type    Type            `json:"type"`
	Sender  ring.ID         `json:"senderId"`
	Body    string          `json:"body,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Message is the decoded form of an envelope: a RingMessage, an AppMessage
// or a Reply. Nothing else satisfies it.
type Message interface {
	wireMessage()
}

// RingMessage wraps one of the ring protocol messages.
type RingMessage struct {
	Sender  ring.ID
	Message ring.Message
}

// AppMessage is handed to the application layer untouched.
type AppMessage struct {
	Type    Type
	Sender  ring.ID
	Body    string
	Payload json.RawMessage
}

// Reply answers a ring call. Reason is free text and may be empty.
type Reply struct {
	Status ring.Status
	Reason string
}

func (RingMessage) wireMessage() {}
func (AppMessage) wireMessage()  {}
func (Reply) wireMessage()       {}

// tablePayload is the SUCCESSOR_FT payload. Table holds the predecessor
// followed by fingers 1..m.
type tablePayload struct {
	Owner     ring.Node   `json:"owner"`
	Bootstrap bool        `json:"bootstrap,omitempty"`
	Table     []ring.Node `json:"table"`
}

// Encode turns msg into an envelope stamped with sender.
//
// Parameters:
//   - sender: identifier of the node writing the envelope
//   - msg: a RingMessage, AppMessage or Reply
//
// Returns:
//   - The envelope ready to be written
//   - An error if a payload cannot be marshalled
//
// Example:
//
//	env, err := wire.Encode(self.ID, wire.RingMessage{Message: ring.NewNode{Node: self}})
func Encode(sender ring.ID, msg Message) (Envelope, error) {
	env := Envelope{Sender: sender}
	switch m := msg.(type) {
	case RingMessage:
		return encodeRing(env, m.Message)
	case AppMessage:
		env.Type, env.Body, env.Payload = m.Type, m.Body, m.Payload
	case Reply:
		env.Type, env.Body = replyType(m.Status), m.Reason
	default:
		return Envelope{}, fmt.Errorf("encode %T: %w", msg, ErrUnknownType)
	}
	return env, nil
}

func encodeRing(env Envelope, msg ring.Message) (Envelope, error) {
	env.Type = Type(msg.Kind())
	var payload any
	switch m := msg.(type) {
	case ring.NewNode:
		env.Body = EncodeNodeBody(m.Node)
		return env, nil
	case ring.Predecessor:
		payload = m.Node
	case ring.SuccessorTable:
		payload = tablePayload{
			Owner:     m.Table.Owner,
			Bootstrap: m.Bootstrap,
			Table:     append([]ring.Node{m.Table.Predecessor}, m.Table.Fingers...),
		}
	case ring.ServerDown:
		payload = m.Node
	default:
		return Envelope{}, fmt.Errorf("encode %T: %w", msg, ErrUnknownType)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", env.Type, err)
	}
	env.Payload = raw
	return env, nil
}

// Decode validates env and returns its message. Identifiers must fit space;
// a SUCCESSOR_FT table must hold exactly one predecessor and m fingers.
func Decode(space ring.Space, env Envelope) (Message, error) {
	switch env.Type {
	case TypeAck, TypeNack, TypeReject:
		return Reply{Status: replyStatus(env.Type), Reason: env.Body}, nil
	}
	if env.Type.IsApplication() {
		return AppMessage{Type: env.Type, Sender: env.Sender, Body: env.Body, Payload: env.Payload}, nil
	}

	var msg ring.Message
	switch ring.Kind(env.Type) {
	case ring.KindNewNode:
		n, err := DecodeNodeBody(env.Body)
		if err != nil {
			return nil, err
		}
		// Only the joiner announces itself; anyone else is relaying.
		msg = ring.NewNode{Node: n, Relayed: env.Sender != n.ID}
	case ring.KindPredecessor:
		var n ring.Node
		if err := unmarshalPayload(env, &n); err != nil {
			return nil, err
		}
		msg = ring.Predecessor{Node: n}
	case ring.KindSuccessorTable:
		var p tablePayload
		if err := unmarshalPayload(env, &p); err != nil {
			return nil, err
		}
		if len(p.Table) != int(space.Bits)+1 {
			return nil, fmt.Errorf("%s: table has %d entries, want %d: %w", env.Type, len(p.Table), space.Bits+1, ErrMalformedBody)
		}
		msg = ring.SuccessorTable{
			Table: ring.Snapshot{
				Owner:       p.Owner,
				Predecessor: p.Table[0],
				Fingers:     p.Table[1:],
			},
			Bootstrap: p.Bootstrap,
		}
	case ring.KindServerDown:
		var n ring.Node
		if err := unmarshalPayload(env, &n); err != nil {
			return nil, err
		}
		msg = ring.ServerDown{Node: n}
	default:
		return nil, fmt.Errorf("decode %q: %w", env.Type, ErrUnknownType)
	}

	for _, n := range mentions(msg) {
		if uint64(n.ID) >= space.Size() {
			return nil, fmt.Errorf("%s: identifier %d outside a %d-bit ring: %w", env.Type, n.ID, space.Bits, ErrMalformedBody)
		}
	}
	return RingMessage{Sender: env.Sender, Message: msg}, nil
}

func unmarshalPayload(env Envelope, v any) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("%s: missing payload: %w", env.Type, ErrMalformedBody)
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("%s: %v: %w", env.Type, err, ErrMalformedBody)
	}
	return nil
}

func mentions(msg ring.Message) []ring.Node {
	switch m := msg.(type) {
	case ring.NewNode:
		return []ring.Node{m.Node}
	case ring.Predecessor:
		return []ring.Node{m.Node}
	case ring.SuccessorTable:
		return m.Table.Nodes()
	case ring.ServerDown:
		return []ring.Node{m.Node}
	}
	return nil
}

// EncodeNodeBody renders n as the NEWNODE body "<id> <ip> <port>".
func EncodeNodeBody(n ring.Node) string {
	return fmt.Sprintf("%d %s %d", n.ID, n.IP, n.Port)
}

// DecodeNodeBody parses a NEWNODE body. The identifier is accepted as sent.
func DecodeNodeBody(body string) (ring.Node, error) {
	fields := strings.Fields(body)
	if len(fields) != 3 {
		return ring.Node{}, fmt.Errorf("node body %q: want 3 fields, got %d: %w", body, len(fields), ErrMalformedBody)
	}
	id, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return ring.Node{}, fmt.Errorf("node body %q: bad id: %w", body, ErrMalformedBody)
	}
	port, err := strconv.Atoi(fields[2])
	if err != nil || port <= 0 || port > 65535 {
		return ring.Node{}, fmt.Errorf("node body %q: bad port: %w", body, ErrMalformedBody)
	}
	return ring.NewPeerNode(ring.ID(id), fields[1], port), nil
}

func replyType(s ring.Status) Type {
	switch s {
	case ring.StatusNotReady:
		return TypeNack
	case ring.StatusRejected:
		return TypeReject
	default:
		return TypeAck
	}
}

func replyStatus(t Type) ring.Status {
	switch t {
	case TypeNack:
		return ring.StatusNotReady
	case TypeReject:
		return ring.StatusRejected
	default:
		return ring.StatusAck
	}
}
