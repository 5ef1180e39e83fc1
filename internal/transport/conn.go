package transport

import (
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/dreamware/ringchat/internal/wire"
)

// Conn frames envelopes on a stream connection. Reads and writes may run on
// different goroutines; concurrent writers are serialized.
type Conn struct {
	raw net.Conn
	dec *json.Decoder
	enc *json.Encoder
	wmu sync.Mutex

	// Read side only.
	callTimeout    time.Duration
	sessionTimeout time.Duration
	session        bool
	promote        func() bool // set by Server; nil on dialed connections
}

// NewConn wraps an established stream connection.
func NewConn(raw net.Conn) *Conn {
	return &Conn{raw: raw, dec: json.NewDecoder(raw), enc: json.NewEncoder(raw)}
}

// Read blocks until the next envelope arrives. It returns io.EOF when the peer
// closes cleanly. With read timeouts set, a peer that stays silent too long
// gets a net.Error whose Timeout method reports true.
func (c *Conn) Read() (wire.Envelope, error) {
	timeout := c.callTimeout
	if c.session {
		timeout = c.sessionTimeout
	}
	if timeout > 0 {
		if err := c.raw.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return wire.Envelope{}, err
		}
	}
	var env wire.Envelope
	err := c.dec.Decode(&env)
	return env, err
}

// SetReadTimeouts bounds how long each Read waits. call applies until the
// connection is promoted to a session, which covers the TLS handshake and the
// first envelope; session applies afterwards. Zero means no limit.
func (c *Conn) SetReadTimeouts(call, session time.Duration) {
	c.callTimeout, c.sessionTimeout = call, session
}

// Promote marks the connection as a long-lived session. On a connection
// accepted by a Server it moves the connection out of the shared pool into
// the session budget, and reports false when that budget is used up. Dialed
// connections are always promoted.
func (c *Conn) Promote() bool {
	if c.session {
		return true
	}
	if c.promote != nil && !c.promote() {
		return false
	}
	c.session = true
	return true
}

// Write sends one envelope followed by a newline.
func (c *Conn) Write(env wire.Envelope) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.enc.Encode(env)
}

// SetDeadline bounds every pending and future read and write.
func (c *Conn) SetDeadline(t time.Time) error {
	return c.raw.SetDeadline(t)
}

// RemoteAddr returns the peer's network address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.raw.RemoteAddr()
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.raw.Close()
}
