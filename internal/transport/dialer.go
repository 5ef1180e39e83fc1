package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/dreamware/ringchat/internal/wire"
)

// DefaultCallTimeout bounds a one-shot call when Dialer.Timeout is zero.
const DefaultCallTimeout = 5 * time.Second

// Dialer opens outbound connections. The zero value dials plain TCP with
// DefaultCallTimeout.
type Dialer struct {
	TLS     *tls.Config
	Timeout time.Duration
}

func (d *Dialer) timeout() time.Duration {
	if d.Timeout > 0 {
		return d.Timeout
	}
	return DefaultCallTimeout
}

// Open dials addr and returns a framed connection for a long-lived session.
func (d *Dialer) Open(ctx context.Context, addr string) (*Conn, error) {
	var nd net.Dialer
	var (
		raw net.Conn
		err error
	)
	if d.TLS != nil {
		td := tls.Dialer{NetDialer: &nd, Config: d.TLS}
		raw, err = td.DialContext(ctx, "tcp", addr)
	} else {
		raw, err = nd.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return NewConn(raw), nil
}

// Call performs one request/reply exchange on a fresh connection: dial, write
// env, read one reply, close. The exchange is abandoned when ctx ends or the
// dialer's timeout passes, whichever comes first.
//
// Parameters:
//   - ctx: cancels the call
//   - addr: the peer's "ip:port"
//   - env: the request envelope
//
// Returns:
//   - The peer's reply envelope
//   - An error if the peer is unreachable, closes without replying, or times out
//
// Example:
//
//	env, _ := wire.Encode(self.ID, wire.RingMessage{Message: ring.Predecessor{Node: self}})
//	reply, err := d.Call(ctx, succ.Addr(), env)
func (d *Dialer) Call(ctx context.Context, addr string, env wire.Envelope) (wire.Envelope, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout())
	defer cancel()

	conn, err := d.Open(ctx, addr)
	if err != nil {
		return wire.Envelope{}, err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	// Unblock the read if ctx is cancelled before the deadline.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if err := conn.Write(env); err != nil {
		return wire.Envelope{}, fmt.Errorf("call %s %s: write: %w", addr, env.Type, err)
	}
	reply, err := conn.Read()
	if err != nil {
		return wire.Envelope{}, fmt.Errorf("call %s %s: read reply: %w", addr, env.Type, err)
	}
	return reply, nil
}
