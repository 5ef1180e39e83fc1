package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dreamware/ringchat/internal/transport"
	"github.com/dreamware/ringchat/internal/wire"
)

// ErrBadRequest is returned when the server refuses a malformed request.
var ErrBadRequest = errors.New("bad request")

// defaultMaxRedirects bounds how many REDIRECT replies one request follows.
const defaultMaxRedirects = 4

// Client is a minimal account client. It keeps one session open and moves it
// to another node whenever it is redirected. Not safe for concurrent use.
type Client struct {
	dialer       *transport.Dialer
	conn         *transport.Conn
	addr         string
	MaxRedirects int
}

// NewClient returns a client that dials through d.
func NewClient(d *transport.Dialer) *Client {
	return &Client{dialer: d, MaxRedirects: defaultMaxRedirects}
}

// Connect opens a session to addr, closing any previous one.
func (c *Client) Connect(ctx context.Context, addr string) error {
	conn, err := c.dialer.Open(ctx, addr)
	if err != nil {
		return err
	}
	_ = c.Close()
	c.conn, c.addr = conn, addr
	return nil
}

// Addr returns the node the session is currently connected to.
func (c *Client) Addr() string { return c.addr }

// Close ends the session.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn, c.addr = nil, ""
	return err
}

// SignUp registers an account, following redirects to the responsible node.
func (c *Client) SignUp(ctx context.Context, req SignUpRequest) error {
	return c.do(ctx, wire.TypeSignUp, req)
}

// SignIn authenticates, following redirects to the responsible node.
func (c *Client) SignIn(ctx context.Context, req SignInRequest) error {
	return c.do(ctx, wire.TypeSignIn, req)
}

// SignOut ends the signed-in state of the session.
func (c *Client) SignOut(ctx context.Context) error {
	return c.do(ctx, wire.TypeSignOut, nil)
}

func (c *Client) do(ctx context.Context, typ wire.Type, payload any) error {
	if c.conn == nil {
		return errors.New("chat client: not connected")
	}
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		raw = b
	}

	for hop := 0; ; hop++ {
		reply, err := c.exchange(ctx, wire.Envelope{Type: typ, Payload: raw})
		if err != nil {
			return err
		}
		switch reply.Type {
		case wire.TypeClientSuccess:
			return nil
		case wire.TypeClientError:
			var e ErrorReply
			if err := json.Unmarshal(reply.Payload, &e); err != nil {
				e.Code = reply.Body
			}
			return codeError(e.Code)
		case wire.TypeRedirect:
			var r RedirectReply
			if err := json.Unmarshal(reply.Payload, &r); err != nil {
				return fmt.Errorf("%s: bad redirect: %w", typ, err)
			}
			if hop >= c.MaxRedirects {
				return fmt.Errorf("%s: too many redirects, last to %s", typ, r.Node)
			}
			if err := c.Connect(ctx, r.Node.Addr()); err != nil {
				return fmt.Errorf("%s: follow redirect: %w", typ, err)
			}
		default:
			return fmt.Errorf("%s: unexpected reply %s", typ, reply.Type)
		}
	}
}

func (c *Client) exchange(ctx context.Context, env wire.Envelope) (wire.Envelope, error) {
	deadline, _ := ctx.Deadline() // zero clears any previous deadline
	_ = c.conn.SetDeadline(deadline)
	if err := c.conn.Write(env); err != nil {
		return wire.Envelope{}, err
	}
	return c.conn.Read()
}

func codeError(code string) error {
	switch code {
	case CodeEmailInUse:
		return ErrEmailInUse
	case CodeEmailNotFound:
		return ErrEmailNotFound
	case CodeWrongPassword:
		return ErrWrongPassword
	case CodeBadRequest:
		return ErrBadRequest
	}
	return fmt.Errorf("server error %q", code)
}
