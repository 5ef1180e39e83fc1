package fabric

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dreamware/ringchat/internal/ring"
	"github.com/dreamware/ringchat/internal/transport"
	"github.com/dreamware/ringchat/internal/wire"
)

// Caller performs one request/reply exchange with a peer.
// *transport.Dialer satisfies it.
type Caller interface {
	Call(ctx context.Context, addr string, env wire.Envelope) (wire.Envelope, error)
}

// Application serves the non-ring traffic of a connection.
type Application interface {
	// NewSession is called once per connection, on its first application message.
	NewSession(remote string) Session
}

// Session holds one client connection's application state.
type Session interface {
	// Handle answers one message. An error closes the connection.
	Handle(ctx context.Context, msg wire.AppMessage) (wire.AppMessage, error)
	// Close releases the session when its connection ends.
	Close()
}

// Dispatcher routes decoded envelopes to the ring server or the application.
// It implements transport.Handler.
type Dispatcher struct {
	ring    *ring.Server
	caller  Caller
	app     Application
	log     *log.Entry
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup

	// Outbound batches waiting for one of at most maxSenders goroutines.
	queue      [][]ring.Outbound
	senders    int
	maxSenders int
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithApplication sets the handler for application messages. Without one,
// connections that send application messages are closed.
func WithApplication(app Application) Option {
	return func(d *Dispatcher) { d.app = app }
}

// WithLogger sets the entry the dispatcher logs through.
func WithLogger(entry *log.Entry) Option {
	return func(d *Dispatcher) { d.log = entry }
}

// WithCallTimeout bounds every outbound ring call.
func WithCallTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) { d.timeout = timeout }
}

// WithMaxInflight bounds how many outbound batches are sent at once. Further
// batches wait in order. Zero or less means transport.DefaultMaxInflight.
func WithMaxInflight(n int) Option {
	return func(d *Dispatcher) {
		if n <= 0 {
			n = transport.DefaultMaxInflight
		}
		d.maxSenders = n
	}
}

// New creates a dispatcher for srv that reaches peers through caller.
//
// Parameters:
//   - srv: the process's ring state
//   - caller: outbound one-shot calls, normally a *transport.Dialer
//   - opts: WithApplication, WithLogger, WithCallTimeout, WithMaxInflight
//
// Example:
//
//	d := fabric.New(srv, &transport.Dialer{TLS: cfg}, fabric.WithApplication(accounts))
//	ts := transport.NewServer(ln, d, cfg.MaxInflight)
func New(srv *ring.Server, caller Caller, opts ...Option) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		ring:       srv,
		caller:     caller,
		timeout:    transport.DefaultCallTimeout,
		maxSenders: transport.DefaultMaxInflight,
		log:        log.WithFields(log.Fields{"component": "fabric", "node": srv.Self().ID}),
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Ring returns the ring server the dispatcher drives.
func (d *Dispatcher) Ring() *ring.Server { return d.ring }

// ServeConn reads envelopes from conn until it closes or sends something
// malformed.
func (d *Dispatcher) ServeConn(ctx context.Context, conn *transport.Conn) {
	remote := conn.RemoteAddr().String()
	var sess Session
	defer func() {
		if sess != nil {
			sess.Close()
		}
	}()

	for {
		env, err := conn.Read()
		if err != nil {
			var ne net.Error
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
			case errors.As(err, &ne) && ne.Timeout():
				d.log.Debugf("closing silent connection from %s", remote)
			default:
				d.log.Warnf("read from %s: %v", remote, err)
			}
			return
		}
		if env.Type.IsApplication() && sess == nil && d.app != nil {
			if !conn.Promote() {
				d.log.Warnf("closing connection from %s: too many sessions", remote)
				return
			}
			sess = d.app.NewSession(remote)
		}
		reply, err := d.Deliver(ctx, sess, env)
		if err != nil {
			d.log.Errorf("closing connection from %s: %v", remote, err)
			return
		}
		if reply == nil {
			continue
		}
		if err := conn.Write(*reply); err != nil {
			d.log.Warnf("reply to %s: %v", remote, err)
			return
		}
	}
}

// Deliver applies one envelope and returns the reply to send back, if any.
// sess may be nil when the connection carries no application traffic.
func (d *Dispatcher) Deliver(ctx context.Context, sess Session, env wire.Envelope) (*wire.Envelope, error) {
	msg, err := wire.Decode(d.ring.Space(), env)
	if err != nil {
		return nil, err
	}

	var reply wire.Message
	switch m := msg.(type) {
	case wire.RingMessage:
		d.log.Debugf("%s from %d", m.Message.Kind(), m.Sender)
		status, out := d.ring.Handle(m.Message)
		d.run(out)
		reply = wire.Reply{Status: status}
	case wire.AppMessage:
		if sess == nil {
			return nil, fmt.Errorf("%s: no application attached", m.Type)
		}
		answer, err := sess.Handle(ctx, m)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", m.Type, err)
		}
		reply = answer
	case wire.Reply:
		d.log.Warnf("unexpected %s from %d", env.Type, env.Sender)
		return nil, nil
	}

	out, err := wire.Encode(d.ring.Self().ID, reply)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Notify sends one ring message to a node and returns its reply status.
func (d *Dispatcher) Notify(ctx context.Context, to ring.Node, msg ring.Message) (ring.Status, error) {
	return d.notify(ctx, to.Addr(), to.String(), msg)
}

func (d *Dispatcher) notify(ctx context.Context, addr, name string, msg ring.Message) (ring.Status, error) {
	env, err := wire.Encode(d.ring.Self().ID, wire.RingMessage{Message: msg})
	if err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	raw, err := d.caller.Call(ctx, addr, env)
	if err != nil {
		return 0, err
	}
	decoded, err := wire.Decode(d.ring.Space(), raw)
	if err != nil {
		return 0, fmt.Errorf("reply from %s: %w", name, err)
	}
	reply, ok := decoded.(wire.Reply)
	if !ok {
		return 0, fmt.Errorf("reply from %s: got %s", name, raw.Type)
	}
	return reply.Status, nil
}

// run executes out in the background. The calls of one batch go out in order;
// at most maxSenders batches are in flight and the rest queue behind them.
func (d *Dispatcher) run(out []ring.Outbound) {
	if len(out) == 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.queue = append(d.queue, out)
	if d.senders < d.maxSenders {
		d.senders++
		d.wg.Add(1)
		go d.sender()
	}
}

// sender sends queued batches until the queue is empty or the dispatcher closes.
func (d *Dispatcher) sender() {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		if d.closed || len(d.queue) == 0 {
			d.senders--
			d.mu.Unlock()
			return
		}
		batch := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		d.mu.Unlock()

		for _, o := range batch {
			if d.ctx.Err() != nil {
				break
			}
			d.send(d.ctx, o)
		}
	}
}

// send delivers o to its target, falling back along o.Fallback while the
// target is unreachable or still joining.
func (d *Dispatcher) send(ctx context.Context, o ring.Outbound) {
	targets := append([]ring.Node{o.To}, o.Fallback...)
	for _, to := range targets {
		status, err := d.Notify(ctx, to, o.Message)
		switch {
		case err != nil:
			d.log.Warnf("%s to %s failed: %v", o.Message.Kind(), to, err)
		case status == ring.StatusNotReady:
			d.log.Debugf("%s to %s: not ready", o.Message.Kind(), to)
		case status == ring.StatusRejected:
			d.log.Warnf("%s to %s rejected", o.Message.Kind(), to)
			return
		default:
			return
		}
	}
	if len(o.Fallback) > 0 {
		d.log.Warnf("%s: no member accepted it", o.Message.Kind())
	}
}

// Wait blocks until the outbound queue has drained.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Close abandons pending outbound calls and waits for them to return.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.cancel()
	d.wg.Wait()
}
