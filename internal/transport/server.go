package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// ErrPoolClosed is returned by Serve once the server has been closed.
var ErrPoolClosed = errors.New("transport server closed")

const (
	// DefaultMaxInflight is the pool size used when NewServer is given zero.
	DefaultMaxInflight = 64
	// DefaultMaxSessions bounds promoted connections unless WithMaxSessions says otherwise.
	DefaultMaxSessions = 1024
	// DefaultHandshakeTimeout is how long an accepted connection may stay
	// silent before its first envelope, and between envelopes until promoted.
	DefaultHandshakeTimeout = 10 * time.Second
)

// Handler serves one accepted connection. The server closes conn after
// ServeConn returns; ctx is cancelled when the server shuts down.
type Handler interface {
	ServeConn(ctx context.Context, conn *Conn)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, conn *Conn)

// ServeConn calls f(ctx, conn).
func (f HandlerFunc) ServeConn(ctx context.Context, conn *Conn) { f(ctx, conn) }

// Server accepts connections and serves each one concurrently on a bounded
// pool of goroutines. A connection holds a pool slot until its handler
// promotes it to a session (Conn.Promote), after which it counts against a
// separate session budget. Silent peers therefore cannot keep one-shot ring
// calls out for longer than the handshake timeout.
type Server struct {
	ln       net.Listener
	handler  Handler
	slots    chan struct{}
	sessions chan struct{}
	log      *log.Entry

	handshakeTimeout time.Duration
	idleTimeout      time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	conns  map[*Conn]struct{}
	closed bool
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the entry the server logs through.
func WithServerLogger(entry *log.Entry) ServerOption {
	return func(s *Server) { s.log = entry }
}

// WithMaxSessions bounds how many promoted connections are served at once.
// Zero or less means DefaultMaxSessions.
func WithMaxSessions(n int) ServerOption {
	return func(s *Server) {
		if n <= 0 {
			n = DefaultMaxSessions
		}
		s.sessions = make(chan struct{}, n)
	}
}

// WithTimeouts sets how long a connection may stay silent: handshake until
// it is promoted, idle afterwards. Zero idle means a session may stay silent
// forever; zero handshake keeps DefaultHandshakeTimeout.
//
// Example:
//
//	srv := transport.NewServer(ln, dispatcher, cfg.MaxInflight,
//	    transport.WithTimeouts(cfg.HandshakeTimeout, cfg.IdleTimeout))
func WithTimeouts(handshake, idle time.Duration) ServerOption {
	return func(s *Server) {
		if handshake > 0 {
			s.handshakeTimeout = handshake
		}
		s.idleTimeout = idle
	}
}

// NewServer creates a server that hands connections from ln to h, at most
// maxInflight unpromoted connections at a time.
//
// Parameters:
//   - ln: a listener from Listen
//   - h: the per-connection handler
//   - maxInflight: pool size; zero or less means DefaultMaxInflight
//   - opts: WithServerLogger, WithMaxSessions, WithTimeouts
//
// Example:
//
//	srv := transport.NewServer(ln, dispatcher, 64)
//	go func() {
//	    if err := srv.Serve(ctx); !errors.Is(err, transport.ErrPoolClosed) {
//	        log.Fatal(err)
//	    }
//	}()
func NewServer(ln net.Listener, h Handler, maxInflight int, opts ...ServerOption) *Server {
	if maxInflight <= 0 {
		maxInflight = DefaultMaxInflight
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		ln:               ln,
		handler:          h,
		slots:            make(chan struct{}, maxInflight),
		sessions:         make(chan struct{}, DefaultMaxSessions),
		handshakeTimeout: DefaultHandshakeTimeout,
		log:              log.WithField("component", "transport"),
		ctx:              ctx,
		cancel:           cancel,
		conns:            make(map[*Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Addr returns the listener's address.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Serve accepts connections until ctx is cancelled or Close is called, then
// returns ErrPoolClosed. Any other accept failure is returned as is.
func (s *Server) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	for {
		// Hold a slot before accepting so a full pool stops taking connections.
		select {
		case s.slots <- struct{}{}:
		case <-s.ctx.Done():
			return ErrPoolClosed
		}

		raw, err := s.ln.Accept()
		if err != nil {
			<-s.slots
			if s.isClosed() {
				return ErrPoolClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.log.Warnf("accept: %v", err)
				continue
			}
			return err
		}

		conn := NewConn(raw)
		if !s.track(conn) {
			<-s.slots
			_ = conn.Close()
			return ErrPoolClosed
		}
		go s.serve(conn)
	}
}

func (s *Server) serve(conn *Conn) {
	promoted := false
	conn.SetReadTimeouts(s.handshakeTimeout, s.idleTimeout)
	// Called from the handler's goroutine, like the deferred release below.
	conn.promote = func() bool {
		select {
		case s.sessions <- struct{}{}:
		default:
			return false
		}
		promoted = true
		<-s.slots
		return true
	}
	defer func() {
		s.untrack(conn)
		_ = conn.Close()
		if promoted {
			<-s.sessions
		} else {
			<-s.slots
		}
		s.wg.Done()
	}()
	s.handler.ServeConn(s.ctx, conn)
}

// Close stops accepting, closes every open connection and waits for the
// handlers to return. It is safe to call more than once.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.wg.Wait()
		return nil
	}
	s.closed = true
	s.cancel()
	err := s.ln.Close()
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) track(c *Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
}
