package fabric

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/ringchat/internal/ring"
	"github.com/dreamware/ringchat/internal/transport"
	"github.com/dreamware/ringchat/internal/wire"
)

var errRefused = errors.New("connection refused")

// memNet delivers calls straight into the target dispatcher.
type memNet struct {
	mu    sync.Mutex
	nodes map[string]*Dispatcher
	space ring.Space
	t     *testing.T
}

func newMemNet(t *testing.T) *memNet {
	space, err := ring.NewSpace(ring.DefaultBits)
	require.NoError(t, err)
	return &memNet{nodes: make(map[string]*Dispatcher), space: space, t: t}
}

func (m *memNet) Call(ctx context.Context, addr string, env wire.Envelope) (wire.Envelope, error) {
	m.mu.Lock()
	d, ok := m.nodes[addr]
	m.mu.Unlock()
	if !ok {
		return wire.Envelope{}, fmt.Errorf("dial %s: %w", addr, errRefused)
	}
	reply, err := d.Deliver(ctx, nil, env)
	if err != nil {
		return wire.Envelope{}, err
	}
	if reply == nil {
		return wire.Envelope{}, io.EOF
	}
	return *reply, nil
}

func quietLogger() *log.Entry {
	l := log.New()
	l.SetOutput(io.Discard)
	return log.NewEntry(l)
}

func node(id ring.ID) ring.Node {
	return ring.NewPeerNode(id, "10.0.0.1", 7000+int(id))
}

// add starts a standalone dispatcher for n.
func (m *memNet) add(n ring.Node) *Dispatcher {
	srv := ring.NewServer(m.space, n, ring.WithLogger(quietLogger()))
	d := New(srv, m, WithLogger(quietLogger()), WithCallTimeout(time.Second))
	m.mu.Lock()
	m.nodes[n.Addr()] = d
	m.mu.Unlock()
	m.t.Cleanup(d.Close)
	return d
}

func (m *memNet) remove(n ring.Node) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.nodes, n.Addr())
}

func (m *memNet) dispatchers() []*Dispatcher {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Dispatcher, 0, len(m.nodes))
	for _, d := range m.nodes {
		out = append(out, d)
	}
	return out
}

// converged reports whether every live node routes every key to its true owner.
func (m *memNet) converged() bool {
	ds := m.dispatchers()
	var ids []ring.ID
	for _, d := range ds {
		ids = append(ids, d.Ring().Self().ID)
	}
	for _, d := range ds {
		if !d.Ring().Established() {
			return false
		}
		for k := uint64(0); k < m.space.Size(); k++ {
			if d.Ring().Lookup(ring.ID(k)).ID != owner(m.space, ids, ring.ID(k)) {
				return false
			}
		}
	}
	return true
}

func owner(space ring.Space, ids []ring.ID, key ring.ID) ring.ID {
	best, bestDist := ids[0], space.Size()
	for _, id := range ids {
		if d := space.Distance(key, id); d < bestDist {
			best, bestDist = id, d
		}
	}
	return best
}

func joinCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestJoinBuildsRing(t *testing.T) {
	m := newMemNet(t)
	m.add(node(10))
	for _, id := range []ring.ID{50, 90, 30} {
		d := m.add(node(id))
		require.NoError(t, d.Join(joinCtx(t), node(10).Addr()), "join %d", id)
		assert.True(t, d.Ring().Established())
	}

	require.Eventually(t, m.converged, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, ring.ID(50), m.nodes[node(30).Addr()].Ring().Successor().ID)
	assert.Equal(t, ring.ID(10), m.nodes[node(30).Addr()].Ring().Predecessor().ID)
}

func TestJoinThroughLaterMember(t *testing.T) {
	m := newMemNet(t)
	m.add(node(10))
	require.NoError(t, m.add(node(60)).Join(joinCtx(t), node(10).Addr()))
	require.Eventually(t, m.converged, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, m.add(node(100)).Join(joinCtx(t), node(60).Addr()))
	require.Eventually(t, m.converged, 5*time.Second, 20*time.Millisecond)
}

func TestJoinFailures(t *testing.T) {
	t.Run("identifier already taken", func(t *testing.T) {
		m := newMemNet(t)
		m.add(node(10))
		require.NoError(t, m.add(node(50)).Join(joinCtx(t), node(10).Addr()))

		impostor := m.add(ring.NewPeerNode(50, "10.9.9.9", 9000))
		err := impostor.Join(joinCtx(t), node(10).Addr())
		assert.ErrorIs(t, err, ring.ErrIDCollision)
		assert.True(t, impostor.Ring().Established(), "a refused node stays a ring of one")
	})

	t.Run("contact unreachable", func(t *testing.T) {
		m := newMemNet(t)
		d := m.add(node(10))
		err := d.Join(joinCtx(t), "10.0.0.2:1")
		assert.ErrorIs(t, err, errRefused)
		assert.True(t, d.Ring().Established())
	})

	t.Run("contact still joining", func(t *testing.T) {
		m := newMemNet(t)
		contact := m.add(node(10))
		contact.Ring().BeginJoin()

		err := m.add(node(50)).Join(joinCtx(t), node(10).Addr())
		assert.ErrorIs(t, err, ring.ErrNotEstablished)
	})

	t.Run("contact is self", func(t *testing.T) {
		m := newMemNet(t)
		d := m.add(node(10))
		assert.Error(t, d.Join(joinCtx(t), node(10).Addr()))
	})

	t.Run("bootstrap never arrives", func(t *testing.T) {
		m := newMemNet(t)
		m.add(node(10))
		d := m.add(node(50))
		// The contact acknowledges but its replies go nowhere.
		m.remove(node(50))

		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		err := d.Join(ctx, node(10).Addr())
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.True(t, d.Ring().Established(), "an abandoned join falls back to a ring of one")

		// Back on its own, the node accepts joiners again.
		m.mu.Lock()
		m.nodes[node(50).Addr()] = d
		m.mu.Unlock()
		require.NoError(t, m.add(node(90)).Join(joinCtx(t), node(50).Addr()))
	})
}

func TestWalkSkipsUnreachableMember(t *testing.T) {
	m := newMemNet(t)
	m.add(node(10))
	for _, id := range []ring.ID{50, 90} {
		require.NoError(t, m.add(node(id)).Join(joinCtx(t), node(10).Addr()))
	}
	require.Eventually(t, m.converged, 5*time.Second, 20*time.Millisecond)

	m.remove(node(50))
	d := m.add(node(70))
	require.NoError(t, d.Join(joinCtx(t), node(10).Addr()))

	assert.Equal(t, ring.ID(90), d.Ring().Successor().ID)
	require.Eventually(t, func() bool {
		return m.nodes[node(90).Addr()].Ring().Predecessor().ID == 70
	}, 5*time.Second, 20*time.Millisecond)
}

func TestDeliver(t *testing.T) {
	m := newMemNet(t)
	d := m.add(node(10))
	ctx := context.Background()

	t.Run("ring message answered with status", func(t *testing.T) {
		env, err := wire.Encode(90, wire.RingMessage{Message: ring.ServerDown{Node: node(50)}})
		require.NoError(t, err)
		reply, err := d.Deliver(ctx, nil, env)
		require.NoError(t, err)
		require.NotNil(t, reply)
		assert.Equal(t, wire.TypeAck, reply.Type)
		assert.Equal(t, ring.ID(10), reply.Sender)
	})

	t.Run("malformed envelope", func(t *testing.T) {
		before, members := d.Ring().Snapshot(), d.Ring().Members()
		_, err := d.Deliver(ctx, nil, wire.Envelope{Type: "NEWNODE", Body: "oops"})
		assert.ErrorIs(t, err, wire.ErrMalformedBody)
		assert.True(t, before.Equal(d.Ring().Snapshot()), "ring state untouched")
		assert.Equal(t, members, d.Ring().Members())
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := d.Deliver(ctx, nil, wire.Envelope{Type: "PING"})
		assert.ErrorIs(t, err, wire.ErrUnknownType)
	})

	t.Run("stray reply dropped", func(t *testing.T) {
		reply, err := d.Deliver(ctx, nil, wire.Envelope{Type: wire.TypeAck})
		assert.NoError(t, err)
		assert.Nil(t, reply)
	})

	t.Run("application message without application", func(t *testing.T) {
		_, err := d.Deliver(ctx, nil, wire.Envelope{Type: wire.TypeSignOut})
		assert.Error(t, err)
	})
}

// echoApp answers every message with CLIENT_SUCCESS carrying the request type.
type echoApp struct {
	mu     sync.Mutex
	opened []string
	closed int
}

type echoSession struct{ app *echoApp }

func (a *echoApp) NewSession(remote string) Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.opened = append(a.opened, remote)
	return echoSession{app: a}
}

func (s echoSession) Handle(_ context.Context, msg wire.AppMessage) (wire.AppMessage, error) {
	if msg.Type == wire.TypeSignOut && msg.Body == "fail" {
		return wire.AppMessage{}, errors.New("boom")
	}
	body, _ := json.Marshal(map[string]string{"echo": string(msg.Type)})
	return wire.AppMessage{Type: wire.TypeClientSuccess, Payload: body}, nil
}

func (s echoSession) Close() {
	s.app.mu.Lock()
	defer s.app.mu.Unlock()
	s.app.closed++
}

func TestMalformedEnvelopeClosesOnlyItsConnection(t *testing.T) {
	m := newMemNet(t)
	d := m.add(node(10))
	before := d.Ring().Snapshot()

	serve := func() (*transport.Conn, <-chan struct{}) {
		client, server := net.Pipe()
		done := make(chan struct{})
		go func() {
			defer close(done)
			d.ServeConn(context.Background(), transport.NewConn(server))
			server.Close()
		}()
		t.Cleanup(func() { client.Close() })
		return transport.NewConn(client), done
	}

	bad, done := serve()
	require.NoError(t, bad.Write(wire.Envelope{Type: "NEWNODE", Sender: 60, Body: "60 10.0.0.1"}))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("connection not closed after malformed NEWNODE")
	}
	assert.True(t, before.Equal(d.Ring().Snapshot()))
	assert.Len(t, d.Ring().Members(), 1)

	// A well-formed announcement on a fresh connection is still served.
	good, _ := serve()
	env, err := wire.Encode(60, wire.RingMessage{Message: ring.NewNode{Node: node(60)}})
	require.NoError(t, err)
	require.NoError(t, good.Write(env))
	reply, err := good.Read()
	require.NoError(t, err)
	assert.Equal(t, wire.TypeAck, reply.Type)
	assert.Equal(t, ring.ID(60), d.Ring().Successor().ID)
}

// blockingCaller acknowledges every call once release is closed and records
// how many calls were in flight at once.
type blockingCaller struct {
	release chan struct{}
	mu      sync.Mutex
	active  int
	peak    int
	calls   int
}

func (b *blockingCaller) Call(ctx context.Context, _ string, _ wire.Envelope) (wire.Envelope, error) {
	b.mu.Lock()
	b.active++
	b.calls++
	if b.active > b.peak {
		b.peak = b.active
	}
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.active--
		b.mu.Unlock()
	}()

	select {
	case <-b.release:
	case <-ctx.Done():
		return wire.Envelope{}, ctx.Err()
	}
	return wire.Encode(99, wire.Reply{Status: ring.StatusAck})
}

func (b *blockingCaller) stats() (active, peak, calls int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active, b.peak, b.calls
}

func TestOutboundBatchesAreBounded(t *testing.T) {
	space, err := ring.NewSpace(ring.DefaultBits)
	require.NoError(t, err)
	caller := &blockingCaller{release: make(chan struct{})}
	srv := ring.NewServer(space, node(10), ring.WithLogger(quietLogger()))
	d := New(srv, caller, WithLogger(quietLogger()), WithCallTimeout(5*time.Second), WithMaxInflight(2))
	t.Cleanup(d.Close)

	const batches = 10
	for i := 0; i < batches; i++ {
		d.run([]ring.Outbound{{To: node(ring.ID(20 + i)), Message: ring.Predecessor{Node: node(10)}}})
	}

	require.Eventually(t, func() bool {
		active, _, _ := caller.stats()
		return active == 2
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	active, _, _ := caller.stats()
	assert.Equal(t, 2, active, "no more than two batches in flight")

	close(caller.release)
	d.Wait()
	_, peak, calls := caller.stats()
	assert.Equal(t, 2, peak)
	assert.Equal(t, batches, calls, "queued batches still go out")
}

func TestServeConnRoutesApplicationTraffic(t *testing.T) {
	m := newMemNet(t)
	space := m.space
	app := &echoApp{}
	srv := ring.NewServer(space, node(10), ring.WithLogger(quietLogger()))
	d := New(srv, m, WithApplication(app), WithLogger(quietLogger()))
	t.Cleanup(d.Close)

	client, server := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.ServeConn(context.Background(), transport.NewConn(server))
		server.Close()
	}()

	conn := transport.NewConn(client)
	for _, typ := range []wire.Type{wire.TypeSignUp, wire.TypeSignIn} {
		require.NoError(t, conn.Write(wire.Envelope{Type: typ}))
		reply, err := conn.Read()
		require.NoError(t, err)
		assert.Equal(t, wire.TypeClientSuccess, reply.Type)
		assert.JSONEq(t, fmt.Sprintf(`{"echo":%q}`, typ), string(reply.Payload))
	}

	// Ring traffic shares the connection.
	env, err := wire.Encode(50, wire.RingMessage{Message: ring.ServerDown{Node: node(90)}})
	require.NoError(t, err)
	require.NoError(t, conn.Write(env))
	reply, err := conn.Read()
	require.NoError(t, err)
	assert.Equal(t, wire.TypeAck, reply.Type)

	// A failing session closes the connection.
	require.NoError(t, conn.Write(wire.Envelope{Type: wire.TypeSignOut, Body: "fail"}))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("connection not closed after session error")
	}

	app.mu.Lock()
	defer app.mu.Unlock()
	assert.Len(t, app.opened, 1, "one session per connection")
	assert.Equal(t, 1, app.closed)
}
