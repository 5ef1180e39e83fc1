package ring

import (
	"io"
	"math/rand"
	"sort"
	"sync"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testNet delivers Outbound calls between in-memory servers. Calls to a
// server that does not exist are treated as unreachable.
type testNet struct {
	t       *testing.T
	servers map[ID]*Server
	rnd     *rand.Rand // nil delivers in FIFO order
	pending []Outbound
	space   Space
	mu      sync.Mutex
}

func quietLogger() *log.Entry {
	l := log.New()
	l.SetOutput(io.Discard)
	return log.NewEntry(l)
}

func newTestNet(t *testing.T) *testNet {
	return &testNet{t: t, space: testSpace(t), servers: make(map[ID]*Server)}
}

func (n *testNet) server(id ID) *Server {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.servers[id]
}

func (n *testNet) add(node Node) *Server {
	srv := NewServer(n.space, node, WithLogger(quietLogger()))
	n.mu.Lock()
	n.servers[node.ID] = srv
	n.mu.Unlock()
	return srv
}

// deliver makes one call, walking the fallback list on NACK or unreachable,
// and returns the calls the receiver wants made next.
func (n *testNet) deliver(o Outbound) (Status, []Outbound) {
	targets := append([]Node{o.To}, o.Fallback...)
	for _, to := range targets {
		srv := n.server(to.ID)
		if srv == nil {
			continue
		}
		status, next := srv.Handle(o.Message)
		if status == StatusNotReady {
			continue
		}
		return status, next
	}
	return StatusNotReady, nil
}

// startJoin creates node's server and hands its announcement to contact.
// Follow-up calls are queued, not delivered.
func (n *testNet) startJoin(node Node, contact ID) (*Server, Status) {
	srv := n.add(node)
	status, next := n.deliver(Outbound{To: n.server(contact).Self(), Message: srv.BeginJoin()})
	if status != StatusAck {
		srv.AbortJoin()
	}
	n.enqueue(next)
	return srv, status
}

func (n *testNet) enqueue(out []Outbound) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pending = append(n.pending, out...)
}

// drain delivers queued calls one at a time until none are left.
func (n *testNet) drain() {
	for steps := 0; ; steps++ {
		require.Less(n.t, steps, 100000, "protocol did not quiesce")
		n.mu.Lock()
		if len(n.pending) == 0 {
			n.mu.Unlock()
			return
		}
		i := 0
		if n.rnd != nil {
			i = n.rnd.Intn(len(n.pending))
		}
		o := n.pending[i]
		n.pending = append(n.pending[:i], n.pending[i+1:]...)
		n.mu.Unlock()

		_, next := n.deliver(o)
		n.enqueue(next)
	}
}

// drainConcurrently delivers every queued call, and every call they cause, on
// its own goroutine.
func (n *testNet) drainConcurrently() {
	n.mu.Lock()
	initial := n.pending
	n.pending = nil
	n.mu.Unlock()

	var wg sync.WaitGroup
	var run func(o Outbound)
	run = func(o Outbound) {
		defer wg.Done()
		_, next := n.deliver(o)
		for _, x := range next {
			wg.Add(1)
			go run(x)
		}
	}
	for _, o := range initial {
		wg.Add(1)
		go run(o)
	}
	wg.Wait()
}

// join adds node through contact and delivers everything that follows.
func (n *testNet) join(node Node, contact ID) *Server {
	srv, status := n.startJoin(node, contact)
	require.Equal(n.t, StatusAck, status)
	n.drain()
	return srv
}

// build boots the first node and joins the rest one after another through the first.
func (n *testNet) build(nodes ...Node) {
	n.add(nodes[0])
	for _, node := range nodes[1:] {
		n.join(node, nodes[0].ID)
	}
}

func (n *testNet) sortedIDs() []ID {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]ID, 0, len(n.servers))
	for id := range n.servers {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// owner is the true successor of key among all servers.
func (n *testNet) owner(key ID) ID {
	members := n.sortedIDs()
	for _, id := range members {
		if id >= key {
			return id
		}
	}
	return members[0]
}

func (n *testNet) snapshots() map[ID]Snapshot {
	out := make(map[ID]Snapshot)
	for _, id := range n.sortedIDs() {
		out[id] = n.server(id).Snapshot()
	}
	return out
}

// assertConverged checks every server against the routing state computed
// from the full membership: exact predecessor and exact fingers.
func (n *testNet) assertConverged() {
	t := n.t
	t.Helper()
	members := n.sortedIDs()
	for idx, id := range members {
		srv := n.server(id)
		snap := srv.Snapshot()
		assert.True(t, srv.Established(), "node %d established", id)

		wantPred := members[(idx+len(members)-1)%len(members)]
		assert.Equal(t, wantPred, snap.Predecessor.ID, "predecessor of %d", id)
		for i := 1; i <= int(n.space.Bits); i++ {
			want := n.owner(n.space.FingerStart(id, i))
			assert.Equal(t, want, snap.Fingers[i-1].ID, "finger %d of %d", i, id)
		}
	}
}

// assertPartition checks that exactly one server answers for every key, that
// it is the key's true successor, and that no server's lookup ever returns a
// node that comes before the key's owner.
func (n *testNet) assertPartition() {
	t := n.t
	t.Helper()
	members := n.sortedIDs()
	for k := uint64(0); k < n.space.Size(); k++ {
		key := ID(k)
		want := n.owner(key)
		var responsible []ID
		for _, id := range members {
			srv := n.server(id)
			if srv.IsResponsibleFor(key) {
				responsible = append(responsible, id)
			}
			got := srv.Lookup(key)
			assert.GreaterOrEqual(t, n.space.Distance(key, got.ID), n.space.Distance(key, want),
				"lookup(%d) at %d returned %d, before owner %d", key, id, got.ID, want)
		}
		require.Equal(t, []ID{want}, responsible, "responsibility for key %d", key)
	}
}

// queueJoin creates node's server and queues its announcement to contact
// without delivering it.
func (n *testNet) queueJoin(node Node, contact ID) *Server {
	srv := n.add(node)
	n.enqueue([]Outbound{{To: n.server(contact).Self(), Message: srv.BeginJoin()}})
	return srv
}
