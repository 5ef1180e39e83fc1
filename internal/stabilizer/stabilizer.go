// Package stabilizer runs the optional periodic repair loop of a ring server.
//
// Each round the server re-announces itself to its successor with
// PREDECESSOR and pushes its finger table to its predecessor, so a member
// that missed a join message can still catch up. The successor's liveness is
// tracked along the way; after maxFailures consecutive failed rounds it is
// reported to the predecessor with SERVER_DOWN. Nothing is repaired on
// failure: the ring keeps the dead member until an operator intervenes.
package stabilizer

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dreamware/ringchat/internal/ring"
)

// Notifier sends one ring message and returns the peer's reply status.
// *fabric.Dispatcher satisfies it.
type Notifier interface {
	Notify(ctx context.Context, to ring.Node, msg ring.Message) (ring.Status, error)
}

// Peer health states.
const (
	StatusUnknown   = "unknown"
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// PeerHealth tracks how the current successor has answered.
// Thread-safe: Protected by Stabilizer's mutex when accessed.
type PeerHealth struct {
	LastCheck        time.Time // Timestamp of the last round
	LastHealthy      time.Time // Timestamp of the last acknowledged PREDECESSOR
	Node             ring.Node // The successor being tracked
	Status           string    // "healthy", "unhealthy" or "unknown"
	ConsecutiveFails int       // Failed rounds in a row
}

// Stabilizer periodically refreshes the links to the successor and
// predecessor of one ring server.
// Thread-safe: All methods are safe for concurrent access.
type Stabilizer struct {
	ring        *ring.Server
	notifier    Notifier
	onDown      func(ring.Node) // Called once per successor that goes unhealthy
	log         *log.Entry
	health      *PeerHealth
	ctx         context.Context
	cancel      context.CancelFunc
	interval    time.Duration
	mu          sync.RWMutex
	wg          sync.WaitGroup
	maxFailures int
}

// New creates a stabilizer for srv that runs every interval.
// The successor is reported down after 3 consecutive failed rounds.
//
// Parameters:
//   - srv: the ring server to keep in shape
//   - notifier: sends the round's messages, normally the fabric dispatcher
//   - interval: time between rounds
//
// Example:
//
//	st := stabilizer.New(srv, dispatcher, 10*time.Second)
//	go st.Start(ctx)
//	defer st.Stop()
func New(srv *ring.Server, notifier Notifier, interval time.Duration) *Stabilizer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Stabilizer{
		ring:        srv,
		notifier:    notifier,
		interval:    interval,
		maxFailures: 3,
		log:         log.WithFields(log.Fields{"component": "stabilizer", "node": srv.Self().ID}),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// SetLogger replaces the entry the stabilizer logs through.
func (s *Stabilizer) SetLogger(entry *log.Entry) {
	s.log = entry
}

// SetOnDown sets the callback invoked when the successor is declared down.
//
// Example:
//
//	st.SetOnDown(func(n ring.Node) {
//	    alerts.Page("ring successor unreachable: " + n.String())
//	})
func (s *Stabilizer) SetOnDown(callback func(ring.Node)) {
	s.onDown = callback
}

// Start runs rounds until ctx is cancelled or Stop is called. The first round
// runs immediately. It blocks; run it on its own goroutine.
func (s *Stabilizer) Start(ctx context.Context) {
	s.wg.Add(1)
	defer s.wg.Done()

	if ctx == nil {
		ctx = s.ctx
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Infof("stabilizer started with interval %v", s.interval)
	s.Round(ctx)

	for {
		select {
		case <-ticker.C:
			s.Round(ctx)
		case <-ctx.Done():
			s.log.Debug("stabilizer stopping: context cancelled")
			return
		case <-s.ctx.Done():
			s.log.Debug("stabilizer stopping: stopped")
			return
		}
	}
}

// Stop ends Start and waits for the running round to finish.
func (s *Stabilizer) Stop() {
	s.cancel()
	s.wg.Wait()
}

// Round performs one stabilization round:
//  1. send PREDECESSOR(self) to the successor and record the outcome
//  2. send our table to the predecessor
//  3. once the successor has failed maxFailures rounds in a row, report it
//     down to the predecessor
func (s *Stabilizer) Round(ctx context.Context) {
	self := s.ring.Self()
	succ, pred := s.ring.Successor(), s.ring.Predecessor()

	if succ.ID != self.ID {
		_, err := s.notifier.Notify(ctx, succ, ring.Predecessor{Node: self})
		if down := s.record(succ, err); down && pred.ID != self.ID && pred.ID != succ.ID {
			if _, err := s.notifier.Notify(ctx, pred, ring.ServerDown{Node: succ}); err != nil {
				s.log.Warnf("SERVER_DOWN to %s: %v", pred, err)
			}
		}
	}

	if pred.ID != self.ID {
		table := ring.SuccessorTable{Table: s.ring.Snapshot()}
		if _, err := s.notifier.Notify(ctx, pred, table); err != nil {
			s.log.Warnf("table to predecessor %s: %v", pred, err)
		}
	}
}

// record updates the successor's health with one round's outcome and
// reports whether the successor just became unhealthy.
func (s *Stabilizer) record(succ ring.Node, err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if s.health == nil || s.health.Node != succ {
		s.health = &PeerHealth{Node: succ, Status: StatusUnknown, LastHealthy: now}
	}
	h := s.health
	h.LastCheck = now

	if err == nil {
		if h.Status == StatusUnhealthy {
			s.log.Infof("successor %s recovered", succ)
		}
		h.Status = StatusHealthy
		h.ConsecutiveFails = 0
		h.LastHealthy = now
		return false
	}

	h.ConsecutiveFails++
	s.log.Warnf("successor %s did not answer (attempt %d/%d): %v", succ, h.ConsecutiveFails, s.maxFailures, err)
	if h.ConsecutiveFails < s.maxFailures || h.Status == StatusUnhealthy {
		return false
	}
	h.Status = StatusUnhealthy
	s.log.Warnf("successor %s is down after %d failed rounds", succ, h.ConsecutiveFails)
	if s.onDown != nil {
		go s.onDown(succ)
	}
	return true
}

// Health returns a copy of the successor's health record, or nil before the
// first round that had a successor to check.
func (s *Stabilizer) Health() *PeerHealth {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.health == nil {
		return nil
	}
	h := *s.health
	return &h
}
