package fabric

import (
	"context"
	"fmt"
	"time"

	"github.com/dreamware/ringchat/internal/ring"
)

// joinPoll is how often Join checks whether the bootstrap table has arrived.
const joinPoll = 20 * time.Millisecond

// Join announces this node to the ring through contact and waits until the
// node's successor has bootstrapped it.
//
// The announcement is refused when another node already holds this node's
// identifier (ring.ErrIDCollision) or when contact is itself still joining
// (ring.ErrNotEstablished). In both cases, when contact is unreachable, and
// when ctx ends before the bootstrap table arrives, the server returns to a
// standalone ring of one.
//
// Parameters:
//   - ctx: bounds the whole join, including the wait for the bootstrap table
//   - contact: "ip:port" of any established member
//
// Returns:
//   - nil once the node is established
//   - An error if the announcement failed or ctx ended first
//
// Example:
//
//	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
//	defer cancel()
//	if err := d.Join(ctx, "10.0.0.1:7000"); err != nil {
//	    log.Fatalf("join: %v", err)
//	}
func (d *Dispatcher) Join(ctx context.Context, contact string) error {
	self := d.ring.Self()
	if contact == self.Addr() {
		return fmt.Errorf("join via %s: contact is this node", contact)
	}

	announce := d.ring.BeginJoin()
	d.log.Infof("joining ring via %s as %s", contact, self)

	status, err := d.notifyAddr(ctx, contact, announce)
	if err != nil {
		d.ring.AbortJoin()
		return fmt.Errorf("join via %s: %w", contact, err)
	}
	switch status {
	case ring.StatusRejected:
		d.ring.AbortJoin()
		return fmt.Errorf("join via %s: %w", contact, ring.ErrIDCollision)
	case ring.StatusNotReady:
		d.ring.AbortJoin()
		return fmt.Errorf("join via %s: %w", contact, ring.ErrNotEstablished)
	}

	ticker := time.NewTicker(joinPoll)
	defer ticker.Stop()
	for !d.ring.Established() {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			d.ring.AbortJoin()
			return fmt.Errorf("join via %s: waiting for bootstrap: %w", contact, ctx.Err())
		}
	}
	d.log.Infof("joined: predecessor %s, successor %s", d.ring.Predecessor(), d.ring.Successor())
	return nil
}

// notifyAddr is Notify for a contact known only by address.
func (d *Dispatcher) notifyAddr(ctx context.Context, addr string, msg ring.Message) (ring.Status, error) {
	return d.notify(ctx, addr, addr, msg)
}
