package secrets

import (
	"sync"
	"time"

	"github.com/awnumar/memguard"

	"github.com/frostdev-ops/pywatt-sdk/ipc"
)

// subscriberBuffer bounds each rotation subscriber queue.
const subscriberBuffer = 16

// subscriberDeliveryWindow is how long delivery may block on a full
// subscriber before the batch is considered failed.
const subscriberDeliveryWindow = 100 * time.Millisecond

// subscription guards its channel so publish and cancel cannot race
// into a send-on-closed panic.
type subscription struct {
	mu     sync.Mutex
	ch     chan RotationEvent
	closed bool
}

// deliver sends ev, waiting at most window. Reports false only when a
// live subscriber stayed full.
func (s *subscription) deliver(ev RotationEvent, window time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- ev:
		return true
	case <-time.After(window):
		return false
	}
}

func (s *subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Subscribe returns a stream of rotation events and a cancel function.
// Events arrive in the order the orchestrator emitted them.
func (c *Client) Subscribe() (<-chan RotationEvent, func()) {
	sub := &subscription{ch: make(chan RotationEvent, subscriberBuffer)}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		sub.close()
		return sub.ch, func() {}
	}
	id := c.nextSub
	c.nextSub++
	c.subs[id] = sub
	c.mu.Unlock()

	cancel := func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
		sub.close()
	}
	return sub.ch, cancel
}

// HandleRotated invalidates the cached entries for the rotated keys,
// publishes one event to every subscriber, and acknowledges the batch.
// The ack carries "ok" once the event reached every live subscriber
// queue; a subscriber that stays full past the delivery window fails
// the batch. Called by the dispatch loop.
func (c *Client) HandleRotated(n *ipc.RotatedNotification) {
	if n == nil || n.RotationID == "" {
		return
	}

	c.mu.Lock()
	for _, key := range n.Keys {
		if e, ok := c.cache[key]; ok {
			c.registry.Unregister(string(e.value))
			memguard.WipeBytes(e.value)
			delete(c.cache, key)
		}
	}
	subs := make([]*subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.mu.Unlock()

	event := RotationEvent{Keys: append([]string(nil), n.Keys...), RotationID: n.RotationID}
	status := ipc.RotationStatusOK
	for _, sub := range subs {
		if !sub.deliver(event, subscriberDeliveryWindow) {
			status = ipc.RotationStatusFailed
		}
	}

	if err := c.AcknowledgeRotation(n.RotationID, status); err != nil {
		c.log.Warnf("secrets: rotation ack %s: %v", n.RotationID, err)
	}
}

// AcknowledgeRotation reports the outcome of a rotation batch.
func (c *Client) AcknowledgeRotation(rotationID, status string) error {
	return c.transport.Send(&ipc.ModuleToOrchestrator{
		RotationAck: &ipc.RotationAckRequest{RotationID: rotationID, Status: status},
	})
}
