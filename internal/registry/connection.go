package registry

import (
	"sync"

	"github.com/coachpo/pulse/internal/errs"
)

// ConnectionID uniquely identifies a connection within this process.
type ConnectionID string

// SendQueueCapacity bounds the frames buffered per connection. A client that
// stops reading fills its queue and is treated as dead; it never stalls
// delivery to anyone else.
const SendQueueCapacity = 64

// Stream is a write-capable handle to a connected client. The owning
// Connection is the only component that writes to it.
type Stream interface {
	Write(frame []byte) error
	Close() error
}

// Connection is a single long-lived client stream. It belongs to exactly one
// user for its whole lifetime and never migrates between processes.
type Connection struct {
	id             ConnectionID
	userID         string
	organizationID string
	stream         Stream

	sendCh chan []byte
	done   chan struct{}

	mu            sync.Mutex
	subs          map[string]struct{}
	stopHeartbeat func()
	writeErr      error
	closed        bool
}

// ID returns the connection id.
func (c *Connection) ID() ConnectionID { return c.id }

// UserID returns the owning user id.
func (c *Connection) UserID() string { return c.userID }

// OrganizationID returns the owning organization id, if any.
func (c *Connection) OrganizationID() string { return c.organizationID }

// AddSubscription inserts a subscription key into the connection's set.
func (c *Connection) AddSubscription(key string) {
	c.mu.Lock()
	c.subs[key] = struct{}{}
	c.mu.Unlock()
}

// RemoveSubscription deletes a subscription key from the connection's set.
func (c *Connection) RemoveSubscription(key string) {
	c.mu.Lock()
	delete(c.subs, key)
	c.mu.Unlock()
}

// HasSubscription reports whether the connection holds the subscription key.
func (c *Connection) HasSubscription(key string) bool {
	c.mu.Lock()
	_, ok := c.subs[key]
	c.mu.Unlock()
	return ok
}

// SubscriptionKeys returns a snapshot of the connection's subscription set.
func (c *Connection) SubscriptionKeys() []string {
	c.mu.Lock()
	keys := make([]string, 0, len(c.subs))
	for key := range c.subs {
		keys = append(keys, key)
	}
	c.mu.Unlock()
	return keys
}

// SetHeartbeatStop records the cancel function for the connection's heartbeat
// task. It is invoked exactly once during teardown.
func (c *Connection) SetHeartbeatStop(stop func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		if stop != nil {
			stop()
		}
		return
	}
	c.stopHeartbeat = stop
	c.mu.Unlock()
}

// WriteFrame queues one frame for the connection's writer goroutine and never
// blocks on the underlying transport. The single writer preserves frame order.
// A full queue or an earlier write failure marks the connection dead.
func (c *Connection) WriteFrame(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errs.New("registry/write", errs.CodeUnavailable, errs.WithMessage("connection closed"))
	}
	if c.writeErr != nil {
		return errs.New("registry/write", errs.CodeUnavailable,
			errs.WithMessage("stream write failed"), errs.WithCause(c.writeErr))
	}
	select {
	case c.sendCh <- frame:
		return nil
	default:
		return errs.New("registry/write", errs.CodeUnavailable, errs.WithMessage("send queue full"))
	}
}

// writeLoop drains the send queue onto the stream. It exits on teardown or on
// the first write failure, leaving the error for WriteFrame to surface.
func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.sendCh:
			if err := c.stream.Write(frame); err != nil {
				c.mu.Lock()
				c.writeErr = err
				c.mu.Unlock()
				return
			}
		}
	}
}

// Closed reports whether the connection has been torn down.
func (c *Connection) Closed() bool {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	return closed
}

// teardown marks the connection closed, stops the heartbeat and the writer
// goroutine, and closes the stream. Safe to call more than once.
func (c *Connection) teardown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	stop := c.stopHeartbeat
	c.stopHeartbeat = nil
	c.mu.Unlock()

	if stop != nil {
		stop()
	}
	close(c.done)
	_ = c.stream.Close()
}
