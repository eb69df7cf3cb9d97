// Package registry tracks live streaming connections within a single process.
//
// The table is deliberately process-local: cross-process agreement on who is
// subscribed to what is reached only through broker messages, never through a
// shared table.
package registry

import (
	"log"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/coachpo/pulse/internal/errs"
)

// Registry maps user ids to their live connections in this process. Mutations
// and iteration are guarded by one mutex; contention is connection churn, not
// steady-state traffic.
type Registry struct {
	mu     sync.RWMutex
	byUser map[string][]*Connection
	byID   map[ConnectionID]*Connection
	logger *log.Logger
}

// New constructs an empty registry.
func New(logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.Default()
	}
	return &Registry{
		byUser: make(map[string][]*Connection),
		byID:   make(map[ConnectionID]*Connection),
		logger: logger,
	}
}

// Admit allocates a connection for the user with an empty subscription set and
// registers it. An empty user id is a caller error; no partial connection is
// registered.
func (r *Registry) Admit(userID, organizationID string, stream Stream) (*Connection, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, errs.New("registry/admit", errs.CodeInvalid, errs.WithMessage("user id required"))
	}
	if stream == nil {
		return nil, errs.New("registry/admit", errs.CodeInvalid, errs.WithMessage("stream required"))
	}

	conn := &Connection{
		id:             ConnectionID(uuid.NewString()),
		userID:         userID,
		organizationID: strings.TrimSpace(organizationID),
		stream:         stream,
		sendCh:         make(chan []byte, SendQueueCapacity),
		done:           make(chan struct{}),
		subs:           make(map[string]struct{}),
	}
	go conn.writeLoop()

	r.mu.Lock()
	r.byUser[userID] = append(r.byUser[userID], conn)
	r.byID[conn.id] = conn
	total := len(r.byID)
	r.mu.Unlock()

	r.logger.Printf("registry: connection admitted id=%s user=%s org=%s total=%d",
		conn.id, userID, conn.organizationID, total)
	return conn, nil
}

// Remove tears down the connection: stops its heartbeat, closes the stream and
// deletes it from its user's bucket, dropping the bucket once empty. Remove is
// idempotent; it may be triggered by explicit close, a write failure and a
// heartbeat failure for the same connection.
func (r *Registry) Remove(id ConnectionID) {
	r.mu.Lock()
	conn, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.byID, id)

	bucket := r.byUser[conn.userID]
	for i, candidate := range bucket {
		if candidate.id == id {
			bucket = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
	if len(bucket) == 0 {
		delete(r.byUser, conn.userID)
	} else {
		r.byUser[conn.userID] = bucket
	}
	remaining := len(r.byID)
	r.mu.Unlock()

	conn.teardown()
	r.logger.Printf("registry: connection removed id=%s user=%s remaining=%d", id, conn.userID, remaining)
}

// Lookup returns the live connection for the id, if any.
func (r *Registry) Lookup(id ConnectionID) (*Connection, bool) {
	r.mu.RLock()
	conn, ok := r.byID[id]
	r.mu.RUnlock()
	return conn, ok
}

// ConnectionsOf returns a snapshot of the user's live connections.
func (r *Registry) ConnectionsOf(userID string) []*Connection {
	r.mu.RLock()
	bucket := r.byUser[userID]
	out := make([]*Connection, len(bucket))
	copy(out, bucket)
	r.mu.RUnlock()
	return out
}

// AllConnections returns a snapshot of every live connection in this process.
func (r *Registry) AllConnections() []*Connection {
	r.mu.RLock()
	out := make([]*Connection, 0, len(r.byID))
	for _, conn := range r.byID {
		out = append(out, conn)
	}
	r.mu.RUnlock()
	return out
}

// Len reports the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	n := len(r.byID)
	r.mu.RUnlock()
	return n
}

// Shutdown removes every local connection, closing their streams.
func (r *Registry) Shutdown() {
	r.mu.RLock()
	ids := make([]ConnectionID, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.Remove(id)
	}
}
