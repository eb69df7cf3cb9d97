package dispatch

import (
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/pulse/internal/registry"
	"github.com/coachpo/pulse/internal/schema"
)

type fakeStream struct {
	mu       sync.Mutex
	frames   []string
	failNext bool
	failAll  bool
}

func (s *fakeStream) Write(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll || s.failNext {
		s.failNext = false
		return errors.New("stream dead")
	}
	s.frames = append(s.frames, string(frame))
	return nil
}

func (s *fakeStream) Close() error { return nil }

func (s *fakeStream) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.frames))
	copy(out, s.frames)
	return out
}

func (s *fakeStream) kill() {
	s.mu.Lock()
	s.failAll = true
	s.mu.Unlock()
}

// stalledStream models a client that stops reading: every write blocks until
// the test releases it.
type stalledStream struct {
	release chan struct{}
}

func (s *stalledStream) Write([]byte) error {
	<-s.release
	return nil
}

func (s *stalledStream) Close() error { return nil }

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func TestAdmitSendsGreeting(t *testing.T) {
	reg := registry.New(quietLogger())
	disp := NewDispatcher(reg, quietLogger(), time.Minute)

	stream := &fakeStream{}
	conn, err := disp.Admit("alice", "org-1", stream)
	require.NoError(t, err)
	t.Cleanup(func() { reg.Remove(conn.ID()) })

	require.Eventually(t, func() bool {
		return len(stream.snapshot()) == 1
	}, time.Second, 5*time.Millisecond)
	frames := stream.snapshot()
	require.Contains(t, frames[0], "event: hello_world")
	require.Contains(t, frames[0], "Connected to event stream")
}

func TestAdmitRejectsEmptyUser(t *testing.T) {
	reg := registry.New(quietLogger())
	disp := NewDispatcher(reg, quietLogger(), time.Minute)

	_, err := disp.Admit("", "", &fakeStream{})
	require.Error(t, err)
	require.Zero(t, reg.Len())
}

func TestSendWritesFrame(t *testing.T) {
	reg := registry.New(quietLogger())
	disp := NewDispatcher(reg, quietLogger(), time.Minute)

	stream := &fakeStream{}
	conn, err := disp.Admit("alice", "", stream)
	require.NoError(t, err)
	t.Cleanup(func() { reg.Remove(conn.ID()) })

	delivered := disp.Send(conn.ID(), schema.ClientEvent{Type: "DEPLOYMENT", Data: map[string]any{"status": "ok"}})
	require.True(t, delivered)

	require.Eventually(t, func() bool {
		return len(stream.snapshot()) == 2
	}, time.Second, 5*time.Millisecond)
	frames := stream.snapshot()
	require.True(t, strings.HasPrefix(frames[1], "event: DEPLOYMENT\n"))
	require.Contains(t, frames[1], `data: {"status":"ok"}`)
}

func TestSendFailureRemovesConnection(t *testing.T) {
	reg := registry.New(quietLogger())
	disp := NewDispatcher(reg, quietLogger(), time.Minute)

	stream := &fakeStream{}
	conn, err := disp.Admit("alice", "", stream)
	require.NoError(t, err)

	stream.kill()
	// The failed write is observed by the connection's writer goroutine; the
	// next send surfaces it and reaps the connection.
	require.Eventually(t, func() bool {
		return !disp.Send(conn.ID(), schema.ClientEvent{Type: "ping"})
	}, time.Second, 5*time.Millisecond)
	require.Empty(t, reg.ConnectionsOf("alice"))
	require.Empty(t, reg.AllConnections())
}

func TestSendToUnknownConnection(t *testing.T) {
	reg := registry.New(quietLogger())
	disp := NewDispatcher(reg, quietLogger(), time.Minute)

	require.False(t, disp.Send("no-such-id", schema.ClientEvent{Type: "ping"}))
}

func TestBroadcastCountsSuccessesOnly(t *testing.T) {
	reg := registry.New(quietLogger())
	disp := NewDispatcher(reg, quietLogger(), time.Minute)

	healthy := &fakeStream{}
	dead := &fakeStream{}
	c1, err := disp.Admit("alice", "", healthy)
	require.NoError(t, err)
	c2, err := disp.Admit("bob", "", dead)
	require.NoError(t, err)
	t.Cleanup(func() { reg.Shutdown() })

	dead.kill()
	require.Eventually(t, func() bool {
		return !disp.Send(c2.ID(), schema.ClientEvent{Type: "warmup"})
	}, time.Second, 5*time.Millisecond)

	count := disp.Broadcast(schema.ClientEvent{Type: "ping"}, []*registry.Connection{c1, c2})
	require.Equal(t, 1, count)

	// The failing connection is reaped, the healthy one survives.
	require.Len(t, reg.ConnectionsOf("alice"), 1)
	require.Empty(t, reg.ConnectionsOf("bob"))
}

func TestBroadcastSurvivesStalledConnection(t *testing.T) {
	reg := registry.New(quietLogger())
	disp := NewDispatcher(reg, quietLogger(), time.Minute)

	stalled := &stalledStream{release: make(chan struct{})}
	t.Cleanup(func() { close(stalled.release) })
	healthy := &fakeStream{}

	slow, err := disp.Admit("alice", "", stalled)
	require.NoError(t, err)
	fast, err := disp.Admit("bob", "", healthy)
	require.NoError(t, err)
	t.Cleanup(func() { reg.Shutdown() })

	evt := schema.ClientEvent{Type: "DEPLOYMENT", Data: map[string]any{"status": "ok"}}
	done := make(chan int, 1)
	go func() { done <- disp.Broadcast(evt, []*registry.Connection{slow, fast}) }()

	select {
	case n := <-done:
		require.Equal(t, 2, n)
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a stalled connection")
	}

	require.Eventually(t, func() bool {
		for _, frame := range healthy.snapshot() {
			if strings.HasPrefix(frame, "event: DEPLOYMENT\n") {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestSendQueueOverflowRemovesConnection(t *testing.T) {
	reg := registry.New(quietLogger())
	disp := NewDispatcher(reg, quietLogger(), time.Minute)

	stalled := &stalledStream{release: make(chan struct{})}
	t.Cleanup(func() { close(stalled.release) })
	conn, err := disp.Admit("alice", "", stalled)
	require.NoError(t, err)

	evt := schema.ClientEvent{Type: "ping"}
	rejected := false
	for i := 0; i < registry.SendQueueCapacity+2; i++ {
		if !disp.Send(conn.ID(), evt) {
			rejected = true
			break
		}
	}
	require.True(t, rejected)

	_, ok := reg.Lookup(conn.ID())
	require.False(t, ok)
	require.Empty(t, reg.ConnectionsOf("alice"))
}

func TestHeartbeatReapsDeadConnection(t *testing.T) {
	reg := registry.New(quietLogger())
	disp := NewDispatcher(reg, quietLogger(), 10*time.Millisecond)

	stream := &fakeStream{}
	conn, err := disp.Admit("alice", "", stream)
	require.NoError(t, err)

	stream.kill()
	require.Eventually(t, func() bool {
		_, ok := reg.Lookup(conn.ID())
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestHeartbeatDeliversPeriodically(t *testing.T) {
	reg := registry.New(quietLogger())
	disp := NewDispatcher(reg, quietLogger(), 10*time.Millisecond)

	stream := &fakeStream{}
	conn, err := disp.Admit("alice", "", stream)
	require.NoError(t, err)
	t.Cleanup(func() { reg.Remove(conn.ID()) })

	require.Eventually(t, func() bool {
		for _, frame := range stream.snapshot() {
			if strings.Contains(frame, "Hello World at ") {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}
