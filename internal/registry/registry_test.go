package registry

import (
	"errors"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/pulse/internal/schema"
)

type fakeStream struct {
	mu       sync.Mutex
	frames   [][]byte
	writeErr error
	closed   bool
}

func (s *fakeStream) Write(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	buf := make([]byte, len(frame))
	copy(buf, frame)
	s.frames = append(s.frames, buf)
	return nil
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return New(log.New(testWriter{t}, "test ", 0))
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func TestAdmitRequiresUserID(t *testing.T) {
	reg := newTestRegistry(t)
	_, err := reg.Admit("", "org-1", &fakeStream{})
	require.Error(t, err)
	require.Zero(t, reg.Len())
}

func TestAdmitGrowsRegistry(t *testing.T) {
	reg := newTestRegistry(t)

	before := len(reg.ConnectionsOf("alice"))
	conn, err := reg.Admit("alice", "org-1", &fakeStream{})
	require.NoError(t, err)

	require.Len(t, reg.ConnectionsOf("alice"), before+1)
	require.Equal(t, 1, reg.Len())
	require.Equal(t, "alice", conn.UserID())
	require.Equal(t, "org-1", conn.OrganizationID())
	require.Empty(t, conn.SubscriptionKeys())
}

func TestMultipleConnectionsPerUser(t *testing.T) {
	reg := newTestRegistry(t)

	first, err := reg.Admit("alice", "", &fakeStream{})
	require.NoError(t, err)
	second, err := reg.Admit("alice", "", &fakeStream{})
	require.NoError(t, err)

	require.NotEqual(t, first.ID(), second.ID())
	require.Len(t, reg.ConnectionsOf("alice"), 2)
	require.Len(t, reg.AllConnections(), 2)
}

func TestRemoveIsIdempotent(t *testing.T) {
	reg := newTestRegistry(t)
	stream := &fakeStream{}
	conn, err := reg.Admit("alice", "", stream)
	require.NoError(t, err)

	reg.Remove(conn.ID())
	require.Zero(t, reg.Len())
	require.Empty(t, reg.ConnectionsOf("alice"))
	require.True(t, stream.isClosed())

	// Second removal for the same id must leave the registry untouched.
	reg.Remove(conn.ID())
	require.Zero(t, reg.Len())
}

func TestRemoveStopsHeartbeatOnce(t *testing.T) {
	reg := newTestRegistry(t)
	conn, err := reg.Admit("alice", "", &fakeStream{})
	require.NoError(t, err)

	stops := 0
	conn.SetHeartbeatStop(func() { stops++ })

	reg.Remove(conn.ID())
	reg.Remove(conn.ID())
	require.Equal(t, 1, stops)
}

func TestWriteFrameAfterTeardownFails(t *testing.T) {
	reg := newTestRegistry(t)
	conn, err := reg.Admit("alice", "", &fakeStream{})
	require.NoError(t, err)

	reg.Remove(conn.ID())
	require.True(t, conn.Closed())
	require.Error(t, conn.WriteFrame([]byte("event: ping\n\n")))
}

func TestWriteFrameSurfacesWriterFailure(t *testing.T) {
	reg := newTestRegistry(t)
	stream := &fakeStream{writeErr: errors.New("broken pipe")}
	conn, err := reg.Admit("alice", "", stream)
	require.NoError(t, err)
	t.Cleanup(func() { reg.Remove(conn.ID()) })

	// The first frame is accepted onto the queue; the writer goroutine hits the
	// stream error and subsequent writes surface it.
	require.NoError(t, conn.WriteFrame([]byte("x")))
	require.Eventually(t, func() bool {
		return conn.WriteFrame([]byte("x")) != nil
	}, time.Second, 5*time.Millisecond)
}

type blockedStream struct {
	release chan struct{}
}

func (s *blockedStream) Write([]byte) error {
	<-s.release
	return nil
}

func (s *blockedStream) Close() error { return nil }

func TestWriteFrameFailsWhenQueueFull(t *testing.T) {
	reg := newTestRegistry(t)
	stream := &blockedStream{release: make(chan struct{})}
	t.Cleanup(func() { close(stream.release) })
	conn, err := reg.Admit("alice", "", stream)
	require.NoError(t, err)
	t.Cleanup(func() { reg.Remove(conn.ID()) })

	var failed bool
	for i := 0; i < SendQueueCapacity+2; i++ {
		if conn.WriteFrame([]byte("x")) != nil {
			failed = true
			break
		}
	}
	require.True(t, failed)
}

func TestStatsSnapshot(t *testing.T) {
	reg := newTestRegistry(t)

	a1, err := reg.Admit("alice", "org-1", &fakeStream{})
	require.NoError(t, err)
	a2, err := reg.Admit("alice", "org-1", &fakeStream{})
	require.NoError(t, err)
	_, err = reg.Admit("bob", "org-2", &fakeStream{})
	require.NoError(t, err)

	key := schema.SubscriptionKey("DEPLOYMENT", []string{"repo-1"})
	a1.AddSubscription(key)
	a2.AddSubscription(key)

	stats := reg.Stats()
	require.Equal(t, 3, stats.TotalConnections)
	require.Equal(t, 2, stats.ConnectionsByUser["alice"])
	require.Equal(t, 1, stats.ConnectionsByUser["bob"])
	require.Equal(t, 2, stats.ConnectionsByOrganization["org-1"])
	require.Equal(t, 1, stats.ConnectionsByOrganization["org-2"])
	// The key is distinct once but held by two connections.
	require.Equal(t, 1, stats.SubscriptionStats.TotalSubscriptions)
	require.Equal(t, 2, stats.SubscriptionStats.SubscriptionsByEventType["DEPLOYMENT"])
}

func TestUserSubscriptionsUnion(t *testing.T) {
	reg := newTestRegistry(t)

	a1, err := reg.Admit("alice", "", &fakeStream{})
	require.NoError(t, err)
	a2, err := reg.Admit("alice", "", &fakeStream{})
	require.NoError(t, err)

	a1.AddSubscription("DEPLOYMENT:REPO-1")
	a2.AddSubscription("DEPLOYMENT:REPO-1")
	a2.AddSubscription("RECIPE:42")

	keys := reg.UserSubscriptions("alice")
	require.ElementsMatch(t, []string{"DEPLOYMENT:REPO-1", "RECIPE:42"}, keys)
}

func TestShutdownRemovesEverything(t *testing.T) {
	reg := newTestRegistry(t)
	streams := []*fakeStream{{}, {}, {}}
	for i, stream := range streams {
		user := "user"
		if i == 2 {
			user = "other"
		}
		_, err := reg.Admit(user, "", stream)
		require.NoError(t, err)
	}

	reg.Shutdown()
	require.Zero(t, reg.Len())
	for _, stream := range streams {
		require.True(t, stream.isClosed())
	}
}
