package httpserver

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coachpo/pulse/internal/errs"
)

// sseStream adapts an SSE response to the registry's Stream interface. Writes
// arrive serialized from the connection's writer goroutine; the mutex only
// guards the closed flag against a concurrent teardown.
type sseStream struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	flusher http.Flusher

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func newSSEStream(w http.ResponseWriter, flusher http.Flusher) *sseStream {
	return &sseStream{w: w, rc: http.NewResponseController(w), flusher: flusher, done: make(chan struct{})}
}

func (s *sseStream) Write(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errs.New("httpserver/sse", errs.CodeUnavailable, errs.WithMessage("stream closed"))
	}
	// Bound the write so a client with a full TCP window errors out instead of
	// pinning the writer goroutine forever.
	if err := s.rc.SetWriteDeadline(time.Now().Add(streamWriteTimeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	if _, err := s.w.Write(frame); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	return nil
}

// streamEvents admits an SSE connection and blocks until the client goes away
// or the connection is torn down server-side.
func (s *httpServer) streamEvents(w http.ResponseWriter, r *http.Request) {
	userID, organizationID := identityFromRequest(r)
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user identity required")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	stream := newSSEStream(w, flusher)
	conn, err := s.dispatcher.Admit(userID, organizationID, stream)
	if err != nil {
		// Headers are already out; nothing useful left to send.
		s.logger.Printf("httpserver: sse admit failed user=%s: %v", userID, err)
		return
	}
	s.logger.Printf("httpserver: sse connection opened user=%s conn=%s", userID, conn.ID())

	select {
	case <-r.Context().Done():
		s.registry.Remove(conn.ID())
	case <-stream.done:
	}
	s.logger.Printf("httpserver: sse connection closed user=%s conn=%s", userID, conn.ID())
}
