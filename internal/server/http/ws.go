package httpserver

import (
	"context"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/coachpo/pulse/internal/errs"
)

// wsStream carries the same text frames as the SSE endpoint over a websocket.
type wsStream struct {
	conn *websocket.Conn
	ctx  context.Context

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func newWSStream(ctx context.Context, conn *websocket.Conn) *wsStream {
	return &wsStream{conn: conn, ctx: ctx, done: make(chan struct{})}
}

func (s *wsStream) Write(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errs.New("httpserver/ws", errs.CodeUnavailable, errs.WithMessage("stream closed"))
	}
	ctx, cancel := context.WithTimeout(s.ctx, streamWriteTimeout)
	defer cancel()
	return s.conn.Write(ctx, websocket.MessageText, frame)
}

func (s *wsStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	return s.conn.Close(websocket.StatusNormalClosure, "connection closed")
}

// streamEventsWS admits a websocket connection delivering the same frames as
// the SSE endpoint. Inbound client messages are drained and discarded; the
// channel is push-only.
func (s *httpServer) streamEventsWS(w http.ResponseWriter, r *http.Request) {
	userID, organizationID := identityFromRequest(r)
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user identity required")
		return
	}

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("httpserver: websocket accept failed user=%s: %v", userID, err)
		return
	}

	stream := newWSStream(r.Context(), wsConn)
	conn, err := s.dispatcher.Admit(userID, organizationID, stream)
	if err != nil {
		_ = wsConn.Close(websocket.StatusPolicyViolation, "admission rejected")
		return
	}
	s.logger.Printf("httpserver: ws connection opened user=%s conn=%s", userID, conn.ID())

	// Reader loop detects client disconnects; frames from the client are
	// ignored.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := wsConn.Read(r.Context()); err != nil {
				return
			}
		}
	}()

	select {
	case <-readDone:
		s.registry.Remove(conn.ID())
	case <-r.Context().Done():
		s.registry.Remove(conn.ID())
	case <-stream.done:
	}
	s.logger.Printf("httpserver: ws connection closed user=%s conn=%s", userID, conn.ID())
}
