package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/basket/convmem/internal/bus"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const eventWriteTimeout = 5 * time.Second

// eventFrame is one bus event as sent to WebSocket clients.
type eventFrame struct {
	Topic string           `json:"topic"`
	Event bus.SessionEvent `json:"event"`
}

// handleEvents streams bus events over a WebSocket. ?session= restricts the
// stream to one session key. The connection is write-only; client frames are
// discarded.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "event bus not configured")
		return
	}
	session := r.URL.Query().Get("session")

	opts := &websocket.AcceptOptions{}
	if s.cfg.CORS.Enabled {
		opts.OriginPatterns = s.cfg.CORS.AllowedOrigins
	}
	// Subscribe before the handshake completes so a client sees every event
	// published after Dial returns.
	sub := s.cfg.Bus.Subscribe(bus.Filter{SessionKey: session})
	defer s.cfg.Bus.Unsubscribe(sub)

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Warn("ws: accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	ctx := conn.CloseRead(r.Context())
	s.logger.Info("ws: events client connected", "session_key", session)
	defer func() {
		s.logger.Info("ws: events client disconnected", "session_key", session, "dropped", sub.Dropped())
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if err := s.writeEvent(ctx, conn, ev); err != nil {
				s.logger.Debug("ws: write failed", "error", err)
				return
			}
		}
	}
}

func (s *Server) writeEvent(ctx context.Context, conn *websocket.Conn, ev bus.Event) error {
	wctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return wsjson.Write(wctx, conn, eventFrame{Topic: ev.Topic, Event: ev.Payload})
}
