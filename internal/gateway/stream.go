package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const (
	streamBuffer  = 256
	streamWriteTO = 5 * time.Second
)

// handleEvents implements GET /ws/events?channel=XXX. It streams bus events
// as JSON frames; without a channel every event is sent. Events a slow
// client cannot keep up with are dropped by the bus, never queued.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus not configured")
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		s.logger.Debug("ws: accept failed", "error", err)
		return
	}
	channel := r.URL.Query().Get("channel")
	sub := s.cfg.Bus.Stream(channel, streamBuffer)
	defer s.cfg.Bus.Unsubscribe(sub)
	s.logger.Info("ws: client connected", "channel", channel)

	// Client frames are ignored; CloseRead cancels ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("ws: client disconnected", "channel", channel)
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			wctx, cancel := context.WithTimeout(ctx, streamWriteTO)
			err := wsjson.Write(wctx, conn, ev)
			cancel()
			if err != nil {
				s.logger.Debug("ws: write failed", "channel", channel, "error", err)
				return
			}
		}
	}
}
