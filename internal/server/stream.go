package server

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
)

const streamWriteTimeout = 10 * time.Second

// handleStream upgrades to a WebSocket and forwards the mission's events as
// JSON text frames. The connection closes normally after the terminal mission
// event. Events dropped for a slow client are not replayed; clients re-read
// the status endpoint after reconnecting.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sub, err := s.missions.Subscribe(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer sub.Unsubscribe()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Error("ws accept", "mission_id", id, "error", err)
		return
	}
	defer conn.CloseNow()

	// Inbound frames are ignored; CloseRead cancels ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())

	s.logger.Debug("stream opened", "mission_id", id)
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("stream closed by client", "mission_id", id)
			return
		case ev, ok := <-sub.C:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutdown")
				return
			}
			wctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
			err := wsjson.Write(wctx, conn, ev)
			cancel()
			if err != nil {
				s.logger.Debug("stream write failed", "mission_id", id, "error", err)
				return
			}
			if ev.Terminal() {
				conn.Close(websocket.StatusNormalClosure, "mission "+ev.To)
				return
			}
		}
	}
}
