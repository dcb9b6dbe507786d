package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

// bridge upgrades to the websocket the bootstrap script relays page frames
// over. Frames are handled one at a time, in the order the page sent them.
func (s *Server) bridge(w http.ResponseWriter, r *http.Request) {
	handle := chi.URLParam(r, "handle")
	surface, ok := s.hub.lookup(handle)
	if !ok {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, errUnknownSurface.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Str("handle", handle).Msg("bridge upgrade failed")
		return
	}
	if err := surface.attach(conn); err != nil {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, err.Error()))
		conn.Close()
		return
	}
	defer surface.detach(conn)
	s.log.Debug().Str("handle", handle).Msg("bridge connected")

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug().Err(err).Str("handle", handle).Msg("bridge closed")
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		if err := s.webviews.Bridge(s.ctx, handle, data); err != nil {
			s.log.Warn().Err(err).Str("handle", handle).Msg("bridge frame failed")
		}
	}
}
