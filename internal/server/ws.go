package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ebarer/SmartLock/internal/app"
)

// commandResult answers a command sent over the websocket.
type commandResult struct {
	Command string `json:"command"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
}

// HandleWebSocket streams state and activity and accepts console commands.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("Websocket upgrade failed")
		return
	}
	c := s.hub.add(conn)
	defer s.hub.remove(c)
	s.logger.Info().Str("remote", conn.RemoteAddr().String()).Msg("Console connected")

	c.push(Event{Type: "state", Data: s.ctrl.Snapshot()})
	c.push(Event{Type: "history", Data: s.ctrl.Activity()})

	conn.SetReadLimit(1024)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var cmd app.Command
		if err := conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug().Err(err).Msg("Console read failed")
			}
			break
		}

		res := commandResult{Command: cmd.Name, OK: true}
		if err := s.execute(r.Context(), cmd); err != nil {
			res.OK = false
			res.Error = err.Error()
		}
		c.push(Event{Type: "result", Data: res})
	}
	s.logger.Info().Str("remote", conn.RemoteAddr().String()).Msg("Console disconnected")
}
