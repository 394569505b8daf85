package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const eventWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// POS clients connect from the store LAN, not browsers.
		return true
	},
}

// eventsHandler streams command status events over a websocket. The
// terminal query parameter narrows the stream to one terminal; without it
// the client sees every terminal.
func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	terminal := r.URL.Query().Get("terminal")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Logger.Errorf("Websocket upgrade failed for %s: %v", r.RemoteAddr, err)
		return
	}
	defer conn.Close()

	sub := s.Hub.Subscribe(terminal)
	s.Logger.Infof("Event subscriber connected from %s (terminal %q)", r.RemoteAddr, terminal)

	// The read loop only notices the peer going away; clients never send.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
		s.Hub.Unsubscribe(sub)
	}()

	for ev := range sub.Events() {
		conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
		if err := conn.WriteJSON(ev); err != nil {
			s.Logger.Infof("Event subscriber %s dropped: %v", r.RemoteAddr, err)
			s.Hub.Unsubscribe(sub)
			break
		}
	}
}
