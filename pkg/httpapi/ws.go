package httpapi

import (
	"fmt"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"loom/pkg/protocol"
)

const wsWriteTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The daemon binds loopback; browser dashboards connect same-host.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleWS streams every bus event to the client as JSON. A client that
// cannot keep up first sheds load at its bounded subscriber channel, and is
// disconnected outright once a write blocks past the deadline. Either way
// the publisher never waits.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		writeErr(w, http.StatusServiceUnavailable, fmt.Errorf("event stream not configured"))
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		log.Printf("[httpapi] websocket upgrade: %v", err)
		return
	}

	var dead atomic.Bool
	cancel := s.Events.SubscribeAll(func(e protocol.Event) {
		if dead.Load() {
			return
		}
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(e); err != nil {
			dead.Store(true)
			_ = conn.Close()
		}
	})

	// Read pump: its only job is noticing the client went away.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
		dead.Store(true)
		cancel()
		_ = conn.Close()
	}()
}
