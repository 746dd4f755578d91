package main

import (
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"loom/pkg/protocol"
)

// eventWatcher drains the daemon's websocket event stream into a channel
// the Bubble Tea update loop can pull from one message at a time.
type eventWatcher struct {
	conn   *websocket.Conn
	events chan protocol.Event
	done   chan struct{}
}

// wsURL converts an http(s) base URL into its websocket endpoint.
func wsURL(baseURL string) string {
	u := strings.Replace(baseURL, "http://", "ws://", 1)
	u = strings.Replace(u, "https://", "wss://", 1)
	return u + "/ws"
}

// openEventWatcher dials the daemon's event stream and starts the read pump.
func openEventWatcher(baseURL string) (*eventWatcher, error) {
	dialer := websocket.Dialer{HandshakeTimeout: fetchTimeout}
	conn, resp, err := dialer.Dial(wsURL(baseURL), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}

	w := &eventWatcher{
		conn:   conn,
		events: make(chan protocol.Event, 64),
		done:   make(chan struct{}),
	}
	go w.readPump()
	return w, nil
}

// readPump reads events until the connection drops. The events channel is
// closed on exit so the update loop sees the disconnect.
func (w *eventWatcher) readPump() {
	defer close(w.events)
	for {
		var ev protocol.Event
		if err := w.conn.ReadJSON(&ev); err != nil {
			return
		}
		select {
		case w.events <- ev:
		case <-w.done:
			return
		}
	}
}

// Next blocks until the next event arrives or the stream closes.
// ok is false once the connection is gone.
func (w *eventWatcher) Next() (protocol.Event, bool) {
	ev, ok := <-w.events
	return ev, ok
}

// Close tears down the connection and unblocks the read pump.
func (w *eventWatcher) Close() {
	close(w.done)
	w.conn.SetWriteDeadline(time.Now().Add(time.Second)) //nolint:errcheck
	w.conn.Close()
}
