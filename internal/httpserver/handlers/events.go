package handlers

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/burrowd/burrow/internal/httpserver/deps"
	"github.com/burrowd/burrow/internal/logger"
	"github.com/burrowd/burrow/internal/utils"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The listener is loopback-only and the CIDR allowlist runs before
	// the upgrade, so cross-origin checks add nothing here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Events streams lifecycle events over a websocket until the client
// disconnects.
func Events(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Events == nil {
			writeError(w, http.StatusNotImplemented, "event streaming disabled")
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already wrote the error response
			d.Logger.Debug("websocket upgrade failed", logger.Error(err))
			return
		}
		defer utils.Close(conn)

		id, ch := d.Events.Subscribe()
		defer d.Events.Unsubscribe(id)

		d.Logger.Info("event stream opened",
			logger.String("remote_ip", r.RemoteAddr))

		// Drain client frames so pings are answered and the close
		// handshake is noticed.
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ctx := r.Context()
		for {
			select {
			case evt, ok := <-ch:
				if !ok {
					return
				}
				if err := conn.WriteJSON(evt); err != nil {
					d.Logger.Debug("event stream write failed",
						logger.Error(err))
					return
				}
			case <-done:
				d.Logger.Info("event stream closed by client",
					logger.String("remote_ip", r.RemoteAddr))
				return
			case <-ctx.Done():
				return
			}
		}
	}
}
