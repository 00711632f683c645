package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"argus/core"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 512
)

// upgrader checks nothing about the origin; CORS is applied in front of the router
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// serveOutputWebSocket writes each line as a JSON text message and sends a
// normal close once the stream ends. A client disconnect cancels ctx.
func (a *API) serveOutputWebSocket(ctx context.Context, cancel context.CancelFunc, w http.ResponseWriter, r *http.Request, lines <-chan core.OutputLine) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warnw("WebSocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	go readPump(conn, cancel)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case line, ok := <-lines:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "output complete"))
				return
			}
			if err := conn.WriteJSON(line); err != nil {
				a.logger.Debugw("WebSocket write failed", "error", err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// readPump discards client messages and cancels the stream when the peer goes away
func readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
