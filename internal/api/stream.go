package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/signpost-core/internal/broadcast"
	"github.com/nerrad567/signpost-core/internal/sign"
)

// Stream defaults applied when the stream config leaves a field zero.
const (
	defaultPingInterval   = 30 * time.Second
	defaultPongTimeout    = 10 * time.Second
	defaultMaxMessageSize = 4096
)

// replaySnapshot returns a sign_update for every sign. It is handed to
// Hub.Subscribe so a new observer starts from the full fleet.
func (s *Server) replaySnapshot() []any {
	signs := s.registry.ListAll(context.Background())
	events := make([]any, len(signs))
	for i := range signs {
		events[i] = sign.NewUpdateEvent(&signs[i])
	}
	return events
}

func (s *Server) pingInterval() time.Duration {
	if s.streamCfg.PingInterval > 0 {
		return time.Duration(s.streamCfg.PingInterval) * time.Second
	}
	return defaultPingInterval
}

func (s *Server) pongTimeout() time.Duration {
	if s.streamCfg.PongTimeout > 0 {
		return time.Duration(s.streamCfg.PongTimeout) * time.Second
	}
	return defaultPongTimeout
}

// ─── Server-Sent Events ─────────────────────────────────────────

// handleEvents streams hub frames as Server-Sent Events until the client
// goes away or the hub shuts down.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)

	sub := s.hub.Subscribe("sse:"+r.RemoteAddr, s.replaySnapshot)
	defer s.hub.Unsubscribe(sub)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		s.logger.Error("event stream unsupported by response writer", "error", err)
		return
	}

	s.logger.Debug("event stream opened", "remote", r.RemoteAddr, "subscribers", s.hub.Count())
	writeWait := s.pongTimeout()

	for {
		select {
		case <-r.Context().Done():
			s.logger.Debug("event stream closed by client", "remote", r.RemoteAddr)
			return
		case frame, open := <-sub.Frames():
			if !open {
				return
			}
			// Replace the server-wide write timeout with a per-frame deadline.
			_ = rc.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck // Unsupported writers have no deadline to move
			if _, err := fmt.Fprintf(w, "data: %s\n\n", frame); err != nil {
				s.logger.Debug("event stream write failed", "remote", r.RemoteAddr, "error", err)
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

// ─── WebSocket ──────────────────────────────────────────────────

// wsClient is one WebSocket observer.
type wsClient struct {
	server *Server
	conn   *websocket.Conn
	sub    *broadcast.Subscription
}

// handleWebSocket upgrades the connection and streams hub frames as text
// messages. Client messages are read only to detect disconnects.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.isAllowedOrigin(origin)
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &wsClient{
		server: s,
		conn:   conn,
		sub:    s.hub.Subscribe("ws:"+r.RemoteAddr, s.replaySnapshot),
	}
	s.logger.Debug("websocket client connected", "remote", r.RemoteAddr, "subscribers", s.hub.Count())

	go client.writePump()
	client.readPump()
}

// readPump discards client messages and unsubscribes on the first read
// error, which is how a closed connection surfaces.
func (c *wsClient) readPump() {
	defer func() {
		c.server.hub.Unsubscribe(c.sub)
		c.conn.Close()
	}()

	maxSize := int64(c.server.streamCfg.MaxMessageSize)
	if maxSize <= 0 {
		maxSize = defaultMaxMessageSize
	}
	deadline := c.server.pingInterval() + c.server.pongTimeout()

	c.conn.SetReadLimit(maxSize)
	//nolint:errcheck // Best-effort deadline on connection setup
	c.conn.SetReadDeadline(time.Now().Add(deadline))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.Warn("websocket read error", "error", err)
			} else {
				c.server.logger.Debug("websocket closed", "error", err)
			}
			return
		}
		//nolint:errcheck // Any client message counts as liveness
		c.conn.SetReadDeadline(time.Now().Add(deadline))
	}
}

// writePump forwards frames and sends protocol pings. It exits when the
// subscription is closed or a write fails.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(c.server.pingInterval())
	writeWait := c.server.pongTimeout()
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, open := <-c.sub.Frames():
			//nolint:errcheck // Best-effort deadline; write error caught below
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !open {
				//nolint:errcheck // Best-effort close message
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
