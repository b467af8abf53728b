package monitor

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 50 * time.Second
	wsBuffer     = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Dashboards on other origins connect directly.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleEvents streams bus events to the client as JSON until the
// client goes away. ?source=capture,connection limits the stream to
// those sources. Slow clients miss events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.src.Bus == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "event bus not available")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := s.src.Bus.Subscribe(wsBuffer, sourceFilter(r)...)
	defer s.src.Bus.Unsubscribe(ch)

	s.logger.Info("event stream client connected", "remote", r.RemoteAddr)
	defer s.logger.Info("event stream client disconnected", "remote", r.RemoteAddr)

	// Drain client frames so pongs and close messages are processed.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(wsWriteWait))
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case e, ok := <-ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(e); err != nil {
				s.logger.Debug("event stream write failed", "error", err)
				return
			}
		}
	}
}

// sourceFilter returns the comma-separated ?source= values.
func sourceFilter(r *http.Request) []string {
	var sources []string
	for _, v := range strings.Split(r.URL.Query().Get("source"), ",") {
		if v = strings.TrimSpace(v); v != "" {
			sources = append(sources, v)
		}
	}
	return sources
}
