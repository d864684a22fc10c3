package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hochfrequenz/device-test-orchestrator/internal/events"
)

// subscribe returns the remembered events followed by a live channel. The
// bus lock is not held across both calls, so an event published in between
// may be delivered twice.
func (s *Server) subscribe() ([]events.Event, <-chan events.Event, func()) {
	if s.bus == nil {
		return nil, nil, func() {}
	}
	ch, cancel := s.bus.Subscribe(256)
	return s.bus.Recent(), ch, cancel
}

func (s *Server) sseHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming not supported", http.StatusInternalServerError)
			return
		}
		if s.bus == nil {
			writeError(w, http.StatusServiceUnavailable, "no live run")
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("Access-Control-Allow-Origin", "*")

		recent, live, cancel := s.subscribe()
		defer cancel()

		write := func(e events.Event) bool {
			data, err := events.Marshal(e)
			if err != nil {
				return true
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data); err != nil {
				return false
			}
			flusher.Flush()
			return true
		}

		for _, e := range recent {
			if !write(e) {
				return
			}
		}
		// Headers go out even when there is nothing to replay
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case e, ok := <-live:
				if !ok || !write(e) {
					return
				}
			}
		}
	}
}

func (s *Server) wsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.bus == nil {
			writeError(w, http.StatusServiceUnavailable, "no live run")
			return
		}
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Warn("websocket upgrade failed", "err", err)
			return
		}
		defer conn.Close()

		recent, live, cancel := s.subscribe()
		defer cancel()

		// Clients only listen; the read loop notices when they go away
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
						s.log.Debug("websocket read error", "err", err)
					}
					return
				}
			}
		}()

		send := func(e events.Event) bool {
			data, err := events.Marshal(e)
			if err != nil {
				return true
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			return conn.WriteMessage(websocket.TextMessage, data) == nil
		}

		for _, e := range recent {
			if !send(e) {
				return
			}
		}

		ping := time.NewTicker(s.PingInterval)
		defer ping.Stop()
		for {
			select {
			case <-closed:
				return
			case <-ping.C:
				conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case e, ok := <-live:
				if !ok || !send(e) {
					return
				}
			}
		}
	}
}
