package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bullyto/maps/internal/model"
	"github.com/bullyto/maps/internal/notify"
)

const heartbeatEvery = 15 * time.Second

// terminalEvent reports whether evt moves the session to denied or expired.
func terminalEvent(evt SSEEvent) bool {
	if evt.Type != notify.EventStatus {
		return false
	}
	return model.SessionStatus(fmt.Sprint(evt.Data["status"])).Terminal()
}

// recheck reloads the session so an overdue window expires even when nobody polls.
func (s *Server) recheck(ctx context.Context, id string) (model.StatusView, bool) {
	v, err := s.Coord.GetStatus(ctx, id)
	if err != nil {
		return v, false
	}
	return v, v.Status.Terminal()
}

func writeSSE(w http.ResponseWriter, typ string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", typ, b)
	return err
}

// EventStreamHandler handles GET /v1/sessions/{id}/events/stream (SSE). The first event
// is the current status; the stream ends after a terminal status.
func (s *Server) EventStreamHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	view, err := s.Coord.GetStatus(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeFail(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := s.Broker.Subscribe(id)
	defer s.Broker.Unsubscribe(id, ch)

	_ = writeSSE(w, notify.EventStatus, view)
	flusher.Flush()
	if view.Status.Terminal() {
		return
	}
	hb := time.NewTicker(heartbeatEvery)
	defer hb.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := writeSSE(w, evt.Type, evt.Data); err != nil {
				return
			}
			flusher.Flush()
			if terminalEvent(evt) {
				return
			}
		case <-hb.C:
			if v, ended := s.recheck(r.Context(), id); ended {
				_ = writeSSE(w, notify.EventStatus, v)
				flusher.Flush()
				return
			}
			_ = writeSSE(w, "heartbeat", map[string]any{"sessionId": id, "ts": s.now().UnixMilli()})
			flusher.Flush()
		}
	}
}

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

type wsMessage struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// WSHandler handles GET /v1/sessions/{id}/ws and pushes the same events as the SSE stream.
// Inbound frames other than control frames are ignored.
func (s *Server) WSHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	view, err := s.Coord.GetStatus(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	ch := s.Broker.Subscribe(id)
	defer s.Broker.Unsubscribe(id, ch)

	// reader: keeps the read deadline fresh and notices the peer going away
	gone := make(chan struct{})
	conn.SetReadLimit(4 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(60 * time.Second)) })
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(v any) error {
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		return conn.WriteJSON(v)
	}
	if err := write(wsMessage{Type: notify.EventStatus, Data: view}); err != nil || view.Status.Terminal() {
		return
	}
	ping := time.NewTicker(heartbeatEvery)
	defer ping.Stop()
	for {
		select {
		case <-gone:
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := write(wsMessage{Type: evt.Type, Data: evt.Data}); err != nil {
				return
			}
			if terminalEvent(evt) {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"),
					time.Now().Add(time.Second))
				return
			}
		case <-ping.C:
			if v, ended := s.recheck(r.Context(), id); ended {
				_ = write(wsMessage{Type: notify.EventStatus, Data: v})
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}
