package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"toastboard/internal/board"
	logx "toastboard/pkg/logx"
)

// clearWriteDeadline lets a stream outlive the server's WriteTimeout.
func clearWriteDeadline(w http.ResponseWriter) {
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})
}

// endedNormally reports stream errors that are part of a viewer's lifecycle.
func endedNormally(err error) bool {
	return err == nil ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, board.ErrSubscriberClosed)
}

// streamSSE serves the live stream as server-sent events. Toast events carry
// the toast id as the event id so a reconnecting browser resumes from it.
func (s *Server) streamSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	clearWriteDeadline(w)

	sub := s.board.Subscribe(lastSeen(r))
	defer sub.Close()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	err := sub.Stream(r.Context(), func(it board.Item) error {
		if it.Heartbeat {
			if _, err := fmt.Fprint(w, "event: heartbeat\ndata: {}\n\n"); err != nil {
				return err
			}
			flusher.Flush()
			return nil
		}
		payload, err := json.Marshal(viewOf(it.Toast))
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "id: %s\ndata: %s\n\n", strconv.FormatInt(it.Toast.ID, 10), payload); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if errors.Is(err, board.ErrSubscriberBehind) {
		// The client reconnects with Last-Event-ID and gets the gap back-filled.
		_, _ = fmt.Fprint(w, "event: resync\ndata: {}\n\n")
		flusher.Flush()
	}
	if !endedNormally(err) {
		s.log.Debug("sse stream ended", logx.String("sub", sub.ID()), logx.Err(err))
	}
}

type wsMessage struct {
	Type  string     `json:"type"` // "toast" | "heartbeat" | "resync"
	Toast *toastView `json:"toast,omitempty"`
}

const wsWriteWait = 10 * time.Second

// streamWS serves the live stream over a websocket. Incoming frames are
// only read to notice the viewer going away.
func (s *Server) streamWS(w http.ResponseWriter, r *http.Request) {
	last := lastSeen(r)
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		conn.SetReadLimit(1024)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	sub := s.board.Subscribe(last)
	defer sub.Close()

	send := func(m wsMessage) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(m)
	}
	err = sub.Stream(ctx, func(it board.Item) error {
		if it.Heartbeat {
			return send(wsMessage{Type: "heartbeat"})
		}
		v := viewOf(it.Toast)
		return send(wsMessage{Type: "toast", Toast: &v})
	})

	code, reason := websocket.CloseNormalClosure, ""
	switch {
	case errors.Is(err, board.ErrSubscriberBehind):
		_ = send(wsMessage{Type: "resync"})
		code, reason = websocket.CloseTryAgainLater, "fell behind"
	case errors.Is(err, board.ErrSubscriberClosed):
		code, reason = websocket.CloseGoingAway, "shutting down"
	case !endedNormally(err):
		s.log.Debug("ws stream ended", logx.String("sub", sub.ID()), logx.Err(err))
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
}
