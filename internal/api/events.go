package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/go-idp/pipeline/internal/model"
	"github.com/go-idp/pipeline/internal/store"
)

// wsWriteWait bounds each WebSocket write.
const wsWriteWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// eventHistoryResponse is the JSON response for GET /v1/runs/{id}/events/history.
type eventHistoryResponse struct {
	RunID  string        `json:"run_id"`
	Events []model.Event `json:"events"`
}

// parseAfter returns the sequence number a stream resumes after. The
// Last-Event-ID header sent by reconnecting SSE clients takes precedence over
// the "after" query parameter.
func parseAfter(r *http.Request) (int64, error) {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("after")
	}
	if raw == "" {
		return 0, nil
	}
	after, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || after < 0 {
		return 0, fmt.Errorf("invalid event id %q", raw)
	}
	return after, nil
}

// lookupRun writes the error response and reports false when the run cannot
// be streamed.
func (s *Server) lookupRun(w http.ResponseWriter, r *http.Request, id string) bool {
	_, err := s.engine.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, kindNotFound, "run not found")
		return false
	}
	if err != nil {
		s.logger.Error("get run for events", "error", err)
		s.writeError(w, http.StatusInternalServerError, kindInternal, "failed to get run")
		return false
	}
	return true
}

func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	after, err := parseAfter(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, kindBadRequest, err.Error())
		return
	}
	if !s.lookupRun(w, r, id) {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	defer trackStream(transportSSE)()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	err = s.engine.Follow(r.Context(), id, after, func(ev model.Event) error {
		if err := writeSSEEvent(w, ev); err != nil {
			return err
		}
		if canFlush {
			flusher.Flush()
		}
		return nil
	})
	if err != nil {
		if r.Context().Err() == nil {
			s.logger.Warn("event stream ended", "run_id", id, "error", err)
		}
		return
	}

	_ = writeSSEDone(w)
	if canFlush {
		flusher.Flush()
	}
}

func (s *Server) handleGetEventHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	after, err := parseAfter(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, kindBadRequest, err.Error())
		return
	}

	events, err := s.engine.Events(r.Context(), id, after)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, kindNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error("list events", "error", err)
		s.writeError(w, http.StatusInternalServerError, kindInternal, "failed to list events")
		return
	}
	if events == nil {
		events = []model.Event{}
	}

	s.writeJSON(w, http.StatusOK, eventHistoryResponse{RunID: id, Events: events})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	after, err := parseAfter(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, kindBadRequest, err.Error())
		return
	}
	if !s.lookupRun(w, r, id) {
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade", "run_id", id, "error", err)
		return
	}
	defer conn.Close()
	defer trackStream(transportWebSocket)()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The read loop only notices the peer going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	err = s.engine.Follow(ctx, id, after, func(ev model.Event) error {
		if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
			return err
		}
		return conn.WriteJSON(ev)
	})
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("websocket stream ended", "run_id", id, "error", err)
		}
		return
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream complete")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
}

// writeSSEEvent writes one event as an SSE frame whose id is the event's
// sequence number.
func writeSSEEvent(w io.Writer, ev model.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, data)
	return err
}

// writeSSEDone writes the named event that ends a complete stream.
func writeSSEDone(w io.Writer) error {
	_, err := fmt.Fprint(w, "event: done\ndata: stream complete\n\n")
	return err
}
