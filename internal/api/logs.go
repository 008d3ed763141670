package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/anvil/internal/executor"
	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/store"
)

// handleStreamLogs streams a work item's output as server-sent events. The
// persisted history is sent first, then live lines; each event carries the
// line's sequence number as its id so the two never overlap.
func (s *Server) handleStreamLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rec, err := s.store.GetWork(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "work item not found")
		return
	}
	if err != nil {
		s.logger.Error("get work for logs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get work item")
		return
	}

	// Subscribe before reading history so no line falls between the two.
	// A finished item yields a closed channel. Items finished by an earlier
	// process have no topic at all, so they are not subscribed.
	var live <-chan executor.Line
	if !model.IsTerminal(rec.Status) {
		ch, unsub := s.executor.Broker().Subscribe(id)
		defer unsub()
		live = ch
	}

	history, err := s.store.GetLogLines(r.Context(), id)
	if err != nil {
		s.logger.Error("get log lines", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get log lines")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug("set write deadline for SSE", "error", err)
	}

	logStreams.Inc()
	defer logStreams.Dec()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	flush := func() {
		if canFlush {
			flusher.Flush()
		}
	}

	last := -1
	for _, l := range history {
		if err := writeSSEData(w, l.Seq, l.Line); err != nil {
			return
		}
		last = l.Seq
	}
	flush()

	if live == nil {
		_ = writeSSEEvent(w, "done", "stream complete")
		flush()
		return
	}

	for {
		select {
		case line, ok := <-live:
			if !ok {
				// Work finished; send explicit done event before closing.
				_ = writeSSEEvent(w, "done", "stream complete")
				flush()
				return
			}
			if line.Seq <= last {
				continue
			}
			if err := writeSSEData(w, line.Seq, line.Text); err != nil {
				return // Write failed (e.g. client gone).
			}
			last = line.Seq
			flush()
		case <-r.Context().Done():
			return // Client disconnected.
		}
	}
}

// logHistoryLine is a single log line in the history response.
type logHistoryLine struct {
	Seq       int    `json:"seq"`
	Line      string `json:"line"`
	CreatedAt string `json:"created_at"`
}

// logHistoryResponse is the JSON response for GET /v1/work/{id}/logs/history.
type logHistoryResponse struct {
	WorkID string           `json:"work_id"`
	Lines  []logHistoryLine `json:"lines"`
}

func (s *Server) handleGetLogHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	_, err := s.store.GetWork(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "work item not found")
		return
	}
	if err != nil {
		s.logger.Error("get work for log history", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get work item")
		return
	}

	logLines, err := s.store.GetLogLines(r.Context(), id)
	if err != nil {
		s.logger.Error("get log lines", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get log lines")
		return
	}

	lines := make([]logHistoryLine, len(logLines))
	for i, l := range logLines {
		lines[i] = logHistoryLine{
			Seq:       l.Seq,
			Line:      l.Line,
			CreatedAt: l.CreatedAt.Format(time.RFC3339),
		}
	}

	s.writeJSON(w, http.StatusOK, logHistoryResponse{
		WorkID: id,
		Lines:  lines,
	})
}

// writeSSEData writes a log line as an SSE data event with seq as its id.
// Multi-line strings are split so that each segment gets its own "data:"
// prefix.
func writeSSEData(w http.ResponseWriter, seq int, line string) error {
	if _, err := fmt.Fprintf(w, "id: %d\n", seq); err != nil {
		return err
	}
	for seg := range strings.SplitSeq(line, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", seg); err != nil {
			return err
		}
	}
	// Blank line terminates the event.
	_, err := fmt.Fprint(w, "\n")
	return err
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
