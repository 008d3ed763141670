package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/seantiz/anvil/internal/action"
	"github.com/seantiz/anvil/internal/executor"
	"github.com/seantiz/anvil/internal/isolation"
	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/queue"
	"github.com/seantiz/anvil/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// submitWorkRequest is the JSON body for POST /v1/work and
// POST /v1/operations/{id}/work.
type submitWorkRequest struct {
	OperationID string            `json:"operation_id"`
	Action      string            `json:"action"`
	Isolation   string            `json:"isolation"`
	Parameters  any               `json:"parameters"`
	Classpath   []string          `json:"classpath"`
	Fork        model.ForkOptions `json:"fork"`
}

// submitWorkResponse describes an accepted work item.
type submitWorkResponse struct {
	ItemID      string              `json:"item_id"`
	OperationID string              `json:"operation_id"`
	Action      string              `json:"action"`
	Isolation   model.IsolationMode `json:"isolation"`
}

// workView is a work record with its output rendered as raw JSON.
type workView struct {
	ID          string              `json:"id"`
	OperationID string              `json:"operation_id"`
	Action      string              `json:"action"`
	Isolation   model.IsolationMode `json:"isolation"`
	Status      string              `json:"status"`
	Output      json.RawMessage     `json:"output,omitempty"`
	Error       string              `json:"error,omitempty"`
	DaemonID    string              `json:"daemon_id,omitempty"`
	DurationMS  *int                `json:"duration_ms,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	StartedAt   *time.Time          `json:"started_at,omitempty"`
	FinishedAt  *time.Time          `json:"finished_at,omitempty"`
}

func newWorkView(r *model.WorkRecord) workView {
	v := workView{
		ID:          r.ID,
		OperationID: r.OperationID,
		Action:      r.Action,
		Isolation:   r.Isolation,
		Status:      r.Status,
		Error:       r.Error,
		DaemonID:    r.DaemonID,
		DurationMS:  r.DurationMS,
		CreatedAt:   r.CreatedAt,
		StartedAt:   r.StartedAt,
		FinishedAt:  r.FinishedAt,
	}
	if len(r.Output) > 0 {
		v.Output = json.RawMessage(r.Output)
	}
	return v
}

// listWorkResponse wraps the paginated list response.
type listWorkResponse struct {
	Work   []workView `json:"work"`
	Total  int        `json:"total"`
	Limit  int        `json:"limit"`
	Offset int        `json:"offset"`
}

func (s *Server) handleSubmitWork(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeSubmit(w, r)
	if !ok {
		return
	}
	if req.OperationID == "" {
		req.OperationID = uuid.NewString()
	}
	s.submit(w, r, req)
}

func (s *Server) decodeSubmit(w http.ResponseWriter, r *http.Request) (submitWorkRequest, bool) {
	var req submitWorkRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return req, false
	}
	if req.Action == "" {
		s.writeError(w, http.StatusBadRequest, "action is required")
		return req, false
	}
	return req, true
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, req submitWorkRequest) {
	mode, err := model.ParseIsolationMode(req.Isolation)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h, err := s.executor.Submit(r.Context(), req.OperationID, executor.WorkSpec{
		Action:     req.Action,
		Parameters: req.Parameters,
		Classpath:  req.Classpath,
		Fork:       req.Fork,
	}, mode)
	switch {
	case err == nil:
	case errors.Is(err, action.ErrUnknownAction), errors.Is(err, isolation.ErrUnsupportedValueType), errors.Is(err, action.ErrNotOnClasspath):
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, executor.ErrExecutorClosed), errors.Is(err, queue.ErrQueueStopped):
		s.writeError(w, http.StatusServiceUnavailable, "not accepting work")
		return
	default:
		s.logger.Error("submit work", "operation_id", req.OperationID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to submit work")
		return
	}

	s.writeJSON(w, http.StatusAccepted, submitWorkResponse{
		ItemID:      h.ItemID,
		OperationID: h.OperationID,
		Action:      h.Action,
		Isolation:   h.Isolation,
	})
}

func (s *Server) handleGetWork(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rec, err := s.store.GetWork(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "work item not found")
		return
	}
	if err != nil {
		s.logger.Error("get work", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get work item")
		return
	}

	s.writeJSON(w, http.StatusOK, newWorkView(rec))
}

func (s *Server) handleListWork(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	q := r.URL.Query()
	records, total, err := s.store.ListWork(r.Context(), store.Filter{
		OperationID: q.Get("operation_id"),
		Status:      q.Get("status"),
		Limit:       limit,
		Offset:      offset,
	})
	if err != nil {
		s.logger.Error("list work", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list work")
		return
	}

	views := make([]workView, len(records))
	for i, rec := range records {
		views[i] = newWorkView(rec)
	}

	s.writeJSON(w, http.StatusOK, listWorkResponse{
		Work:   views,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
