package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/store"
	"github.com/seantiz/anvil/internal/tracker"
)

// operationResponse is the JSON response for GET /v1/operations/{id}.
// Tracked operations report live counts; drained ones are summarized from
// the work history.
type operationResponse struct {
	OperationID string         `json:"operation_id"`
	Tracked     bool           `json:"tracked"`
	InFlight    int            `json:"in_flight"`
	Total       int            `json:"total"`
	Failures    int            `json:"failures"`
	ByStatus    map[string]int `json:"by_status"`
}

// failureView is one failed item in a wait response.
type failureView struct {
	ItemID string `json:"item_id"`
	Action string `json:"action"`
	Error  string `json:"error"`
}

// waitResponse is the JSON response for POST /v1/operations/{id}/wait.
type waitResponse struct {
	OperationID string        `json:"operation_id"`
	Status      string        `json:"status"`
	Failures    []failureView `json:"failures,omitempty"`
}

func (s *Server) handleListOperations(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.tracker.Operations())
}

func (s *Server) handleGetOperation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	records, _, err := s.store.ListWork(r.Context(), store.Filter{OperationID: id})
	if err != nil {
		s.logger.Error("list operation work", "operation_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get operation")
		return
	}

	resp := operationResponse{OperationID: id, ByStatus: make(map[string]int)}
	for _, rec := range records {
		resp.ByStatus[rec.Status]++
	}

	if info, ok := s.tracker.Operation(id); ok {
		resp.Tracked = true
		resp.InFlight = info.InFlight
		resp.Total = info.Total
		resp.Failures = info.Failures
	} else {
		if len(records) == 0 {
			s.writeError(w, http.StatusNotFound, "operation not found")
			return
		}
		resp.Total = len(records)
		resp.Failures = resp.ByStatus[model.StatusFailed]
		resp.InFlight = resp.ByStatus[model.StatusPending] + resp.ByStatus[model.StatusRunning]
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSubmitOperationWork(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeSubmit(w, r)
	if !ok {
		return
	}
	req.OperationID = chi.URLParam(r, "id")
	s.submit(w, r, req)
}

// handleWaitOperation blocks until the operation drains or the client goes
// away. Failed items are reported with 422.
func (s *Server) handleWaitOperation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug("clear write deadline for wait", "error", err)
	}

	err := s.executor.Await(r.Context(), id)

	var failure *tracker.OperationFailure
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, waitResponse{OperationID: id, Status: model.StatusCompleted})
	case errors.As(err, &failure):
		resp := waitResponse{OperationID: id, Status: model.StatusFailed}
		for _, f := range failure.Failures {
			resp.Failures = append(resp.Failures, failureView{ItemID: f.ItemID, Action: f.Action, Error: f.Err.Error()})
		}
		s.writeJSON(w, http.StatusUnprocessableEntity, resp)
	case errors.Is(err, tracker.ErrConcurrentWait):
		s.writeError(w, http.StatusConflict, err.Error())
	case r.Context().Err() != nil:
		// Client gone; nothing to write.
	default:
		s.logger.Error("await operation", "operation_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to await operation")
	}
}
