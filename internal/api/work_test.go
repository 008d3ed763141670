package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/seantiz/anvil/internal/model"
)

// waitForTerminal polls the work record until it reaches a terminal status.
func waitForTerminal(t *testing.T, srv *Server, id string) *model.WorkRecord {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := srv.store.GetWork(context.Background(), id)
		if err != nil {
			t.Fatalf("GetWork: %v", err)
		}
		if model.IsTerminal(rec.Status) {
			return rec
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("work %s did not finish", id)
	return nil
}

func TestSubmitWorkValid(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	var sub submitWorkResponse
	resp := postJSON(t, ts.URL+"/v1/work", `{"action":"upper","parameters":{"text":"abc"}}`, &sub)

	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("status = %d, want 202", resp.StatusCode)
	}
	if len(sub.ItemID) != 26 {
		t.Errorf("ItemID length = %d, want 26", len(sub.ItemID))
	}
	if sub.OperationID == "" {
		t.Error("expected a generated operation id")
	}
	if sub.Isolation != model.IsolationNone {
		t.Errorf("Isolation = %q, want %q", sub.Isolation, model.IsolationNone)
	}

	rec := waitForTerminal(t, srv, sub.ItemID)
	if rec.Status != model.StatusCompleted {
		t.Errorf("Status = %q, want %q (error %q)", rec.Status, model.StatusCompleted, rec.Error)
	}
}

func TestSubmitWorkBadRequests(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", "not json"},
		{"missing action", `{"parameters":{}}`},
		{"unknown action", `{"action":"nope"}`},
		{"unknown isolation", `{"action":"echo","isolation":"vm"}`},
		{"module off classpath", `{"action":"upper","isolation":"process","classpath":["core"]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var errResp map[string]string
			resp := postJSON(t, ts.URL+"/v1/work", tt.body, &errResp)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
			if errResp["error"] == "" {
				t.Error("expected error message in response")
			}
		})
	}
}

func TestSubmitWorkAfterClose(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	srv.executor.Close()

	resp := postJSON(t, ts.URL+"/v1/work", `{"action":"echo"}`, nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestGetWorkExisting(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	var sub submitWorkResponse
	postJSON(t, ts.URL+"/v1/work", `{"action":"upper","isolation":"process","parameters":{"text":"daemon"}}`, &sub)
	waitForTerminal(t, srv, sub.ItemID)

	resp, err := http.Get(ts.URL + "/v1/work/" + sub.ItemID)
	if err != nil {
		t.Fatalf("GET /v1/work/%s: %v", sub.ItemID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	var got workView
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != sub.ItemID {
		t.Errorf("ID = %q, want %q", got.ID, sub.ItemID)
	}
	if string(got.Output) != `"DAEMON"` {
		t.Errorf("Output = %s, want %q", got.Output, `"DAEMON"`)
	}
	if got.DaemonID == "" {
		t.Error("DaemonID is empty for process-isolated work")
	}
}

func TestGetWorkNotFound(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/work/nonexistent")
	if err != nil {
		t.Fatalf("GET /v1/work/nonexistent: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestListWorkEmpty(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/work")
	if err != nil {
		t.Fatalf("GET /v1/work: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	var listResp listWorkResponse
	json.NewDecoder(resp.Body).Decode(&listResp)

	if listResp.Total != 0 {
		t.Errorf("total = %d, want 0", listResp.Total)
	}
	if listResp.Work == nil || len(listResp.Work) != 0 {
		t.Errorf("work = %v, want empty list", listResp.Work)
	}
	if listResp.Limit != defaultListLimit {
		t.Errorf("limit = %d, want %d", listResp.Limit, defaultListLimit)
	}
}

func TestListWorkPaginationAndFilter(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	for i := range 5 {
		op := "op-a"
		if i%2 == 1 {
			op = "op-b"
		}
		body := fmt.Sprintf(`{"operation_id":%q,"action":"echo","parameters":{"i":%d}}`, op, i)
		var sub submitWorkResponse
		postJSON(t, ts.URL+"/v1/work", body, &sub)
		waitForTerminal(t, srv, sub.ItemID)
	}

	resp, err := http.Get(ts.URL + "/v1/work?limit=2&offset=0")
	if err != nil {
		t.Fatalf("GET /v1/work: %v", err)
	}
	defer resp.Body.Close()

	var listResp listWorkResponse
	json.NewDecoder(resp.Body).Decode(&listResp)

	if listResp.Total != 5 {
		t.Errorf("total = %d, want 5", listResp.Total)
	}
	if len(listResp.Work) != 2 {
		t.Errorf("work count = %d, want 2", len(listResp.Work))
	}

	resp2, err := http.Get(ts.URL + "/v1/work?operation_id=op-b&status=completed")
	if err != nil {
		t.Fatalf("GET /v1/work: %v", err)
	}
	defer resp2.Body.Close()

	var filtered listWorkResponse
	json.NewDecoder(resp2.Body).Decode(&filtered)
	if filtered.Total != 2 {
		t.Errorf("filtered total = %d, want 2", filtered.Total)
	}
	for _, w := range filtered.Work {
		if w.OperationID != "op-b" {
			t.Errorf("OperationID = %q, want op-b", w.OperationID)
		}
	}
}

func TestListWorkClampsLimit(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/work?limit=1000&offset=-4")
	if err != nil {
		t.Fatalf("GET /v1/work: %v", err)
	}
	defer resp.Body.Close()

	var listResp listWorkResponse
	json.NewDecoder(resp.Body).Decode(&listResp)

	if listResp.Limit != defaultListLimit {
		t.Errorf("limit = %d, want %d", listResp.Limit, defaultListLimit)
	}
	if listResp.Offset != 0 {
		t.Errorf("offset = %d, want 0", listResp.Offset)
	}
}
