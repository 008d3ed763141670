package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/seantiz/anvil/internal/model"
)

func TestGetStatsEmpty(t *testing.T) {
	srv := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/stats")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	var stats statsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if stats.Total != 0 {
		t.Errorf("total = %d, want 0", stats.Total)
	}
	if stats.AvgDurationMS != 0 {
		t.Errorf("avg_duration_ms = %f, want 0", stats.AvgDurationMS)
	}
	if stats.Daemons != 0 {
		t.Errorf("daemons = %d, want 0", stats.Daemons)
	}
}

func TestGetStatsPopulated(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	// Three completed in-process items.
	for range 3 {
		w := &model.WorkRecord{
			ID: model.NewID(), OperationID: "op", Action: "echo",
			Isolation: model.IsolationNone, Status: model.StatusPending,
			CreatedAt: time.Now().UTC(),
		}
		if err := srv.store.CreateWork(ctx, w); err != nil {
			t.Fatalf("CreateWork: %v", err)
		}
		if err := srv.store.UpdateWorkStatus(ctx, w.ID, model.StatusRunning); err != nil {
			t.Fatalf("pending→running: %v", err)
		}
		dur := 100
		completed := &model.WorkRecord{
			ID: w.ID, Status: model.StatusCompleted,
			DurationMS: &dur, StartedAt: ptrTime(time.Now()), FinishedAt: ptrTime(time.Now()),
		}
		if err := srv.store.UpdateWork(ctx, completed); err != nil {
			t.Fatalf("UpdateWork: %v", err)
		}
	}

	// One failed process-isolated item.
	fw := &model.WorkRecord{
		ID: model.NewID(), OperationID: "op", Action: "fail",
		Isolation: model.IsolationProcess, Status: model.StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := srv.store.CreateWork(ctx, fw); err != nil {
		t.Fatalf("CreateWork: %v", err)
	}
	if err := srv.store.UpdateWorkStatus(ctx, fw.ID, model.StatusFailed); err != nil {
		t.Fatalf("pending→failed: %v", err)
	}

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/stats")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var stats statsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if stats.Total != 4 {
		t.Errorf("total = %d, want 4", stats.Total)
	}
	if stats.ByStatus["completed"] != 3 {
		t.Errorf("by_status[completed] = %d, want 3", stats.ByStatus["completed"])
	}
	if stats.ByStatus["failed"] != 1 {
		t.Errorf("by_status[failed] = %d, want 1", stats.ByStatus["failed"])
	}
	if stats.ByIsolation["none"] != 3 {
		t.Errorf("by_isolation[none] = %d, want 3", stats.ByIsolation["none"])
	}
	if stats.ByIsolation["process"] != 1 {
		t.Errorf("by_isolation[process] = %d, want 1", stats.ByIsolation["process"])
	}
	if stats.ByAction["echo"] != 3 || stats.ByAction["fail"] != 1 {
		t.Errorf("by_action = %v, want echo:3 fail:1", stats.ByAction)
	}
	if stats.AvgDurationMS != 100 {
		t.Errorf("avg_duration_ms = %f, want 100", stats.AvgDurationMS)
	}
}

func TestInventoryEndpoints(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	// Start a daemon so the pool has something to report.
	var sub submitWorkResponse
	postJSON(t, ts.URL+"/v1/work", `{"action":"echo","isolation":"process"}`, &sub)
	waitForTerminal(t, srv, sub.ItemID)

	tests := []struct {
		path string
		want int
	}{
		{"/v1/services", 0},
		{"/v1/daemons", 1},
		{"/v1/runners", 3},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := http.Get(ts.URL + tt.path)
			if err != nil {
				t.Fatalf("GET %s: %v", tt.path, err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				t.Errorf("status = %d, want 200", resp.StatusCode)
			}
			var items []map[string]any
			if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if len(items) != tt.want {
				t.Errorf("got %d entries, want %d: %v", len(items), tt.want, items)
			}
		})
	}
}

func ptrTime(t time.Time) *time.Time { return &t }
