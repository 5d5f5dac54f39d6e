package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/virtengine/openfleet/internal/config"
	"github.com/virtengine/openfleet/internal/pool"
	"github.com/virtengine/openfleet/internal/resolver"
	"github.com/virtengine/openfleet/internal/state"
	"github.com/virtengine/openfleet/pkg/types"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	store := state.New(t.TempDir(), nil)
	if err := store.Load(); err != nil {
		t.Fatalf("store load failed: %v", err)
	}
	t.Cleanup(store.Close)

	p := pool.New(nil, &config.Config{TurnTimeout: time.Minute}, nil)
	esc := resolver.NewEscalator(time.Minute, nil, nil)
	return New("127.0.0.1:0", store, p, esc, nil)
}

func TestStatusEndpoint(t *testing.T) {
	s := newTestServer(t)
	if err := s.store.AddTask(&types.Task{ID: "t1", Title: "one"}); err != nil {
		t.Fatalf("AddTask failed: %v", err)
	}

	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("response is not JSON: %v", err)
	}
	if _, ok := body["fleet"]; !ok {
		t.Errorf("missing fleet summary: %v", body)
	}
}

func TestTaskEndpoints(t *testing.T) {
	s := newTestServer(t)
	if err := s.store.AddTask(&types.Task{ID: "t1", Title: "one"}); err != nil {
		t.Fatalf("AddTask failed: %v", err)
	}

	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tasks/t1", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("existing task status = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tasks/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing task status = %d, want 404", rec.Code)
	}
}

func TestEscalationsEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.esc.Escalate(7, "conflict too large")

	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/escalations", nil))

	var records []resolver.Record
	if err := json.Unmarshal(rec.Body.Bytes(), &records); err != nil {
		t.Fatalf("response is not JSON: %v", err)
	}
	if len(records) != 1 || records[0].PR != 7 {
		t.Errorf("unexpected escalations: %+v", records)
	}
}
