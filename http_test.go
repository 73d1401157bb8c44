package fieldsync

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestAPI(t *testing.T) (*APIServer, *SyncEngine) {
	t.Helper()
	engine, _ := newTestEngine(t)
	api := NewAPIServer(engine, HTTPConfig{})
	return api, engine
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func TestAPIEnqueueMutation(t *testing.T) {
	api, engine := newTestAPI(t)

	w := doJSON(t, api.server.Handler, http.MethodPost, "/api/v1/mutations", enqueueRequest{
		EntityType:    "work_order",
		EntityID:      "wo-1",
		Operation:     "update",
		Payload:       map[string]any{"status": "closed"},
		BasePayload:   map[string]any{"status": "open"},
		BaseTimestamp: 100,
		Priority:      "high",
	})

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var rec MutationRecord
	if err := json.Unmarshal(w.Body.Bytes(), &rec); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if rec.Priority != PriorityHigh {
		t.Errorf("expected high priority, got %v", rec.Priority)
	}

	stored, err := engine.GetMutation(rec.ID)
	if err != nil {
		t.Fatalf("record not stored: %v", err)
	}
	if stored.EntityID != "wo-1" {
		t.Errorf("unexpected entity %s", stored.EntityID)
	}
}

func TestAPIEnqueueCancellation(t *testing.T) {
	api, _ := newTestAPI(t)

	doJSON(t, api.server.Handler, http.MethodPost, "/api/v1/mutations", enqueueRequest{
		EntityType: "note", EntityID: "n-1", Operation: "create",
		Payload: map[string]any{"text": "draft"},
	})
	w := doJSON(t, api.server.Handler, http.MethodPost, "/api/v1/mutations", enqueueRequest{
		EntityType: "note", EntityID: "n-1", Operation: "delete",
	})

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["cancelled"] != true {
		t.Errorf("expected cancellation reported, got %v", resp)
	}
}

func TestAPIEnqueueRejectsBadInput(t *testing.T) {
	api, _ := newTestAPI(t)

	w := doJSON(t, api.server.Handler, http.MethodPost, "/api/v1/mutations", enqueueRequest{
		EntityType: "work_order", EntityID: "wo-1", Operation: "upsert",
		Payload: map[string]any{"v": 1},
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown operation, got %d", w.Code)
	}

	w = doJSON(t, api.server.Handler, http.MethodPost, "/api/v1/mutations", enqueueRequest{
		EntityType: "work_order", EntityID: "wo-1", Operation: "update",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for update without payload, got %d", w.Code)
	}
}

func TestAPISyncNow(t *testing.T) {
	api, engine := newTestAPI(t)

	if _, err := engine.EnqueueMutation("work_order", "wo-1", OpUpdate,
		map[string]any{"v": 1}, nil, 0, PriorityNormal); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	w := doJSON(t, api.server.Handler, http.MethodPost, "/api/v1/sync", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestAPIConflictFlow(t *testing.T) {
	api, engine := newTestAPI(t)

	m := NewMutationRecord("work_order", "wo-1", OpUpdate,
		map[string]any{"status": "closed"},
		map[string]any{"status": "open"},
		100, PriorityNormal)
	c := engine.resolver.Detect(m, map[string]any{"status": "reassigned"}, 900)
	if c == nil {
		t.Fatal("expected conflict registered")
	}

	w := doJSON(t, api.server.Handler, http.MethodGet, "/api/v1/conflicts", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var list struct {
		Count int `json:"count"`
	}
	json.Unmarshal(w.Body.Bytes(), &list)
	if list.Count != 1 {
		t.Errorf("expected 1 conflict listed, got %d", list.Count)
	}

	w = doJSON(t, api.server.Handler, http.MethodGet, "/api/v1/conflicts/"+c.ID, nil)
	if w.Code != http.StatusOK {
		t.Errorf("expected 200 for get conflict, got %d", w.Code)
	}

	w = doJSON(t, api.server.Handler, http.MethodPost, "/api/v1/conflicts/"+c.ID+"/resolve",
		resolveRequest{Strategy: "keep_local", ResolvedBy: "jsmith"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for resolve, got %d: %s", w.Code, w.Body.String())
	}

	var resolved ConflictRecord
	json.Unmarshal(w.Body.Bytes(), &resolved)
	if resolved.ResolvedPayload["status"] != "closed" {
		t.Errorf("expected local payload kept, got %v", resolved.ResolvedPayload)
	}
}

func TestAPIResolveRejectsBadSelection(t *testing.T) {
	api, _ := newTestAPI(t)

	w := doJSON(t, api.server.Handler, http.MethodPost, "/api/v1/conflicts/c-1/resolve",
		resolveRequest{Strategy: "field_merge", Selections: map[string]string{"notes": "both"}})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid selection, got %d", w.Code)
	}
}

func TestAPIResolveUnknownConflict(t *testing.T) {
	api, _ := newTestAPI(t)

	w := doJSON(t, api.server.Handler, http.MethodPost, "/api/v1/conflicts/missing/resolve",
		resolveRequest{Strategy: "keep_server"})
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestAPIStatsAndNetwork(t *testing.T) {
	api, _ := newTestAPI(t)

	w := doJSON(t, api.server.Handler, http.MethodGet, "/api/v1/stats", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for stats, got %d", w.Code)
	}
	var stats EngineStats
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}

	w = doJSON(t, api.server.Handler, http.MethodGet, "/api/v1/network", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for network, got %d", w.Code)
	}
	var sample NetworkQualitySample
	if err := json.Unmarshal(w.Body.Bytes(), &sample); err != nil {
		t.Fatalf("decode sample: %v", err)
	}
	if sample.Classification != NetworkFast {
		t.Errorf("expected fast classification, got %v", sample.Classification)
	}
}

func TestAPISetOnlineAndDataSaver(t *testing.T) {
	api, engine := newTestAPI(t)

	w := doJSON(t, api.server.Handler, http.MethodPut, "/api/v1/network/online",
		map[string]bool{"online": false})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if engine.connectivity.Online() {
		t.Error("expected engine offline after API call")
	}

	w = doJSON(t, api.server.Handler, http.MethodPut, "/api/v1/network/data-saver",
		map[string]bool{"enabled": true})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestAPIGetMutationNotFound(t *testing.T) {
	api, _ := newTestAPI(t)

	w := doJSON(t, api.server.Handler, http.MethodGet, "/api/v1/mutations/missing", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}
