package fieldsync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang/snappy"
)

func testBatch(records ...*MutationRecord) *SyncBatch {
	b := &SyncBatch{ID: "batch-1", CreatedAt: time.Now()}
	for _, m := range records {
		b.Records = append(b.Records, m)
		b.TotalBytes += m.SizeBytes
	}
	return b
}

func decodeBatchRequest(t *testing.T, r *http.Request) wireBatchRequest {
	t.Helper()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if r.Header.Get("Content-Encoding") == "snappy" {
		body, err = snappy.Decode(nil, body)
		if err != nil {
			t.Fatalf("snappy decode: %v", err)
		}
	}
	var req wireBatchRequest
	if err := json.Unmarshal(body, &req); err != nil {
		t.Fatalf("unmarshal request: %v", err)
	}
	return req
}

func TestSendBatchApplied(t *testing.T) {
	var gotReq wireBatchRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/sync/batch" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("X-Fieldsync-Client-ID") != "device-7" {
			t.Errorf("missing client id header, got %q", r.Header.Get("X-Fieldsync-Client-ID"))
		}
		gotReq = decodeBatchRequest(t, r)

		var resp wireBatchResponse
		for _, m := range gotReq.Mutations {
			resp.Outcomes = append(resp.Outcomes, wireOutcome{
				MutationID:      m.ID,
				Status:          "applied",
				ServerTimestamp: 500,
			})
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	cfg := DefaultHTTPRemoteConfig()
	cfg.Endpoint = srv.URL
	cfg.ClientID = "device-7"
	svc := NewHTTPRemoteService(cfg)

	m := NewMutationRecord("work_order", "wo-1", OpUpdate,
		map[string]any{"status": "closed"}, nil, 100, PriorityNormal)
	outcomes, err := svc.SendBatch(context.Background(), testBatch(m), AdaptiveSyncConfig{RequestTimeout: 10 * time.Second})
	if err != nil {
		t.Fatalf("SendBatch failed: %v", err)
	}

	if len(outcomes) != 1 {
		t.Fatalf("expected 1 outcome, got %d", len(outcomes))
	}
	if outcomes[0].Status != ItemApplied {
		t.Errorf("expected applied, got %v", outcomes[0].Status)
	}
	if outcomes[0].ServerTimestamp != 500 {
		t.Errorf("expected server timestamp 500, got %d", outcomes[0].ServerTimestamp)
	}
	if len(gotReq.Mutations) != 1 || gotReq.Mutations[0].ID != m.ID {
		t.Errorf("unexpected wire request: %+v", gotReq)
	}
	if gotReq.Mutations[0].Operation != "update" {
		t.Errorf("expected operation update on the wire, got %q", gotReq.Mutations[0].Operation)
	}
}

func TestSendBatchConflictOutcome(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := decodeBatchRequest(t, r)
		json.NewEncoder(w).Encode(wireBatchResponse{Outcomes: []wireOutcome{{
			MutationID:      req.Mutations[0].ID,
			Status:          "conflict",
			ServerPayload:   map[string]any{"status": "reassigned"},
			ServerTimestamp: 900,
		}}})
	}))
	defer srv.Close()

	cfg := DefaultHTTPRemoteConfig()
	cfg.Endpoint = srv.URL
	svc := NewHTTPRemoteService(cfg)

	m := NewMutationRecord("work_order", "wo-1", OpUpdate,
		map[string]any{"status": "closed"}, nil, 100, PriorityNormal)
	outcomes, err := svc.SendBatch(context.Background(), testBatch(m), AdaptiveSyncConfig{})
	if err != nil {
		t.Fatalf("SendBatch failed: %v", err)
	}
	if outcomes[0].Status != ItemConflict {
		t.Errorf("expected conflict outcome, got %v", outcomes[0].Status)
	}
	if outcomes[0].ServerPayload["status"] != "reassigned" {
		t.Errorf("expected server payload carried, got %v", outcomes[0].ServerPayload)
	}
}

func TestSendBatchServerErrorIsTransient(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := DefaultHTTPRemoteConfig()
	cfg.Endpoint = srv.URL
	cfg.Retry = RetryConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond}
	svc := NewHTTPRemoteService(cfg)

	m := NewMutationRecord("work_order", "wo-1", OpUpdate,
		map[string]any{"v": 1}, nil, 0, PriorityNormal)
	_, err := svc.SendBatch(context.Background(), testBatch(m), AdaptiveSyncConfig{})
	if err == nil {
		t.Fatal("expected error for 503 response")
	}
	if !IsRetryableError(err) {
		t.Errorf("expected transient error, got %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 attempts for transient failure, got %d", calls.Load())
	}
}

func TestSendBatchClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, "malformed batch")
	}))
	defer srv.Close()

	cfg := DefaultHTTPRemoteConfig()
	cfg.Endpoint = srv.URL
	cfg.Retry = RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond}
	svc := NewHTTPRemoteService(cfg)

	m := NewMutationRecord("work_order", "wo-1", OpUpdate,
		map[string]any{"v": 1}, nil, 0, PriorityNormal)
	_, err := svc.SendBatch(context.Background(), testBatch(m), AdaptiveSyncConfig{})
	if err == nil {
		t.Fatal("expected error for 400 response")
	}
	if IsRetryableError(err) {
		t.Errorf("expected non-retryable error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 attempt for validation failure, got %d", calls.Load())
	}
}

func TestSendBatchCircuitBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := DefaultHTTPRemoteConfig()
	cfg.Endpoint = srv.URL
	cfg.Retry = RetryConfig{MaxAttempts: 1, InitialBackoff: time.Millisecond}
	svc := NewHTTPRemoteService(cfg)

	m := NewMutationRecord("work_order", "wo-1", OpUpdate,
		map[string]any{"v": 1}, nil, 0, PriorityNormal)
	batch := testBatch(m)

	var err error
	for i := 0; i < 6; i++ {
		_, err = svc.SendBatch(context.Background(), batch, AdaptiveSyncConfig{})
	}
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen after repeated failures, got %v", err)
	}
}

func TestSendItemsConcurrent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/sync/mutation" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		req := decodeBatchRequest(t, r)
		if len(req.Mutations) != 1 {
			t.Errorf("expected 1 mutation per item request, got %d", len(req.Mutations))
		}
		json.NewEncoder(w).Encode(wireBatchResponse{Outcomes: []wireOutcome{{
			MutationID:      req.Mutations[0].ID,
			Status:          "applied",
			ServerTimestamp: 700,
		}}})
	}))
	defer srv.Close()

	cfg := DefaultHTTPRemoteConfig()
	cfg.Endpoint = srv.URL
	cfg.ItemConcurrency = 4
	svc := NewHTTPRemoteService(cfg)

	var records []*MutationRecord
	for i := 0; i < 8; i++ {
		records = append(records, NewMutationRecord("site", string(rune('a'+i)), OpCreate,
			map[string]any{"n": i}, nil, 0, PriorityNormal))
	}

	outcomes, err := svc.SendBatch(context.Background(), testBatch(records...), AdaptiveSyncConfig{})
	if err != nil {
		t.Fatalf("SendBatch failed: %v", err)
	}
	if len(outcomes) != 8 {
		t.Fatalf("expected 8 outcomes, got %d", len(outcomes))
	}
	for i, out := range outcomes {
		if out.MutationID != records[i].ID {
			t.Errorf("outcome %d: expected order preserved, got %s", i, out.MutationID)
		}
		if out.Status != ItemApplied {
			t.Errorf("outcome %d: expected applied, got %v", i, out.Status)
		}
	}
}

func TestSendBatchUncompressed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Encoding") != "" {
			t.Errorf("expected no content encoding, got %q", r.Header.Get("Content-Encoding"))
		}
		req := decodeBatchRequest(t, r)
		json.NewEncoder(w).Encode(wireBatchResponse{Outcomes: []wireOutcome{{
			MutationID: req.Mutations[0].ID,
			Status:     "applied",
		}}})
	}))
	defer srv.Close()

	cfg := DefaultHTTPRemoteConfig()
	cfg.Endpoint = srv.URL
	cfg.EnableCompression = false
	svc := NewHTTPRemoteService(cfg)

	m := NewMutationRecord("work_order", "wo-1", OpUpdate,
		map[string]any{"v": 1}, nil, 0, PriorityNormal)
	if _, err := svc.SendBatch(context.Background(), testBatch(m), AdaptiveSyncConfig{}); err != nil {
		t.Fatalf("SendBatch failed: %v", err)
	}
}

func TestSendBatchEmpty(t *testing.T) {
	svc := NewHTTPRemoteService(DefaultHTTPRemoteConfig())
	outcomes, err := svc.SendBatch(context.Background(), &SyncBatch{}, AdaptiveSyncConfig{})
	if err != nil {
		t.Fatalf("expected no error for empty batch, got %v", err)
	}
	if outcomes != nil {
		t.Errorf("expected nil outcomes, got %v", outcomes)
	}
}
