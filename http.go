package fieldsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// APIServer exposes the engine over a local HTTP control API for
// diagnostics tooling and thin UI layers. It is deliberately unauthenticated
// and should only be bound to loopback.
type APIServer struct {
	engine *SyncEngine
	config HTTPConfig
	server *http.Server
}

// NewAPIServer creates the control API server for an engine.
func NewAPIServer(engine *SyncEngine, config HTTPConfig) *APIServer {
	if config.ListenAddr == "" {
		config.ListenAddr = "127.0.0.1:8475"
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = 10 * time.Second
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 30 * time.Second
	}

	a := &APIServer{engine: engine, config: config}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/mutations", a.handleEnqueue)
	mux.HandleFunc("GET /api/v1/mutations/{id}", a.handleGetMutation)
	mux.HandleFunc("POST /api/v1/sync", a.handleSyncNow)
	mux.HandleFunc("GET /api/v1/conflicts", a.handleListConflicts)
	mux.HandleFunc("GET /api/v1/conflicts/{id}", a.handleGetConflict)
	mux.HandleFunc("POST /api/v1/conflicts/{id}/resolve", a.handleResolveConflict)
	mux.HandleFunc("GET /api/v1/stats", a.handleStats)
	mux.HandleFunc("GET /api/v1/network", a.handleNetwork)
	mux.HandleFunc("PUT /api/v1/network/online", a.handleSetOnline)
	mux.HandleFunc("PUT /api/v1/network/data-saver", a.handleSetDataSaver)
	mux.HandleFunc("GET /api/v1/events", engine.events.WebSocketHandler())

	a.server = &http.Server{
		Addr:         config.ListenAddr,
		Handler:      mux,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}
	return a
}

// Start begins serving in a background goroutine.
func (a *APIServer) Start() {
	go func() {
		slog.Info("control API listening", "addr", a.config.ListenAddr)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("control API server failed", "err", err)
		}
	}()
}

// Stop shuts the server down gracefully.
func (a *APIServer) Stop(ctx context.Context) error {
	return a.server.Shutdown(ctx)
}

type enqueueRequest struct {
	EntityType    string         `json:"entity_type"`
	EntityID      string         `json:"entity_id"`
	Operation     string         `json:"operation"`
	Payload       map[string]any `json:"payload"`
	BasePayload   map[string]any `json:"base_payload"`
	BaseTimestamp int64          `json:"base_timestamp"`
	Priority      string         `json:"priority"`
}

func (a *APIServer) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	op, err := ParseOperation(req.Operation)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	priority := PriorityNormal
	if req.Priority != "" {
		priority, err = ParsePriorityClass(req.Priority)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	rec, err := a.engine.EnqueueMutation(req.EntityType, req.EntityID, op,
		req.Payload, req.BasePayload, req.BaseTimestamp, priority)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if rec == nil {
		// The edit cancelled a pending record outright.
		writeJSON(w, http.StatusOK, map[string]any{"cancelled": true})
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (a *APIServer) handleGetMutation(w http.ResponseWriter, r *http.Request) {
	rec, err := a.engine.GetMutation(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *APIServer) handleSyncNow(w http.ResponseWriter, r *http.Request) {
	err := a.engine.SyncNow(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"status": "completed"})
	case errors.Is(err, ErrSyncInProgress):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, ErrOffline):
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func (a *APIServer) handleListConflicts(w http.ResponseWriter, r *http.Request) {
	conflicts := a.engine.PendingConflicts()
	writeJSON(w, http.StatusOK, map[string]any{
		"conflicts": conflicts,
		"count":     len(conflicts),
	})
}

func (a *APIServer) handleGetConflict(w http.ResponseWriter, r *http.Request) {
	c, err := a.engine.GetConflict(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type resolveRequest struct {
	Strategy   string            `json:"strategy"`
	Selections map[string]string `json:"selections"`
	ResolvedBy string            `json:"resolved_by"`
}

func (a *APIServer) handleResolveConflict(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	strategy, err := ParseResolutionStrategy(req.Strategy)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var selections map[string]FieldChoice
	if len(req.Selections) > 0 {
		selections = make(map[string]FieldChoice, len(req.Selections))
		for field, side := range req.Selections {
			switch side {
			case "local":
				selections[field] = ChooseLocal
			case "server":
				selections[field] = ChooseServer
			default:
				writeError(w, http.StatusBadRequest,
					fmt.Errorf("field %q: selection must be \"local\" or \"server\", got %q", field, side))
				return
			}
		}
	}

	c, err := a.engine.ResolveConflict(r.PathValue("id"), strategy, selections, req.ResolvedBy)
	if err != nil {
		if errors.Is(err, ErrConflictNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (a *APIServer) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.engine.Stats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *APIServer) handleNetwork(w http.ResponseWriter, r *http.Request) {
	sample := a.engine.NetworkQuality(r.Context())
	writeJSON(w, http.StatusOK, sample)
}

func (a *APIServer) handleSetOnline(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Online bool `json:"online"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	a.engine.SetOnline(req.Online)
	writeJSON(w, http.StatusOK, map[string]any{"online": req.Online})
}

func (a *APIServer) handleSetDataSaver(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	a.engine.SetDataSaver(req.Enabled)
	writeJSON(w, http.StatusOK, map[string]any{"data_saver": req.Enabled})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode API response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
