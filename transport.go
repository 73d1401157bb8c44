package fieldsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/golang/snappy"
)

// HTTPDoer abstracts the HTTP client so tests can substitute fakes.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// ItemStatus is the server's per-item outcome for a transmitted mutation.
type ItemStatus int

const (
	// ItemApplied means the server accepted the mutation.
	ItemApplied ItemStatus = iota
	// ItemConflict means server state diverged from the mutation's base.
	ItemConflict
	// ItemError means the server rejected or failed the mutation.
	ItemError
)

func (s ItemStatus) String() string {
	switch s {
	case ItemApplied:
		return "applied"
	case ItemConflict:
		return "conflict"
	case ItemError:
		return "error"
	default:
		return "unknown"
	}
}

// ItemOutcome is the result of transmitting one mutation. The server
// always returns an authoritative timestamp, including on conflict.
type ItemOutcome struct {
	MutationID      string         `json:"mutation_id"`
	Status          ItemStatus     `json:"status"`
	ServerPayload   map[string]any `json:"server_payload,omitempty"`
	ServerTimestamp int64          `json:"server_timestamp"`

	// ServerFields are server-assigned fields (ids, version counters)
	// merged into the local entity on success.
	ServerFields map[string]any `json:"server_fields,omitempty"`

	ErrorCode string `json:"error_code,omitempty"`
	Message   string `json:"message,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// RemoteService transmits batches to the remote data service and returns
// per-item outcomes. A non-nil error means the whole batch failed to
// transmit (connectivity), distinct from per-item failures.
type RemoteService interface {
	SendBatch(ctx context.Context, batch *SyncBatch, cfg AdaptiveSyncConfig) ([]ItemOutcome, error)
}

// HTTPRemoteConfig configures the HTTP remote service client.
type HTTPRemoteConfig struct {
	// Endpoint is the base URL of the remote data service.
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// ClientID identifies this client to the server.
	ClientID string `json:"client_id" yaml:"client_id"`

	// EnableCompression snappy-compresses request bodies.
	EnableCompression bool `json:"enable_compression" yaml:"enable_compression"`

	// ItemConcurrency > 1 transmits batch items as individual requests
	// through a bounded number of workers instead of one batched request.
	ItemConcurrency int `json:"item_concurrency" yaml:"item_concurrency"`

	// Retry configures in-cycle transport retries.
	Retry RetryConfig `json:"-" yaml:"-"`

	// HTTPClient overrides the default client.
	HTTPClient HTTPDoer `json:"-" yaml:"-"`
}

// DefaultHTTPRemoteConfig returns sensible defaults.
func DefaultHTTPRemoteConfig() HTTPRemoteConfig {
	return HTTPRemoteConfig{
		EnableCompression: true,
		ItemConcurrency:   1,
		Retry:             DefaultRetryConfig(),
	}
}

// HTTPRemoteService is the production RemoteService over HTTP with snappy
// compression, bounded retries, and a circuit breaker that treats a
// flapping link as offline.
type HTTPRemoteService struct {
	config  HTTPRemoteConfig
	client  HTTPDoer
	retryer *Retryer
	cb      *CircuitBreaker
}

// NewHTTPRemoteService creates a remote service client.
func NewHTTPRemoteService(config HTTPRemoteConfig) *HTTPRemoteService {
	if config.ItemConcurrency <= 0 {
		config.ItemConcurrency = 1
	}
	client := config.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &HTTPRemoteService{
		config:  config,
		client:  client,
		retryer: NewRetryer(config.Retry),
		cb:      NewCircuitBreaker(5, 60*time.Second),
	}
}

type wireMutation struct {
	ID            string         `json:"id"`
	EntityType    string         `json:"entity_type"`
	EntityID      string         `json:"entity_id"`
	Operation     string         `json:"operation"`
	Payload       map[string]any `json:"payload,omitempty"`
	BaseTimestamp int64          `json:"base_timestamp"`
}

type wireBatchRequest struct {
	BatchID   string         `json:"batch_id"`
	ClientID  string         `json:"client_id,omitempty"`
	Mutations []wireMutation `json:"mutations"`
}

type wireBatchResponse struct {
	Outcomes []wireOutcome `json:"outcomes"`
}

type wireOutcome struct {
	MutationID      string         `json:"mutation_id"`
	Status          string         `json:"status"`
	ServerPayload   map[string]any `json:"server_payload,omitempty"`
	ServerTimestamp int64          `json:"server_timestamp"`
	ServerFields    map[string]any `json:"server_fields,omitempty"`
	ErrorCode       string         `json:"error_code,omitempty"`
	Message         string         `json:"message,omitempty"`
	Retryable       bool           `json:"retryable,omitempty"`
}

// SendBatch implements RemoteService.
func (s *HTTPRemoteService) SendBatch(ctx context.Context, batch *SyncBatch, cfg AdaptiveSyncConfig) ([]ItemOutcome, error) {
	if batch.Len() == 0 {
		return nil, nil
	}
	if cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.RequestTimeout)
		defer cancel()
	}

	if s.config.ItemConcurrency > 1 && batch.Len() > 1 {
		return s.sendItems(ctx, batch)
	}
	return s.sendBatched(ctx, batch)
}

func (s *HTTPRemoteService) sendBatched(ctx context.Context, batch *SyncBatch) ([]ItemOutcome, error) {
	req := wireBatchRequest{
		BatchID:  batch.ID,
		ClientID: s.config.ClientID,
	}
	for _, m := range batch.Records {
		req.Mutations = append(req.Mutations, toWire(m))
	}

	var resp wireBatchResponse
	if err := s.post(ctx, "/api/v1/sync/batch", req, &resp); err != nil {
		return nil, err
	}
	return fromWire(resp.Outcomes), nil
}

// sendItems transmits each mutation as its own request through a bounded
// number of workers. Per-item transport failures become retryable error
// outcomes rather than failing the whole batch.
func (s *HTTPRemoteService) sendItems(ctx context.Context, batch *SyncBatch) ([]ItemOutcome, error) {
	outcomes := make([]ItemOutcome, batch.Len())
	sem := make(chan struct{}, s.config.ItemConcurrency)
	var wg sync.WaitGroup

	for i, m := range batch.Records {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, m *MutationRecord) {
			defer wg.Done()
			defer func() { <-sem }()

			req := wireBatchRequest{
				BatchID:   batch.ID,
				ClientID:  s.config.ClientID,
				Mutations: []wireMutation{toWire(m)},
			}
			var resp wireBatchResponse
			if err := s.post(ctx, "/api/v1/sync/mutation", req, &resp); err != nil {
				outcomes[i] = ItemOutcome{
					MutationID: m.ID,
					Status:     ItemError,
					ErrorCode:  "transport",
					Message:    err.Error(),
					Retryable:  true,
				}
				return
			}
			if len(resp.Outcomes) > 0 {
				outcomes[i] = fromWire(resp.Outcomes[:1])[0]
			} else {
				outcomes[i] = ItemOutcome{
					MutationID: m.ID,
					Status:     ItemError,
					ErrorCode:  "empty_response",
					Retryable:  true,
				}
			}
		}(i, m)
	}
	wg.Wait()
	return outcomes, nil
}

func (s *HTTPRemoteService) post(ctx context.Context, path string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	if s.config.EnableCompression {
		data = snappy.Encode(nil, data)
	}

	return s.cb.Execute(func() error {
		result := s.retryer.Do(ctx, func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost,
				s.config.Endpoint+path, bytes.NewReader(data))
			if err != nil {
				return newSyncError(SyncErrorValidation, "bad_request", "create request", "", err)
			}
			req.Header.Set("Content-Type", "application/json")
			if s.config.EnableCompression {
				req.Header.Set("Content-Encoding", "snappy")
			}
			if s.config.ClientID != "" {
				req.Header.Set("X-Fieldsync-Client-ID", s.config.ClientID)
			}

			resp, err := s.client.Do(req)
			if err != nil {
				return newSyncError(SyncErrorTransient, "network", "send request", "", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
				io.Copy(io.Discard, resp.Body)
				return newSyncError(SyncErrorTransient, fmt.Sprintf("http_%d", resp.StatusCode),
					"server error", "", nil)
			}
			if resp.StatusCode >= 400 {
				msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
				return newSyncError(SyncErrorValidation, fmt.Sprintf("http_%d", resp.StatusCode),
					string(msg), "", nil)
			}

			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return newSyncError(SyncErrorTransient, "decode", "decode response", "", err)
			}
			return nil
		})
		return result.LastErr
	})
}

func toWire(m *MutationRecord) wireMutation {
	return wireMutation{
		ID:            m.ID,
		EntityType:    m.EntityType,
		EntityID:      m.EntityID,
		Operation:     m.Operation.String(),
		Payload:       m.Payload,
		BaseTimestamp: m.BaseTimestamp,
	}
}

func fromWire(outcomes []wireOutcome) []ItemOutcome {
	result := make([]ItemOutcome, 0, len(outcomes))
	for _, o := range outcomes {
		status := ItemError
		switch o.Status {
		case "applied":
			status = ItemApplied
		case "conflict":
			status = ItemConflict
		}
		result = append(result, ItemOutcome{
			MutationID:      o.MutationID,
			Status:          status,
			ServerPayload:   o.ServerPayload,
			ServerTimestamp: o.ServerTimestamp,
			ServerFields:    o.ServerFields,
			ErrorCode:       o.ErrorCode,
			Message:         o.Message,
			Retryable:       o.Retryable,
		})
	}
	return result
}
