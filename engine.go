package fieldsync

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// SyncEngine is the top-level facade: it owns the mutation store, queue,
// bandwidth detector, conflict resolver, orchestrator, and telemetry, and
// exposes the operations the host application calls. The application layer
// writes through EnqueueMutation and never talks to the server directly;
// transmission happens in the background.
type SyncEngine struct {
	config *Config

	store        MutationStore
	queue        *QueueManager
	detector     *BandwidthDetector
	resolver     *ConflictResolver
	orchestrator *SyncOrchestrator
	connectivity *ConnectivityMonitor
	telemetry    *TelemetryRecorder
	events       *EventHub
}

// EngineOption customizes engine construction, mainly for tests.
type EngineOption func(*engineOverrides)

type engineOverrides struct {
	store  MutationStore
	prober NetworkProber
	remote RemoteService
	sink   TelemetrySink
}

// WithStore substitutes the mutation store.
func WithStore(store MutationStore) EngineOption {
	return func(o *engineOverrides) { o.store = store }
}

// WithProber substitutes the network prober.
func WithProber(prober NetworkProber) EngineOption {
	return func(o *engineOverrides) { o.prober = prober }
}

// WithRemote substitutes the remote service client.
func WithRemote(remote RemoteService) EngineOption {
	return func(o *engineOverrides) { o.remote = remote }
}

// WithTelemetrySink substitutes the telemetry sink.
func WithTelemetrySink(sink TelemetrySink) EngineOption {
	return func(o *engineOverrides) { o.sink = sink }
}

// NewSyncEngine assembles an engine from configuration.
func NewSyncEngine(config *Config, opts ...EngineOption) (*SyncEngine, error) {
	if config == nil {
		config = DefaultConfig()
	}

	var ov engineOverrides
	for _, opt := range opts {
		opt(&ov)
	}

	store := ov.store
	if store == nil {
		var err error
		store, err = openStore(config)
		if err != nil {
			return nil, err
		}
	}

	prober := ov.prober
	if prober == nil {
		prober = &HTTPProber{Endpoint: config.Remote.Endpoint}
	}
	detector := NewBandwidthDetector(prober, config.Bandwidth)

	remote := ov.remote
	if remote == nil {
		remote = NewHTTPRemoteService(config.Remote)
	}

	sink := ov.sink
	if sink == nil && config.Telemetry.Bucket != "" {
		var err error
		sink, err = NewS3TelemetrySink(config.Telemetry)
		if err != nil {
			// Telemetry must never block sync; run without it.
			slog.Warn("telemetry sink unavailable, continuing without", "err", err)
			sink = nil
		}
	}
	telemetry := NewTelemetryRecorder(sink)

	resolver := NewConflictResolver(config.Conflicts)
	connectivity := NewConnectivityMonitor(true)
	events := NewEventHub()

	orchestrator := NewSyncOrchestrator(config.Orchestrator, OrchestratorDeps{
		Store:        store,
		Detector:     detector,
		Remote:       remote,
		Resolver:     resolver,
		Telemetry:    telemetry,
		Connectivity: connectivity,
		Events:       events,
	})

	return &SyncEngine{
		config:       config,
		store:        store,
		queue:        NewQueueManager(store),
		detector:     detector,
		resolver:     resolver,
		orchestrator: orchestrator,
		connectivity: connectivity,
		telemetry:    telemetry,
		events:       events,
	}, nil
}

func openStore(config *Config) (MutationStore, error) {
	switch config.Storage {
	case StorageSQLite:
		return NewSQLiteMutationStore(config.SQLiteStore)
	case StorageMemory, "":
		memCfg := config.MemoryStore
		if memCfg.Encryptor == nil && config.Encryption.Enabled {
			enc, err := NewEncryptor(config.Encryption)
			if err != nil {
				return nil, fmt.Errorf("snapshot encryption: %w", err)
			}
			memCfg.Encryptor = enc
		}
		return NewMemoryMutationStore(memCfg)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", config.Storage)
	}
}

// Start launches background sync.
func (e *SyncEngine) Start() {
	e.orchestrator.Start()
	slog.Info("sync engine started",
		"storage", string(e.config.Storage),
		"endpoint", e.config.Remote.Endpoint)
}

// Stop halts background sync and closes the store. Any in-flight batch
// finishes transmitting first; unsent work stays durable for next start.
func (e *SyncEngine) Stop() error {
	e.orchestrator.Stop()
	if err := e.store.Close(); err != nil {
		return fmt.Errorf("close mutation store: %w", err)
	}
	slog.Info("sync engine stopped")
	return nil
}

// EnqueueMutation records a local edit for eventual transmission and
// returns the surviving record, which may differ from the input when the
// edit coalesced with a pending record for the same entity. It returns
// (nil, nil) when the edit cancelled a pending record outright.
//
// basePayload and baseTimestamp capture the entity state the edit was made
// against; they drive conflict detection when the server has moved on.
func (e *SyncEngine) EnqueueMutation(entityType, entityID string, op Operation, payload, basePayload map[string]any, baseTimestamp int64, priority PriorityClass) (*MutationRecord, error) {
	m := NewMutationRecord(entityType, entityID, op, payload, basePayload, baseTimestamp, priority)
	rec, err := e.store.Append(m)
	if err != nil {
		return nil, err
	}

	if counts, cerr := e.store.CountByStatus(); cerr == nil {
		e.events.Publish(SyncEvent{
			Type:        EventQueueChanged,
			QueueLength: counts[StatusPending],
		})
	}
	return rec, nil
}

// SyncNow runs one sync cycle immediately. Returns ErrSyncInProgress when
// a cycle is already running and ErrOffline when the network is down.
func (e *SyncEngine) SyncNow(ctx context.Context) error {
	return e.orchestrator.SyncNow(ctx)
}

// GetMutation returns a mutation record by id.
func (e *SyncEngine) GetMutation(id string) (*MutationRecord, error) {
	return e.store.Get(id)
}

// PendingConflicts returns unresolved conflicts awaiting the UI, oldest
// first.
func (e *SyncEngine) PendingConflicts() []*ConflictRecord {
	return e.resolver.Pending()
}

// GetConflict returns a conflict record by id.
func (e *SyncEngine) GetConflict(id string) (*ConflictRecord, error) {
	return e.resolver.Get(id)
}

// ResolveConflict applies a resolution strategy to a parked conflict and
// schedules the resolved state for transmission.
func (e *SyncEngine) ResolveConflict(conflictID string, strategy ResolutionStrategy, selections map[string]FieldChoice, resolvedBy string) (*ConflictRecord, error) {
	return e.orchestrator.ResolveConflict(conflictID, strategy, selections, resolvedBy)
}

// SetOnline feeds the host platform's connectivity signal into the engine.
// A transition to online triggers an immediate sync attempt.
func (e *SyncEngine) SetOnline(online bool) {
	e.connectivity.SetOnline(online)
}

// SetDataSaver toggles the user's data-saver preference; large uploads are
// deferred while it is on.
func (e *SyncEngine) SetDataSaver(on bool) {
	e.detector.SetDataSaver(on)
}

// NetworkQuality returns the current (possibly cached) network sample.
func (e *SyncEngine) NetworkQuality(ctx context.Context) *NetworkQualitySample {
	return e.detector.Sample(ctx)
}

// Subscribe returns an event subscription for sync progress. The caller
// must Unsubscribe when done.
func (e *SyncEngine) Subscribe() *EventSubscription {
	return e.events.Subscribe()
}

// Unsubscribe removes an event subscription.
func (e *SyncEngine) Unsubscribe(id string) {
	e.events.Unsubscribe(id)
}

// State returns the orchestrator's current state.
func (e *SyncEngine) State() SyncState {
	return e.orchestrator.State()
}

// EngineStats aggregates statistics across engine components.
type EngineStats struct {
	Queue        *QueueStats       `json:"queue"`
	Orchestrator OrchestratorStats `json:"orchestrator"`
	Conflicts    ConflictStats     `json:"conflicts"`
	GeneratedAt  time.Time         `json:"generated_at"`
}

// Stats returns a snapshot of engine state for diagnostics and the UI's
// sync status screen.
func (e *SyncEngine) Stats() (*EngineStats, error) {
	queueStats, err := e.queue.Stats()
	if err != nil {
		return nil, err
	}
	return &EngineStats{
		Queue:        queueStats,
		Orchestrator: e.orchestrator.Stats(),
		Conflicts:    e.resolver.Stats(),
		GeneratedAt:  time.Now(),
	}, nil
}
