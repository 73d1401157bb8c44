package fieldsync

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// SyncState is the orchestrator's state machine position.
type SyncState int

const (
	// StateIdle means no cycle is running.
	StateIdle SyncState = iota
	// StateProbing means the cycle is measuring network quality.
	StateProbing
	// StateDraining means the cycle is transmitting batches.
	StateDraining
	// StateError is the side-transition on connectivity loss or fatal
	// failure; the orchestrator returns to Idle for a later retry.
	StateError
)

func (s SyncState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateProbing:
		return "probing"
	case StateDraining:
		return "draining"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// OrchestratorConfig configures cycle behavior.
type OrchestratorConfig struct {
	// SyncInterval is the periodic trigger while online.
	// Default: 1 minute.
	SyncInterval time.Duration `json:"sync_interval" yaml:"sync_interval"`

	// MaxRetries bounds per-mutation transient retries before the record
	// is marked permanently failed. Default: 8.
	MaxRetries int `json:"max_retries" yaml:"max_retries"`

	// MaxBackoff caps the exponential per-mutation backoff.
	// Default: 5 minutes.
	MaxBackoff time.Duration `json:"max_backoff" yaml:"max_backoff"`

	// CycleTimeout bounds one cycle's wall clock. Exceeding it aborts the
	// cycle between batches, not the process. Default: 10 minutes.
	CycleTimeout time.Duration `json:"cycle_timeout" yaml:"cycle_timeout"`

	// StaleInFlightAfter is how long a record may sit in-flight before the
	// next cycle start requeues it. Default: 5 minutes.
	StaleInFlightAfter time.Duration `json:"stale_in_flight_after" yaml:"stale_in_flight_after"`
}

// DefaultOrchestratorConfig returns sensible defaults.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		SyncInterval:       time.Minute,
		MaxRetries:         8,
		MaxBackoff:         5 * time.Minute,
		CycleTimeout:       10 * time.Minute,
		StaleInFlightAfter: 5 * time.Minute,
	}
}

// OrchestratorStats counts orchestrator activity.
type OrchestratorStats struct {
	State             string    `json:"state"`
	CyclesRun         int64     `json:"cycles_run"`
	CyclesCancelled   int64     `json:"cycles_cancelled"`
	ItemsSynced       int64     `json:"items_synced"`
	ItemsFailed       int64     `json:"items_failed"`
	ConflictsDetected int64     `json:"conflicts_detected"`
	LastCycleAt       time.Time `json:"last_cycle_at"`
	LastError         string    `json:"last_error,omitempty"`
}

// SyncOrchestrator drives the cycle: probe network → drain the queue in
// batches → transmit → reconcile outcomes → record telemetry. Exactly one
// instance runs per client process and it never runs two cycles
// concurrently, which together with the store's single in-flight rule
// means no additional locking is needed around per-record operations.
type SyncOrchestrator struct {
	config       OrchestratorConfig
	store        MutationStore
	queue        *QueueManager
	detector     *BandwidthDetector
	remote       RemoteService
	resolver     *ConflictResolver
	telemetry    *TelemetryRecorder
	connectivity ConnectivitySignal
	events       *EventHub

	mu          sync.Mutex
	state       SyncState
	cycleActive bool
	stats       OrchestratorStats

	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	now func() time.Time
}

// OrchestratorDeps are the orchestrator's collaborators.
type OrchestratorDeps struct {
	Store        MutationStore
	Detector     *BandwidthDetector
	Remote       RemoteService
	Resolver     *ConflictResolver
	Telemetry    *TelemetryRecorder
	Connectivity ConnectivitySignal
	Events       *EventHub
}

// NewSyncOrchestrator creates the orchestrator.
func NewSyncOrchestrator(config OrchestratorConfig, deps OrchestratorDeps) *SyncOrchestrator {
	if config.SyncInterval <= 0 {
		config.SyncInterval = time.Minute
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 8
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 5 * time.Minute
	}
	if config.CycleTimeout <= 0 {
		config.CycleTimeout = 10 * time.Minute
	}
	if config.StaleInFlightAfter <= 0 {
		config.StaleInFlightAfter = 5 * time.Minute
	}
	events := deps.Events
	if events == nil {
		events = NewEventHub()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &SyncOrchestrator{
		config:       config,
		store:        deps.Store,
		queue:        NewQueueManager(deps.Store),
		detector:     deps.Detector,
		remote:       deps.Remote,
		resolver:     deps.Resolver,
		telemetry:    deps.Telemetry,
		connectivity: deps.Connectivity,
		events:       events,
		state:        StateIdle,
		ctx:          ctx,
		cancel:       cancel,
		now:          time.Now,
	}
}

// Events returns the hub carrying progress notifications.
func (o *SyncOrchestrator) Events() *EventHub {
	return o.events
}

// State returns the current state machine position.
func (o *SyncOrchestrator) State() SyncState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Stats returns orchestrator counters.
func (o *SyncOrchestrator) Stats() OrchestratorStats {
	o.mu.Lock()
	defer o.mu.Unlock()
	stats := o.stats
	stats.State = o.state.String()
	return stats
}

// Start launches the background trigger loop: periodic timer while online
// plus connectivity change events.
func (o *SyncOrchestrator) Start() {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return
	}
	o.running = true
	o.mu.Unlock()

	o.wg.Add(1)
	go o.run()
}

// Stop cancels the trigger loop and waits for any active cycle to yield.
// Cancellation is honored between batches, never mid-transmission.
func (o *SyncOrchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	o.mu.Unlock()

	o.cancel()
	o.wg.Wait()
}

func (o *SyncOrchestrator) run() {
	defer o.wg.Done()

	ticker := time.NewTicker(o.config.SyncInterval)
	defer ticker.Stop()

	var connCh <-chan bool
	if o.connectivity != nil {
		connCh = o.connectivity.Subscribe()
	}

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			if o.online() {
				if err := o.RunCycle(o.ctx); err != nil && !errors.Is(err, ErrSyncInProgress) {
					slog.Debug("periodic sync cycle did not complete", "err", err)
				}
			}
		case online, ok := <-connCh:
			if !ok {
				connCh = nil
				continue
			}
			if online {
				// Reconnect: the cached sample is from a different link.
				o.detector.Invalidate()
				if err := o.RunCycle(o.ctx); err != nil && !errors.Is(err, ErrSyncInProgress) {
					slog.Debug("reconnect sync cycle did not complete", "err", err)
				}
			} else {
				o.setState(StateError, ErrOffline)
				o.setState(StateIdle, nil)
			}
		}
	}
}

// SyncNow runs one cycle immediately (explicit manual request). Returns
// ErrSyncInProgress when a cycle is already draining.
func (o *SyncOrchestrator) SyncNow(ctx context.Context) error {
	return o.RunCycle(ctx)
}

// RunCycle executes one full sync cycle. It is the unit the triggers call
// and is exported for callers that manage their own scheduling.
func (o *SyncOrchestrator) RunCycle(ctx context.Context) error {
	o.mu.Lock()
	if o.cycleActive {
		o.mu.Unlock()
		return ErrSyncInProgress
	}
	o.cycleActive = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.cycleActive = false
		o.mu.Unlock()
	}()

	if !o.online() {
		o.setState(StateError, ErrOffline)
		o.setState(StateIdle, nil)
		return ErrOffline
	}

	ctx, cancelCycle := context.WithTimeout(ctx, o.config.CycleTimeout)
	defer cancelCycle()

	o.setState(StateProbing, nil)
	cfg := o.detector.GetAdaptiveSyncConfig(ctx)

	entry := &SyncTelemetryEntry{
		StartedAt:             o.now(),
		NetworkClassification: cfg.Classification.String(),
	}

	if cfg.Classification == NetworkOffline {
		o.setState(StateError, ErrOffline)
		o.setState(StateIdle, nil)
		o.finishCycle(ctx, entry, true)
		return ErrOffline
	}

	// Anything stranded in flight by a previous interrupted cycle.
	if n, err := o.store.RequeueStale(o.now().Add(-o.config.StaleInFlightAfter)); err != nil {
		slog.Warn("requeue stale in-flight records failed", "err", err)
	} else if n > 0 {
		slog.Info("requeued stale in-flight records", "count", n)
	}

	o.setState(StateDraining, nil)

	var cycleErr error
	cancelled := false

	for {
		// Cancellation is only honored here, between batches.
		if ctx.Err() != nil {
			cancelled = true
			break
		}

		batch, err := o.queue.GetNextBatch(cfg.MaxBatchBytes, cfg.MaxBatchItems)
		if err != nil {
			cycleErr = err
			break
		}
		if batch == nil {
			break
		}

		batch = o.quarantineInvalid(batch)
		if batch.Len() == 0 {
			continue
		}

		entry.BatchCount++

		outcomes, err := o.remote.SendBatch(ctx, batch, cfg)
		if err != nil {
			// Whole-batch transport failure: every item returns to pending
			// with backoff, and the cycle stops here.
			o.requeueBatch(batch, cfg, err)
			entry.ErrorCount += batch.Len()
			if errors.Is(err, ErrCircuitOpen) {
				cycleErr = ErrOffline
			} else {
				cycleErr = err
			}
			break
		}

		o.reconcileBatch(batch, outcomes, cfg, entry)
	}

	if cycleErr != nil {
		o.setState(StateError, cycleErr)
	}
	o.setState(StateIdle, nil)

	o.mu.Lock()
	o.stats.CyclesRun++
	if cancelled {
		o.stats.CyclesCancelled++
	}
	o.stats.LastCycleAt = o.now()
	o.mu.Unlock()

	entry.Cancelled = cancelled
	o.finishCycle(ctx, entry, false)
	return cycleErr
}

// quarantineInvalid drops corrupt records from the batch so one bad record
// cannot stall the rest of the queue. Each is reported once.
func (o *SyncOrchestrator) quarantineInvalid(batch *SyncBatch) *SyncBatch {
	valid := batch.Records[:0]
	var validBytes int64
	for _, m := range batch.Records {
		if err := m.Validate(); err != nil {
			slog.Error("quarantining corrupt mutation", "mutation", m.ID, "err", err)
			if _, qerr := o.store.MarkQuarantined(m.ID, newSyncError(SyncErrorFatalLocal, "corrupt", err.Error(), m.ID, err)); qerr != nil {
				slog.Warn("quarantine transition failed", "mutation", m.ID, "err", qerr)
			}
			o.events.Publish(SyncEvent{
				Type:       EventItemFailed,
				MutationID: m.ID,
				EntityType: m.EntityType,
				EntityID:   m.EntityID,
				Error:      err.Error(),
			})
			continue
		}
		valid = append(valid, m)
		validBytes += m.SizeBytes
	}
	batch.Records = valid
	batch.TotalBytes = validBytes
	return batch
}

func (o *SyncOrchestrator) requeueBatch(batch *SyncBatch, cfg AdaptiveSyncConfig, cause error) {
	for _, m := range batch.Records {
		if _, _, err := o.queue.ScheduleRetry(m, cfg.RetryBaseDelay, o.config.MaxBackoff, cause); err != nil {
			slog.Warn("requeue after transport failure failed", "mutation", m.ID, "err", err)
		}
	}
}

func (o *SyncOrchestrator) reconcileBatch(batch *SyncBatch, outcomes []ItemOutcome, cfg AdaptiveSyncConfig, entry *SyncTelemetryEntry) {
	byID := make(map[string]ItemOutcome, len(outcomes))
	for _, out := range outcomes {
		byID[out.MutationID] = out
	}

	done := 0
	for _, m := range batch.Records {
		out, ok := byID[m.ID]
		if !ok {
			// The server returned no outcome for this item; retry later.
			o.failTransient(m, cfg, entry, newSyncError(SyncErrorTransient, "missing_outcome",
				"server returned no outcome", m.ID, nil))
			continue
		}

		switch out.Status {
		case ItemApplied:
			if _, err := o.store.MarkCompleted(m.ID, out.ServerFields); err != nil {
				slog.Warn("completion transition failed", "mutation", m.ID, "err", err)
			}
			done++
			entry.ItemsSynced++
			entry.TotalBytes += m.SizeBytes
			o.mu.Lock()
			o.stats.ItemsSynced++
			o.mu.Unlock()
			o.events.Publish(SyncEvent{
				Type:         EventItemCompleted,
				MutationID:   m.ID,
				EntityType:   m.EntityType,
				EntityID:     m.EntityID,
				BatchID:      batch.ID,
				BatchDone:    done,
				BatchTotal:   batch.Len(),
				ServerFields: out.ServerFields,
			})

		case ItemConflict:
			o.handleConflict(m, out, cfg, entry)

		case ItemError:
			var err error = newSyncError(classifyRemoteError(out), out.ErrorCode, out.Message, m.ID, nil)
			if out.Retryable {
				o.failTransient(m, cfg, entry, err)
			} else {
				o.failPermanent(m, entry, err)
			}
		}
	}
}

func classifyRemoteError(out ItemOutcome) SyncErrorType {
	if out.Retryable {
		return SyncErrorTransient
	}
	return SyncErrorValidation
}

func payloadsEqual(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if !valueEqual(v, b[k]) {
			return false
		}
	}
	return true
}

func (o *SyncOrchestrator) handleConflict(m *MutationRecord, out ItemOutcome, cfg AdaptiveSyncConfig, entry *SyncTelemetryEntry) {
	conflict := o.resolver.Detect(m, out.ServerPayload, out.ServerTimestamp)
	if conflict == nil {
		// The server reported conflict but the payloads do not actually
		// diverge from our base; retransmit next cycle.
		o.failTransient(m, cfg, entry,
			newSyncError(SyncErrorTransient, "spurious_conflict", "server conflict without divergence", m.ID, nil))
		return
	}

	entry.ConflictCount++
	o.mu.Lock()
	o.stats.ConflictsDetected++
	o.mu.Unlock()

	if _, err := o.store.MarkConflict(m.ID); err != nil {
		slog.Warn("conflict transition failed", "mutation", m.ID, "err", err)
	}

	if o.resolver.AutoResolve() {
		if _, err := o.ResolveConflict(conflict.ID, o.resolver.DefaultStrategy(), nil, "auto"); err != nil {
			slog.Error("auto conflict resolution failed", "conflict", conflict.ID, "err", err)
		}
		return
	}

	o.events.Publish(SyncEvent{
		Type:             EventConflictDetected,
		MutationID:       m.ID,
		EntityType:       m.EntityType,
		EntityID:         m.EntityID,
		ConflictID:       conflict.ID,
		PendingConflicts: o.resolver.Stats().Pending,
	})
}

// ResolveConflict applies a resolution to a parked conflict, completes the
// parked mutation, and, when the resolved payload differs from the
// server's, enqueues a follow-up mutation based on the server's state so
// the resolution reaches the server on the next cycle.
func (o *SyncOrchestrator) ResolveConflict(conflictID string, strategy ResolutionStrategy, selections map[string]FieldChoice, resolvedBy string) (*ConflictRecord, error) {
	conflict, err := o.resolver.Resolve(conflictID, strategy, selections, resolvedBy)
	if err != nil {
		return nil, err
	}

	rec, err := o.store.Get(conflict.MutationID)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return conflict, nil
		}
		return nil, err
	}

	transitioned, err := o.store.MarkResolved(rec.ID)
	if err != nil {
		return nil, err
	}
	if !transitioned {
		// Already resolved through another path; idempotent no-op.
		return conflict, nil
	}

	if !payloadsEqual(conflict.ResolvedPayload, conflict.ServerPayload) {
		followUp := NewMutationRecord(rec.EntityType, rec.EntityID, OpUpdate,
			conflict.ResolvedPayload, conflict.ServerPayload, conflict.ServerTimestamp, rec.Priority)
		if _, err := o.store.Append(followUp); err != nil {
			return nil, err
		}
	}

	o.publishQueueLength()
	return conflict, nil
}

func (o *SyncOrchestrator) failTransient(m *MutationRecord, cfg AdaptiveSyncConfig, entry *SyncTelemetryEntry, cause error) {
	entry.ErrorCount++
	o.mu.Lock()
	o.stats.ItemsFailed++
	o.mu.Unlock()

	if m.RetryCount+1 >= o.config.MaxRetries {
		o.failPermanent(m, nil, cause)
		return
	}

	backoffUntil, _, err := o.queue.ScheduleRetry(m, cfg.RetryBaseDelay, o.config.MaxBackoff, cause)
	if err != nil {
		slog.Warn("retry scheduling failed", "mutation", m.ID, "err", err)
		return
	}
	o.events.Publish(SyncEvent{
		Type:       EventItemFailed,
		MutationID: m.ID,
		EntityType: m.EntityType,
		EntityID:   m.EntityID,
		Error:      cause.Error(),
	})
	slog.Debug("mutation scheduled for retry",
		"mutation", m.ID, "retry_count", m.RetryCount+1, "backoff_until", backoffUntil)
}

func (o *SyncOrchestrator) failPermanent(m *MutationRecord, entry *SyncTelemetryEntry, cause error) {
	if entry != nil {
		entry.ErrorCount++
		o.mu.Lock()
		o.stats.ItemsFailed++
		o.mu.Unlock()
	}
	if _, err := o.store.MarkFailedPermanent(m.ID, cause); err != nil {
		slog.Warn("permanent failure transition failed", "mutation", m.ID, "err", err)
	}
	o.events.Publish(SyncEvent{
		Type:       EventItemFailed,
		MutationID: m.ID,
		EntityType: m.EntityType,
		EntityID:   m.EntityID,
		Error:      cause.Error(),
	})
	slog.Error("mutation failed permanently", "mutation", m.ID, "err", cause)
}

func (o *SyncOrchestrator) finishCycle(ctx context.Context, entry *SyncTelemetryEntry, offline bool) {
	entry.CompletedAt = o.now()
	o.telemetry.RecordCycle(ctx, entry)

	if !offline {
		o.events.Publish(SyncEvent{
			Type:                  EventCycleFinished,
			NetworkClassification: entry.NetworkClassification,
			PendingConflicts:      o.resolver.Stats().Pending,
		})
	}
	o.publishQueueLength()
}

func (o *SyncOrchestrator) publishQueueLength() {
	counts, err := o.store.CountByStatus()
	if err != nil {
		return
	}
	o.events.Publish(SyncEvent{
		Type:        EventQueueChanged,
		QueueLength: counts[StatusPending],
	})
}

func (o *SyncOrchestrator) online() bool {
	return o.connectivity == nil || o.connectivity.Online()
}

func (o *SyncOrchestrator) setState(state SyncState, cause error) {
	o.mu.Lock()
	if o.state == state {
		o.mu.Unlock()
		return
	}
	o.state = state
	if cause != nil {
		o.stats.LastError = cause.Error()
	}
	o.mu.Unlock()

	o.events.Publish(SyncEvent{
		Type:  EventStateChanged,
		State: state.String(),
	})
}
