package fieldsync

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeRemote answers every batch through a programmable handler.
type fakeRemote struct {
	mu      sync.Mutex
	batches []*SyncBatch
	handler func(batch *SyncBatch) ([]ItemOutcome, error)
}

func (r *fakeRemote) SendBatch(ctx context.Context, batch *SyncBatch, cfg AdaptiveSyncConfig) ([]ItemOutcome, error) {
	r.mu.Lock()
	r.batches = append(r.batches, batch)
	handler := r.handler
	r.mu.Unlock()
	if handler == nil {
		return applyAll(batch), nil
	}
	return handler(batch)
}

func (r *fakeRemote) sentBatches() []*SyncBatch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*SyncBatch(nil), r.batches...)
}

func applyAll(batch *SyncBatch) []ItemOutcome {
	outcomes := make([]ItemOutcome, 0, batch.Len())
	for _, m := range batch.Records {
		outcomes = append(outcomes, ItemOutcome{
			MutationID:      m.ID,
			Status:          ItemApplied,
			ServerTimestamp: 1000,
		})
	}
	return outcomes
}

type orchestratorFixture struct {
	store    *MemoryMutationStore
	remote   *fakeRemote
	resolver *ConflictResolver
	sink     *fakeSink
	orch     *SyncOrchestrator
}

func newOrchestratorFixture(t *testing.T, cfg OrchestratorConfig, resolverCfg ConflictResolverConfig) *orchestratorFixture {
	t.Helper()

	store := newTestStore(t)
	t.Cleanup(func() { store.Close() })

	remote := &fakeRemote{}
	resolver := NewConflictResolver(resolverCfg)
	sink := &fakeSink{}
	detector := NewBandwidthDetector(
		&fakeProber{sample: &NetworkQualitySample{DownloadMbps: 10, LatencyMs: 50}},
		DefaultBandwidthDetectorConfig())

	orch := NewSyncOrchestrator(cfg, OrchestratorDeps{
		Store:        store,
		Detector:     detector,
		Remote:       remote,
		Resolver:     resolver,
		Telemetry:    NewTelemetryRecorder(sink),
		Connectivity: NewConnectivityMonitor(true),
	})

	return &orchestratorFixture{
		store:    store,
		remote:   remote,
		resolver: resolver,
		sink:     sink,
		orch:     orch,
	}
}

func TestRunCycleAppliesMutations(t *testing.T) {
	f := newOrchestratorFixture(t, DefaultOrchestratorConfig(), DefaultConflictResolverConfig())

	a := enqueue(t, f.store, "work_order", "wo-1", OpUpdate, map[string]any{"status": "closed"})
	b := enqueue(t, f.store, "site", "s-1", OpCreate, map[string]any{"name": "north"})

	if err := f.orch.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}

	for _, id := range []string{a.ID, b.ID} {
		rec, _ := f.store.Get(id)
		if rec.Status != StatusCompleted {
			t.Errorf("record %s: expected completed, got %v", id, rec.Status)
		}
	}

	if len(f.sink.entries) != 1 {
		t.Fatalf("expected 1 telemetry entry, got %d", len(f.sink.entries))
	}
	entry := f.sink.entries[0]
	if entry.ItemsSynced != 2 {
		t.Errorf("expected 2 items synced in telemetry, got %d", entry.ItemsSynced)
	}
	if entry.BatchCount != 1 {
		t.Errorf("expected 1 batch, got %d", entry.BatchCount)
	}
	if entry.NetworkClassification != "fast" {
		t.Errorf("expected fast classification, got %q", entry.NetworkClassification)
	}

	stats := f.orch.Stats()
	if stats.CyclesRun != 1 || stats.ItemsSynced != 2 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if f.orch.State() != StateIdle {
		t.Errorf("expected idle after cycle, got %v", f.orch.State())
	}
}

func TestRunCycleMergesServerFields(t *testing.T) {
	f := newOrchestratorFixture(t, DefaultOrchestratorConfig(), DefaultConflictResolverConfig())
	f.remote.handler = func(batch *SyncBatch) ([]ItemOutcome, error) {
		return []ItemOutcome{{
			MutationID:      batch.Records[0].ID,
			Status:          ItemApplied,
			ServerTimestamp: 1000,
			ServerFields:    map[string]any{"id": "srv-81", "version": 2},
		}}, nil
	}

	sub := f.orch.Events().Subscribe()
	defer f.orch.Events().Unsubscribe(sub.ID)

	rec := enqueue(t, f.store, "work_order", "wo-1", OpCreate, map[string]any{"status": "draft"})

	if err := f.orch.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}

	got, _ := f.store.Get(rec.ID)
	if got.Status != StatusCompleted {
		t.Fatalf("expected completed, got %v", got.Status)
	}
	if got.Payload["id"] != "srv-81" {
		t.Errorf("expected server-assigned id merged into payload, got %v", got.Payload)
	}
	if got.Payload["status"] != "draft" {
		t.Errorf("expected local fields kept, got %v", got.Payload)
	}

	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-sub.Ch:
			if ev.Type != EventItemCompleted {
				continue
			}
			if ev.ServerFields["id"] != "srv-81" {
				t.Errorf("expected server fields on completion event, got %v", ev.ServerFields)
			}
			return
		case <-deadline:
			t.Fatal("timed out waiting for completion event")
		}
	}
}

func TestRunCycleStopsAfterFailedBatch(t *testing.T) {
	f := newOrchestratorFixture(t, DefaultOrchestratorConfig(), DefaultConflictResolverConfig())

	// A slow link caps batches at 256 KiB, so each large record travels in
	// its own batch.
	f.orch.detector = NewBandwidthDetector(
		&fakeProber{sample: &NetworkQualitySample{DownloadMbps: 0.5, LatencyMs: 400}},
		DefaultBandwidthDetectorConfig())

	big := func(n int) map[string]any {
		return map[string]any{"blob": strings.Repeat("x", 150<<10+n)}
	}
	first := enqueue(t, f.store, "work_order", "wo-1", OpUpdate, big(0))
	second := enqueue(t, f.store, "work_order", "wo-2", OpUpdate, big(1))
	third := enqueue(t, f.store, "work_order", "wo-3", OpUpdate, big(2))

	calls := 0
	f.remote.handler = func(batch *SyncBatch) ([]ItemOutcome, error) {
		calls++
		if calls == 2 {
			return nil, newSyncError(SyncErrorTransient, "network", "connection reset", "", nil)
		}
		return applyAll(batch), nil
	}

	if err := f.orch.RunCycle(context.Background()); err == nil {
		t.Fatal("expected cycle error on transport failure")
	}

	batches := f.remote.sentBatches()
	if len(batches) != 2 {
		t.Fatalf("expected the cycle to stop after the failed batch, got %d batches", len(batches))
	}
	for i, b := range batches {
		if b.Len() != 1 {
			t.Errorf("batch %d: expected 1 record, got %d", i, b.Len())
		}
	}

	// The first batch stays completed, the failed batch is requeued with
	// backoff, and the rest of the queue is untouched.
	got, _ := f.store.Get(first.ID)
	if got.Status != StatusCompleted {
		t.Errorf("expected first record completed, got %v", got.Status)
	}
	got, _ = f.store.Get(second.ID)
	if got.Status != StatusPending || got.RetryCount != 1 {
		t.Errorf("expected failed record requeued with retry 1, got %v retry %d", got.Status, got.RetryCount)
	}
	if !got.BackoffUntil.After(time.Now()) {
		t.Error("expected backoff deadline in the future")
	}
	got, _ = f.store.Get(third.ID)
	if got.Status != StatusPending || got.RetryCount != 0 {
		t.Errorf("expected unattempted record untouched, got %v retry %d", got.Status, got.RetryCount)
	}
}

func TestRunCycleOffline(t *testing.T) {
	f := newOrchestratorFixture(t, DefaultOrchestratorConfig(), DefaultConflictResolverConfig())
	f.orch.detector = NewBandwidthDetector(&fakeProber{err: errors.New("no route")},
		DefaultBandwidthDetectorConfig())

	rec := enqueue(t, f.store, "work_order", "wo-1", OpUpdate, map[string]any{"v": 1})

	err := f.orch.RunCycle(context.Background())
	if !errors.Is(err, ErrOffline) {
		t.Fatalf("expected ErrOffline, got %v", err)
	}

	got, _ := f.store.Get(rec.ID)
	if got.Status != StatusPending {
		t.Errorf("expected record untouched offline, got %v", got.Status)
	}
	if len(f.remote.sentBatches()) != 0 {
		t.Errorf("expected no transmission offline, got %d batches", len(f.remote.sentBatches()))
	}

	// The aborted cycle is still recorded for analytics.
	if len(f.sink.entries) != 1 {
		t.Fatalf("expected telemetry for offline cycle, got %d entries", len(f.sink.entries))
	}
	if f.sink.entries[0].NetworkClassification != "offline" {
		t.Errorf("expected offline classification, got %q", f.sink.entries[0].NetworkClassification)
	}
}

func TestRunCycleWholeBatchFailureRequeues(t *testing.T) {
	f := newOrchestratorFixture(t, DefaultOrchestratorConfig(), DefaultConflictResolverConfig())
	f.remote.handler = func(batch *SyncBatch) ([]ItemOutcome, error) {
		return nil, newSyncError(SyncErrorTransient, "network", "connection reset", "", nil)
	}

	rec := enqueue(t, f.store, "work_order", "wo-1", OpUpdate, map[string]any{"v": 1})

	err := f.orch.RunCycle(context.Background())
	if err == nil {
		t.Fatal("expected cycle error on transport failure")
	}

	got, _ := f.store.Get(rec.ID)
	if got.Status != StatusPending {
		t.Errorf("expected record requeued, got %v", got.Status)
	}
	if got.RetryCount != 1 {
		t.Errorf("expected retry count 1, got %d", got.RetryCount)
	}
	if !got.BackoffUntil.After(time.Now()) {
		t.Error("expected backoff deadline in the future")
	}
}

func TestRunCycleRetryableItemError(t *testing.T) {
	f := newOrchestratorFixture(t, DefaultOrchestratorConfig(), DefaultConflictResolverConfig())
	f.remote.handler = func(batch *SyncBatch) ([]ItemOutcome, error) {
		return []ItemOutcome{{
			MutationID: batch.Records[0].ID,
			Status:     ItemError,
			ErrorCode:  "http_503",
			Retryable:  true,
		}}, nil
	}

	rec := enqueue(t, f.store, "work_order", "wo-1", OpUpdate, map[string]any{"v": 1})

	if err := f.orch.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}

	got, _ := f.store.Get(rec.ID)
	if got.Status != StatusPending {
		t.Errorf("expected pending for retryable item error, got %v", got.Status)
	}
	if got.RetryCount != 1 {
		t.Errorf("expected retry count 1, got %d", got.RetryCount)
	}
}

func TestRunCycleNonRetryableItemError(t *testing.T) {
	f := newOrchestratorFixture(t, DefaultOrchestratorConfig(), DefaultConflictResolverConfig())
	f.remote.handler = func(batch *SyncBatch) ([]ItemOutcome, error) {
		return []ItemOutcome{{
			MutationID: batch.Records[0].ID,
			Status:     ItemError,
			ErrorCode:  "invalid_entity",
			Retryable:  false,
		}}, nil
	}

	rec := enqueue(t, f.store, "work_order", "wo-1", OpUpdate, map[string]any{"v": 1})

	if err := f.orch.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}

	got, _ := f.store.Get(rec.ID)
	if got.Status != StatusFailed {
		t.Errorf("expected permanent failure, got %v", got.Status)
	}
}

func TestRunCycleMaxRetriesExhausted(t *testing.T) {
	cfg := DefaultOrchestratorConfig()
	cfg.MaxRetries = 2
	f := newOrchestratorFixture(t, cfg, DefaultConflictResolverConfig())
	f.remote.handler = func(batch *SyncBatch) ([]ItemOutcome, error) {
		return []ItemOutcome{{
			MutationID: batch.Records[0].ID,
			Status:     ItemError,
			Retryable:  true,
		}}, nil
	}

	rec := enqueue(t, f.store, "work_order", "wo-1", OpUpdate, map[string]any{"v": 1})

	// First failure: requeued.
	if err := f.orch.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}
	got, _ := f.store.Get(rec.ID)
	if got.Status != StatusPending {
		t.Fatalf("expected pending after first failure, got %v", got.Status)
	}

	// Clear the backoff so the next cycle selects it again.
	f.store.mu.Lock()
	f.store.records[rec.ID].BackoffUntil = time.Time{}
	f.store.mu.Unlock()

	// Second failure hits MaxRetries: permanent.
	if err := f.orch.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}
	got, _ = f.store.Get(rec.ID)
	if got.Status != StatusFailed {
		t.Errorf("expected permanent failure at retry limit, got %v", got.Status)
	}
}

func TestRunCycleMissingOutcomeIsRetried(t *testing.T) {
	f := newOrchestratorFixture(t, DefaultOrchestratorConfig(), DefaultConflictResolverConfig())
	f.remote.handler = func(batch *SyncBatch) ([]ItemOutcome, error) {
		return nil, nil // server "forgot" the batch
	}

	rec := enqueue(t, f.store, "work_order", "wo-1", OpUpdate, map[string]any{"v": 1})

	if err := f.orch.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}
	got, _ := f.store.Get(rec.ID)
	if got.Status != StatusPending {
		t.Errorf("expected pending for missing outcome, got %v", got.Status)
	}
	if got.RetryCount != 1 {
		t.Errorf("expected retry count 1, got %d", got.RetryCount)
	}
}

func TestRunCycleConflictParksRecord(t *testing.T) {
	f := newOrchestratorFixture(t, DefaultOrchestratorConfig(), DefaultConflictResolverConfig())
	f.remote.handler = func(batch *SyncBatch) ([]ItemOutcome, error) {
		return []ItemOutcome{{
			MutationID:      batch.Records[0].ID,
			Status:          ItemConflict,
			ServerPayload:   map[string]any{"status": "reassigned"},
			ServerTimestamp: 900,
		}}, nil
	}

	rec, err := f.store.Append(NewMutationRecord("work_order", "wo-1", OpUpdate,
		map[string]any{"status": "closed"},
		map[string]any{"status": "open"},
		100, PriorityNormal))
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}

	if err := f.orch.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}

	got, _ := f.store.Get(rec.ID)
	if got.Status != StatusConflict {
		t.Errorf("expected conflict status, got %v", got.Status)
	}

	pending := f.resolver.Pending()
	if len(pending) != 1 {
		t.Fatalf("expected 1 parked conflict, got %d", len(pending))
	}
	if pending[0].MutationID != rec.ID {
		t.Errorf("expected conflict for %s, got %s", rec.ID, pending[0].MutationID)
	}
	if len(f.sink.entries) != 1 || f.sink.entries[0].ConflictCount != 1 {
		t.Errorf("expected conflict counted in telemetry")
	}
}

func TestRunCycleSpuriousConflictIsRetried(t *testing.T) {
	f := newOrchestratorFixture(t, DefaultOrchestratorConfig(), DefaultConflictResolverConfig())
	f.remote.handler = func(batch *SyncBatch) ([]ItemOutcome, error) {
		// Server claims conflict but returns exactly the base state.
		return []ItemOutcome{{
			MutationID:      batch.Records[0].ID,
			Status:          ItemConflict,
			ServerPayload:   map[string]any{"status": "open"},
			ServerTimestamp: 100,
		}}, nil
	}

	rec, _ := f.store.Append(NewMutationRecord("work_order", "wo-1", OpUpdate,
		map[string]any{"status": "closed"},
		map[string]any{"status": "open"},
		100, PriorityNormal))

	if err := f.orch.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}

	got, _ := f.store.Get(rec.ID)
	if got.Status != StatusPending {
		t.Errorf("expected retransmission for spurious conflict, got %v", got.Status)
	}
	if len(f.resolver.Pending()) != 0 {
		t.Errorf("expected no parked conflict, got %d", len(f.resolver.Pending()))
	}

	// The retry backs off by the link's adaptive base delay (2s on a fast
	// link), not a fixed constant.
	delay := time.Until(got.BackoffUntil)
	if delay <= 0 || delay > 3*time.Second {
		t.Errorf("expected backoff near the fast-link base delay, got %v", delay)
	}
}

func TestRunCycleAutoResolve(t *testing.T) {
	resolverCfg := DefaultConflictResolverConfig()
	resolverCfg.AutoResolve = true
	resolverCfg.DefaultStrategy = StrategyKeepServer
	f := newOrchestratorFixture(t, DefaultOrchestratorConfig(), resolverCfg)

	f.remote.handler = func(batch *SyncBatch) ([]ItemOutcome, error) {
		return []ItemOutcome{{
			MutationID:      batch.Records[0].ID,
			Status:          ItemConflict,
			ServerPayload:   map[string]any{"status": "reassigned"},
			ServerTimestamp: 900,
		}}, nil
	}

	rec, _ := f.store.Append(NewMutationRecord("work_order", "wo-1", OpUpdate,
		map[string]any{"status": "closed"},
		map[string]any{"status": "open"},
		100, PriorityNormal))

	if err := f.orch.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}

	got, _ := f.store.Get(rec.ID)
	if got.Status != StatusCompleted {
		t.Errorf("expected auto-resolved record completed, got %v", got.Status)
	}
	if len(f.resolver.Pending()) != 0 {
		t.Errorf("expected no pending conflicts after auto-resolve, got %d", len(f.resolver.Pending()))
	}

	// keep_server resolves to the server's own state: no follow-up needed.
	pending, _ := f.store.SelectPending(time.Now())
	if len(pending) != 0 {
		t.Errorf("expected no follow-up mutation for keep_server, got %d", len(pending))
	}
}

func TestResolveConflictEnqueuesFollowUp(t *testing.T) {
	f := newOrchestratorFixture(t, DefaultOrchestratorConfig(), DefaultConflictResolverConfig())
	f.remote.handler = func(batch *SyncBatch) ([]ItemOutcome, error) {
		return []ItemOutcome{{
			MutationID:      batch.Records[0].ID,
			Status:          ItemConflict,
			ServerPayload:   map[string]any{"status": "reassigned", "notes": "server note"},
			ServerTimestamp: 900,
		}}, nil
	}

	rec, _ := f.store.Append(NewMutationRecord("work_order", "wo-1", OpUpdate,
		map[string]any{"status": "closed", "notes": "server note"},
		map[string]any{"status": "open", "notes": "server note"},
		100, PriorityNormal))

	if err := f.orch.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}
	conflicts := f.resolver.Pending()
	if len(conflicts) != 1 {
		t.Fatalf("expected 1 conflict, got %d", len(conflicts))
	}

	resolved, err := f.orch.ResolveConflict(conflicts[0].ID, StrategyKeepLocal, nil, "jsmith")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if resolved.ResolvedPayload["status"] != "closed" {
		t.Errorf("expected local status kept, got %v", resolved.ResolvedPayload["status"])
	}

	got, _ := f.store.Get(rec.ID)
	if got.Status != StatusCompleted {
		t.Errorf("expected conflicted record completed after resolution, got %v", got.Status)
	}

	// The resolved payload differs from the server state, so a follow-up
	// mutation carries it back, based on the server's version.
	pending, _ := f.store.SelectPending(time.Now())
	if len(pending) != 1 {
		t.Fatalf("expected 1 follow-up mutation, got %d", len(pending))
	}
	followUp := pending[0]
	if followUp.Operation != OpUpdate {
		t.Errorf("expected follow-up update, got %v", followUp.Operation)
	}
	if followUp.BaseTimestamp != 900 {
		t.Errorf("expected follow-up based on server timestamp 900, got %d", followUp.BaseTimestamp)
	}
	if followUp.Payload["status"] != "closed" {
		t.Errorf("expected follow-up to carry resolved payload, got %v", followUp.Payload)
	}

	// Resolving again is a no-op: the record already moved on.
	if _, err := f.orch.ResolveConflict(conflicts[0].ID, StrategyKeepLocal, nil, "jsmith"); err != nil {
		t.Fatalf("second resolve failed: %v", err)
	}
	pending, _ = f.store.SelectPending(time.Now())
	if len(pending) != 1 {
		t.Errorf("expected still 1 follow-up after repeated resolve, got %d", len(pending))
	}
}

func TestRunCycleQuarantinesCorruptRecord(t *testing.T) {
	f := newOrchestratorFixture(t, DefaultOrchestratorConfig(), DefaultConflictResolverConfig())

	good := enqueue(t, f.store, "work_order", "wo-1", OpUpdate, map[string]any{"v": 1})
	bad := enqueue(t, f.store, "work_order", "wo-2", OpUpdate, map[string]any{"v": 2})

	// Corrupt the stored record behind the API.
	f.store.mu.Lock()
	f.store.records[bad.ID].EntityType = ""
	f.store.mu.Unlock()

	if err := f.orch.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}

	gotBad, _ := f.store.Get(bad.ID)
	if gotBad.Status != StatusQuarantined {
		t.Errorf("expected corrupt record quarantined, got %v", gotBad.Status)
	}
	gotGood, _ := f.store.Get(good.ID)
	if gotGood.Status != StatusCompleted {
		t.Errorf("expected good record unaffected, got %v", gotGood.Status)
	}
}

func TestSyncNowWhileCycleActive(t *testing.T) {
	f := newOrchestratorFixture(t, DefaultOrchestratorConfig(), DefaultConflictResolverConfig())

	block := make(chan struct{})
	started := make(chan struct{})
	f.remote.handler = func(batch *SyncBatch) ([]ItemOutcome, error) {
		close(started)
		<-block
		return applyAll(batch), nil
	}

	enqueue(t, f.store, "work_order", "wo-1", OpUpdate, map[string]any{"v": 1})

	done := make(chan error, 1)
	go func() { done <- f.orch.RunCycle(context.Background()) }()

	<-started
	if err := f.orch.SyncNow(context.Background()); !errors.Is(err, ErrSyncInProgress) {
		t.Errorf("expected ErrSyncInProgress, got %v", err)
	}

	close(block)
	if err := <-done; err != nil {
		t.Fatalf("first cycle failed: %v", err)
	}
}

func TestRunCycleRequeuesStaleInFlight(t *testing.T) {
	cfg := DefaultOrchestratorConfig()
	cfg.StaleInFlightAfter = time.Millisecond
	f := newOrchestratorFixture(t, cfg, DefaultConflictResolverConfig())

	// A record stranded in flight by a previous interrupted run.
	rec := enqueue(t, f.store, "work_order", "wo-1", OpUpdate, map[string]any{"v": 1})
	f.store.MarkInFlight(rec.ID)
	time.Sleep(5 * time.Millisecond)

	if err := f.orch.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}

	got, _ := f.store.Get(rec.ID)
	if got.Status != StatusCompleted {
		t.Errorf("expected stranded record recovered and synced, got %v", got.Status)
	}
}

func TestOrchestratorStartStop(t *testing.T) {
	f := newOrchestratorFixture(t, DefaultOrchestratorConfig(), DefaultConflictResolverConfig())
	f.orch.Start()
	f.orch.Start() // idempotent
	f.orch.Stop()
	f.orch.Stop() // idempotent
}
