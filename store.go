package fieldsync

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// MutationStore is the durable record of pending local changes. It is an
// append-only log with compare-and-set status transitions: a transition
// whose precondition no longer holds is a no-op, not an error, which
// prevents double-processing races without explicit locks.
type MutationStore interface {
	// Append records a local edit, coalescing with any pending record for
	// the same entity. The returned record is the surviving one; it is nil
	// when the edit cancelled a pending record outright (delete of a
	// not-yet-transmitted create).
	Append(m *MutationRecord) (*MutationRecord, error)

	// Get returns a copy of the record with the given id.
	Get(id string) (*MutationRecord, error)

	// SelectPending returns records eligible for selection at now: status
	// pending, backoff expired, and no in-flight mutation for the same
	// entity. Results are ordered by creation time then entity id.
	SelectPending(now time.Time) ([]*MutationRecord, error)

	// MarkInFlight transitions pending → in-flight.
	MarkInFlight(id string) (bool, error)
	// MarkCompleted transitions in-flight → completed, merging any
	// server-assigned fields (ids, version counters) into the payload.
	MarkCompleted(id string, serverFields map[string]any) (bool, error)
	// MarkConflict transitions in-flight → conflict, parking the record
	// until resolution.
	MarkConflict(id string) (bool, error)
	// MarkFailedTransient transitions in-flight → pending with an
	// incremented retry count and the given backoff deadline. An edit
	// recorded for the same entity while the record was in flight is
	// folded back into it, so the entity keeps one pending record
	// carrying the latest payload.
	MarkFailedTransient(id string, backoffUntil time.Time, cause error) (bool, error)
	// MarkFailedPermanent transitions in-flight → failed; the record is
	// never retried again.
	MarkFailedPermanent(id string, cause error) (bool, error)
	// MarkQuarantined transitions any non-terminal status → quarantined,
	// excluding the record from future selection.
	MarkQuarantined(id string, cause error) (bool, error)
	// MarkResolved transitions conflict → completed once the conflict
	// resolver has produced a resolution for the record.
	MarkResolved(id string) (bool, error)

	// RequeueStale returns in-flight records last touched before cutoff to
	// pending. Called at cycle start so an interrupted batch cannot strand
	// records.
	RequeueStale(cutoff time.Time) (int, error)

	// CountByStatus returns the number of records per status.
	CountByStatus() (map[MutationStatus]int, error)

	Close() error
}

// MemoryStoreConfig configures the in-memory mutation store and its durable
// snapshot.
type MemoryStoreConfig struct {
	// SnapshotPath is where the store persists its state. Empty disables
	// persistence.
	SnapshotPath string `json:"snapshot_path" yaml:"snapshot_path"`

	// Encryptor optionally encrypts the snapshot at rest.
	Encryptor *Encryptor `json:"-" yaml:"-"`
}

// MemoryMutationStore keeps all records in memory and persists a
// checksum-verified snapshot after every change so a restart restores the
// exact pending/backoff state.
type MemoryMutationStore struct {
	config  MemoryStoreConfig
	mu      sync.RWMutex
	records map[string]*MutationRecord
	closed  bool
}

type storeSnapshot struct {
	Version  int               `json:"version"`
	SavedAt  time.Time         `json:"saved_at"`
	Records  []*MutationRecord `json:"records"`
	Checksum string            `json:"checksum,omitempty"`
}

// NewMemoryMutationStore creates a mutation store, restoring any previous
// snapshot. Records that were in flight when the process died return to
// pending: nothing can still be in flight after a restart.
func NewMemoryMutationStore(config MemoryStoreConfig) (*MemoryMutationStore, error) {
	s := &MemoryMutationStore{
		config:  config,
		records: make(map[string]*MutationRecord),
	}
	if err := s.restore(); err != nil {
		return nil, fmt.Errorf("restore snapshot: %w", err)
	}
	return s, nil
}

// Append implements MutationStore.
func (s *MemoryMutationStore) Append(m *MutationRecord) (*MutationRecord, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	existing := s.findPendingLocked(m.EntityType, m.EntityID)
	if existing == nil {
		cp := m.Clone()
		if cp.UpdatedAt.IsZero() {
			cp.UpdatedAt = cp.CreatedAt
		}
		s.records[cp.ID] = cp
		s.persistLocked()
		return cp.Clone(), nil
	}

	survivor, cancelled := coalesce(existing, m)
	if cancelled {
		delete(s.records, existing.ID)
		s.persistLocked()
		return nil, nil
	}
	s.records[survivor.ID] = survivor
	s.persistLocked()
	return survivor.Clone(), nil
}

// coalesce folds a new edit into an existing pending record for the same
// entity. The surviving record keeps the original base timestamp and
// creation time; the payload is the latest edit's. Returns cancelled=true
// when the pair annihilates (delete of a pending create).
func coalesce(existing *MutationRecord, next *MutationRecord) (*MutationRecord, bool) {
	if existing.Operation == OpCreate && next.Operation == OpDelete {
		// The entity never reached the server; nothing to transmit.
		return nil, true
	}

	survivor := existing.Clone()
	survivor.Payload = cloneFields(next.Payload)
	survivor.SizeBytes = payloadSize(next.Payload)
	survivor.UpdatedAt = next.CreatedAt

	switch {
	case existing.Operation == OpCreate:
		// Updates fold into the pending create; the server still sees one
		// create carrying the latest payload.
	case next.Operation == OpDelete:
		survivor.Operation = OpDelete
		survivor.Payload = nil
		survivor.SizeBytes = 0
	case existing.Operation == OpDelete:
		// Recreate after a pending delete: the server still holds the old
		// entity, so this becomes an update against the original base.
		survivor.Operation = OpUpdate
	}

	if next.Priority < survivor.Priority {
		survivor.Priority = next.Priority
	}
	return survivor, false
}

func (s *MemoryMutationStore) findPendingLocked(entityType, entityID string) *MutationRecord {
	var found *MutationRecord
	for _, r := range s.records {
		if r.Status != StatusPending || r.EntityType != entityType || r.EntityID != entityID {
			continue
		}
		// Deterministic pick if multiple somehow exist: oldest wins.
		if found == nil || r.CreatedAt.Before(found.CreatedAt) {
			found = r
		}
	}
	return found
}

// Get implements MutationStore.
func (s *MemoryMutationStore) Get(id string) (*MutationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	r, ok := s.records[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return r.Clone(), nil
}

// SelectPending implements MutationStore.
func (s *MemoryMutationStore) SelectPending(now time.Time) ([]*MutationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	inFlight := make(map[string]bool)
	for _, r := range s.records {
		if r.Status == StatusInFlight {
			inFlight[r.EntityType+"/"+r.EntityID] = true
		}
	}

	var result []*MutationRecord
	for _, r := range s.records {
		if !r.Eligible(now) {
			continue
		}
		if inFlight[r.EntityType+"/"+r.EntityID] {
			continue
		}
		result = append(result, r.Clone())
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].EntityID < result[j].EntityID
	})
	return result, nil
}

// MarkInFlight implements MutationStore.
func (s *MemoryMutationStore) MarkInFlight(id string) (bool, error) {
	return s.transition(id, StatusPending, func(r *MutationRecord) {
		r.Status = StatusInFlight
	})
}

// MarkCompleted implements MutationStore.
func (s *MemoryMutationStore) MarkCompleted(id string, serverFields map[string]any) (bool, error) {
	return s.transition(id, StatusInFlight, func(r *MutationRecord) {
		r.Status = StatusCompleted
		r.LastError = ""
		if len(serverFields) > 0 {
			if r.Payload == nil {
				r.Payload = make(map[string]any, len(serverFields))
			}
			for k, v := range serverFields {
				r.Payload[k] = v
			}
		}
	})
}

// MarkConflict implements MutationStore.
func (s *MemoryMutationStore) MarkConflict(id string) (bool, error) {
	return s.transition(id, StatusInFlight, func(r *MutationRecord) {
		r.Status = StatusConflict
	})
}

// MarkFailedTransient implements MutationStore.
func (s *MemoryMutationStore) MarkFailedTransient(id string, backoffUntil time.Time, cause error) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrStoreClosed
	}
	r, ok := s.records[id]
	if !ok || r.Status != StatusInFlight {
		return false, nil
	}
	r.Status = StatusPending
	r.RetryCount++
	r.BackoffUntil = backoffUntil
	if cause != nil {
		r.LastError = cause.Error()
	}
	r.UpdatedAt = time.Now()

	// An edit for the same entity may have arrived as a separate record
	// while this one was in flight. Fold the pair so the entity never has
	// two selectable records and the stale payload is never retransmitted.
	if newer := s.findPendingSiblingLocked(r); newer != nil {
		survivor, cancelled := coalesce(r, newer)
		delete(s.records, newer.ID)
		if cancelled {
			delete(s.records, r.ID)
		} else {
			s.records[survivor.ID] = survivor
		}
	}

	s.persistLocked()
	return true, nil
}

// findPendingSiblingLocked returns the newest other pending record for r's
// entity, or nil.
func (s *MemoryMutationStore) findPendingSiblingLocked(r *MutationRecord) *MutationRecord {
	var newest *MutationRecord
	for _, other := range s.records {
		if other.ID == r.ID || other.Status != StatusPending {
			continue
		}
		if other.EntityType != r.EntityType || other.EntityID != r.EntityID {
			continue
		}
		if newest == nil || other.CreatedAt.After(newest.CreatedAt) {
			newest = other
		}
	}
	return newest
}

// MarkFailedPermanent implements MutationStore.
func (s *MemoryMutationStore) MarkFailedPermanent(id string, cause error) (bool, error) {
	return s.transition(id, StatusInFlight, func(r *MutationRecord) {
		r.Status = StatusFailed
		if cause != nil {
			r.LastError = cause.Error()
		}
	})
}

// MarkResolved implements MutationStore.
func (s *MemoryMutationStore) MarkResolved(id string) (bool, error) {
	return s.transition(id, StatusConflict, func(r *MutationRecord) {
		r.Status = StatusCompleted
		r.LastError = ""
	})
}

// MarkQuarantined implements MutationStore.
func (s *MemoryMutationStore) MarkQuarantined(id string, cause error) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrStoreClosed
	}
	r, ok := s.records[id]
	if !ok {
		return false, nil
	}
	switch r.Status {
	case StatusCompleted, StatusFailed, StatusQuarantined:
		return false, nil
	}
	r.Status = StatusQuarantined
	r.UpdatedAt = time.Now()
	if cause != nil {
		r.LastError = cause.Error()
	}
	s.persistLocked()
	return true, nil
}

// RequeueStale implements MutationStore.
func (s *MemoryMutationStore) RequeueStale(cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}
	n := 0
	for _, r := range s.records {
		if r.Status == StatusInFlight && r.UpdatedAt.Before(cutoff) {
			r.Status = StatusPending
			r.UpdatedAt = time.Now()
			n++
		}
	}
	if n > 0 {
		s.persistLocked()
	}
	return n, nil
}

// CountByStatus implements MutationStore.
func (s *MemoryMutationStore) CountByStatus() (map[MutationStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	counts := make(map[MutationStatus]int)
	for _, r := range s.records {
		counts[r.Status]++
	}
	return counts, nil
}

// Close persists a final snapshot and rejects further operations.
func (s *MemoryMutationStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.persistLocked()
	s.closed = true
	return nil
}

func (s *MemoryMutationStore) transition(id string, from MutationStatus, apply func(*MutationRecord)) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrStoreClosed
	}
	r, ok := s.records[id]
	if !ok || r.Status != from {
		// Already transitioned elsewhere; no-op by design of the CAS API.
		return false, nil
	}
	apply(r)
	r.UpdatedAt = time.Now()
	s.persistLocked()
	return true, nil
}

func (s *MemoryMutationStore) persistLocked() {
	if s.config.SnapshotPath == "" {
		return
	}

	snap := storeSnapshot{
		Version: 1,
		SavedAt: time.Now(),
		Records: make([]*MutationRecord, 0, len(s.records)),
	}
	for _, r := range s.records {
		snap.Records = append(snap.Records, r)
	}
	sort.Slice(snap.Records, func(i, j int) bool { return snap.Records[i].ID < snap.Records[j].ID })

	body, err := json.Marshal(snap.Records)
	if err != nil {
		slog.Error("mutation store snapshot marshal error", "err", err)
		return
	}
	snap.Checksum = snapshotChecksum(body)

	data, err := json.Marshal(snap)
	if err != nil {
		slog.Error("mutation store snapshot marshal error", "err", err)
		return
	}

	if s.config.Encryptor != nil {
		data, err = s.config.Encryptor.Encrypt(data)
		if err != nil {
			slog.Error("mutation store snapshot encrypt error", "err", err)
			return
		}
	}

	tmp := s.config.SnapshotPath + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.config.SnapshotPath), 0755); err != nil {
		slog.Error("mutation store snapshot mkdir error", "err", err)
		return
	}
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		slog.Error("mutation store snapshot write error", "err", err)
		return
	}
	if err := os.Rename(tmp, s.config.SnapshotPath); err != nil {
		slog.Error("mutation store snapshot rename error", "err", err)
	}
}

func (s *MemoryMutationStore) restore() error {
	if s.config.SnapshotPath == "" {
		return nil
	}
	data, err := os.ReadFile(s.config.SnapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	if s.config.Encryptor != nil {
		data, err = s.config.Encryptor.Decrypt(data)
		if err != nil {
			return fmt.Errorf("decrypt snapshot: %w", err)
		}
	}

	var snap storeSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	body, err := json.Marshal(snap.Records)
	if err != nil {
		return err
	}
	if snap.Checksum != "" && snap.Checksum != snapshotChecksum(body) {
		slog.Warn("mutation store snapshot checksum mismatch, starting fresh",
			"path", s.config.SnapshotPath)
		return nil
	}

	for _, r := range snap.Records {
		if r.Status == StatusInFlight {
			r.Status = StatusPending
		}
		s.records[r.ID] = r
	}
	return nil
}

func snapshotChecksum(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:8])
}
