package fieldsync

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// QueueManager selects pending mutations into transmission batches by
// priority and size.
type QueueManager struct {
	store MutationStore

	// now is injectable for deterministic tests.
	now func() time.Time
}

// NewQueueManager creates a queue manager over the given store.
func NewQueueManager(store MutationStore) *QueueManager {
	return &QueueManager{
		store: store,
		now:   time.Now,
	}
}

// QueueStats reports queue depth per priority class.
type QueueStats struct {
	Eligible   int            `json:"eligible"`
	ByPriority map[string]int `json:"by_priority"`
	ByStatus   map[string]int `json:"by_status"`
	OldestAge  time.Duration  `json:"oldest_age"`
	TotalBytes int64          `json:"total_bytes"`
}

// GetNextBatch selects eligible pending records into a batch. Ordering is
// by priority class, then ascending size within a class so many small items
// complete per round, tie-broken by enqueue time then entity id — the
// result is deterministic given identical inputs. Selection stops at the
// first limit reached and a mutation is never split across batches.
//
// A single mutation larger than maxBytes is still sent, alone, in an
// oversized one-item batch: a mandatory large record must never be starved
// by a slow link.
//
// Selected records are transitioned to in-flight; records that lose the
// transition race are silently excluded.
func (q *QueueManager) GetNextBatch(maxBytes int64, maxItems int) (*SyncBatch, error) {
	now := q.now()
	eligible, err := q.store.SelectPending(now)
	if err != nil {
		return nil, err
	}
	if len(eligible) == 0 {
		return nil, nil
	}

	// At most one record per entity per batch. Stores fold a requeued
	// record into any newer edit, but a duplicate that slips through must
	// not put two mutations for one entity in flight, and only the record
	// carrying the latest edit may transmit.
	byEntity := make(map[string]*MutationRecord, len(eligible))
	for _, m := range eligible {
		key := m.EntityType + "/" + m.EntityID
		if cur, ok := byEntity[key]; ok && !m.UpdatedAt.After(cur.UpdatedAt) {
			continue
		}
		byEntity[key] = m
	}
	if len(byEntity) < len(eligible) {
		eligible = eligible[:0]
		for _, m := range byEntity {
			eligible = append(eligible, m)
		}
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if a.SizeBytes != b.SizeBytes {
			return a.SizeBytes < b.SizeBytes
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.EntityID < b.EntityID
	})

	batch := &SyncBatch{
		ID:        uuid.NewString(),
		CreatedAt: now,
	}

	for _, m := range eligible {
		if maxItems > 0 && len(batch.Records) >= maxItems {
			break
		}
		if maxBytes > 0 && batch.TotalBytes+m.SizeBytes > maxBytes {
			if len(batch.Records) == 0 {
				// Oversized single item: force a one-item batch.
				batch.Records = append(batch.Records, m)
				batch.TotalBytes += m.SizeBytes
			}
			break
		}
		batch.Records = append(batch.Records, m)
		batch.TotalBytes += m.SizeBytes
	}

	// Claim the selection. Anything already claimed elsewhere drops out.
	claimed := batch.Records[:0]
	var claimedBytes int64
	for _, m := range batch.Records {
		ok, err := q.store.MarkInFlight(m.ID)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		m.Status = StatusInFlight
		claimed = append(claimed, m)
		claimedBytes += m.SizeBytes
	}
	batch.Records = claimed
	batch.TotalBytes = claimedBytes

	if len(batch.Records) == 0 {
		return nil, nil
	}
	return batch, nil
}

// ScheduleRetry marks an in-flight mutation failed transiently and computes
// its next eligibility: now + base * 2^retryCount, capped at max. Repeated
// failures produce strictly increasing delays up to the cap without
// blocking the rest of the queue.
func (q *QueueManager) ScheduleRetry(m *MutationRecord, base, max time.Duration, cause error) (time.Time, bool, error) {
	backoffUntil := q.now().Add(ComputeBackoff(m.RetryCount, base, max))
	ok, err := q.store.MarkFailedTransient(m.ID, backoffUntil, cause)
	return backoffUntil, ok, err
}

// Stats returns current queue statistics.
func (q *QueueManager) Stats() (*QueueStats, error) {
	now := q.now()
	byStatus, err := q.store.CountByStatus()
	if err != nil {
		return nil, err
	}
	eligible, err := q.store.SelectPending(now)
	if err != nil {
		return nil, err
	}

	stats := &QueueStats{
		Eligible:   len(eligible),
		ByPriority: make(map[string]int),
		ByStatus:   make(map[string]int),
	}
	for status, n := range byStatus {
		stats.ByStatus[status.String()] = n
	}
	for _, m := range eligible {
		stats.ByPriority[m.Priority.String()]++
		stats.TotalBytes += m.SizeBytes
		if age := now.Sub(m.CreatedAt); age > stats.OldestAge {
			stats.OldestAge = age
		}
	}
	return stats, nil
}
