package fieldsync

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Operation identifies the kind of change a mutation carries.
type Operation int

const (
	// OpCreate inserts a new entity.
	OpCreate Operation = iota
	// OpUpdate modifies an existing entity.
	OpUpdate
	// OpDelete removes an entity.
	OpDelete
)

func (o Operation) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// ParseOperation parses an operation name as received from the API.
func ParseOperation(s string) (Operation, error) {
	switch s {
	case "create":
		return OpCreate, nil
	case "update":
		return OpUpdate, nil
	case "delete":
		return OpDelete, nil
	default:
		return 0, fmt.Errorf("unknown operation %q", s)
	}
}

// PriorityClass orders mutations for batch selection. Lower values are
// selected first.
type PriorityClass int

const (
	// PriorityCritical is for safety and incident records.
	PriorityCritical PriorityClass = iota
	// PriorityHigh is for time-sensitive field records.
	PriorityHigh
	// PriorityNormal is for standard workflow entities.
	PriorityNormal
	// PriorityLow is for large binary attachments.
	PriorityLow
)

func (p PriorityClass) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// ParsePriorityClass parses a priority name as received from the API.
func ParsePriorityClass(s string) (PriorityClass, error) {
	switch s {
	case "critical":
		return PriorityCritical, nil
	case "high":
		return PriorityHigh, nil
	case "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	default:
		return 0, fmt.Errorf("unknown priority class %q", s)
	}
}

// MutationStatus tracks a mutation through its lifecycle.
type MutationStatus int

const (
	// StatusPending means the mutation is awaiting selection into a batch.
	StatusPending MutationStatus = iota
	// StatusInFlight means the mutation is part of an active batch.
	StatusInFlight
	// StatusConflict means the mutation diverged from server state and is
	// awaiting conflict resolution.
	StatusConflict
	// StatusCompleted means the server accepted the mutation.
	StatusCompleted
	// StatusFailed means the mutation failed permanently and will not be
	// retried.
	StatusFailed
	// StatusQuarantined means the record is corrupt and excluded from
	// selection so it cannot stall the rest of the queue.
	StatusQuarantined
)

func (s MutationStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusInFlight:
		return "in_flight"
	case StatusConflict:
		return "conflict"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusQuarantined:
		return "quarantined"
	default:
		return "unknown"
	}
}

// MutationRecord is a durable record of one pending local change. Repeated
// edits to the same pending entity coalesce into a single record that keeps
// the payload of the latest edit and the base timestamp of the first.
type MutationRecord struct {
	ID         string         `json:"id"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Operation  Operation      `json:"operation"`
	Payload    map[string]any `json:"payload"`

	// BasePayload is the entity snapshot the edit started from. It is what
	// BaseTimestamp "implies" and is required for field-level conflict
	// classification.
	BasePayload map[string]any `json:"base_payload,omitempty"`

	// BaseTimestamp is the server version the change was derived from.
	BaseTimestamp int64 `json:"base_timestamp"`

	Priority  PriorityClass  `json:"priority"`
	SizeBytes int64          `json:"size_bytes"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Status    MutationStatus `json:"status"`

	RetryCount   int       `json:"retry_count"`
	BackoffUntil time.Time `json:"backoff_until"`
	LastError    string    `json:"last_error,omitempty"`
}

// NewMutationRecord builds a pending mutation for one local edit.
func NewMutationRecord(entityType, entityID string, op Operation, payload, basePayload map[string]any, baseTimestamp int64, priority PriorityClass) *MutationRecord {
	now := time.Now()
	m := &MutationRecord{
		ID:            uuid.NewString(),
		EntityType:    entityType,
		EntityID:      entityID,
		Operation:     op,
		Payload:       payload,
		BasePayload:   basePayload,
		BaseTimestamp: baseTimestamp,
		Priority:      priority,
		CreatedAt:     now,
		UpdatedAt:     now,
		Status:        StatusPending,
	}
	m.SizeBytes = payloadSize(payload)
	return m
}

// Validate checks structural integrity of the record.
func (m *MutationRecord) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("mutation: missing id")
	}
	if m.EntityType == "" || m.EntityID == "" {
		return fmt.Errorf("mutation %s: missing entity identity", m.ID)
	}
	if m.Operation != OpDelete && len(m.Payload) == 0 {
		return fmt.Errorf("mutation %s: %s requires a payload", m.ID, m.Operation)
	}
	return nil
}

// Eligible reports whether the record can be selected into a batch at now.
func (m *MutationRecord) Eligible(now time.Time) bool {
	return m.Status == StatusPending && !m.BackoffUntil.After(now)
}

// Clone returns a deep copy safe to hand to other goroutines.
func (m *MutationRecord) Clone() *MutationRecord {
	cp := *m
	cp.Payload = cloneFields(m.Payload)
	cp.BasePayload = cloneFields(m.BasePayload)
	return &cp
}

// SyncBatch is an ordered set of mutations selected for one transmission
// round. A mutation is never split across batches.
type SyncBatch struct {
	ID         string            `json:"id"`
	Records    []*MutationRecord `json:"records"`
	TotalBytes int64             `json:"total_bytes"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Len returns the number of mutations in the batch.
func (b *SyncBatch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Records)
}

func payloadSize(payload map[string]any) int64 {
	if len(payload) == 0 {
		return 0
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return 0
	}
	return int64(len(data))
}

func cloneFields(fields map[string]any) map[string]any {
	if fields == nil {
		return nil
	}
	cp := make(map[string]any, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	return cp
}
