package fieldsync

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FieldClassification describes how one field diverged between the local
// edit and the server since their common base.
type FieldClassification int

const (
	// FieldUnchanged means neither side moved the field.
	FieldUnchanged FieldClassification = iota
	// FieldLocalOnly means only the local edit changed the field.
	FieldLocalOnly
	// FieldRemoteOnly means only the server changed the field.
	FieldRemoteOnly
	// FieldBoth means both sides changed the field: a true conflict.
	FieldBoth
)

func (c FieldClassification) String() string {
	switch c {
	case FieldUnchanged:
		return "unchanged"
	case FieldLocalOnly:
		return "local_only"
	case FieldRemoteOnly:
		return "remote_only"
	case FieldBoth:
		return "both"
	default:
		return "unknown"
	}
}

// ResolutionStrategy selects how a conflict is resolved. The set is closed
// and every strategy is subject to the protected-field rule.
type ResolutionStrategy int

const (
	// StrategyLastWriteWins takes whichever payload's timestamp is later,
	// in full.
	StrategyLastWriteWins ResolutionStrategy = iota
	// StrategyFieldMerge resolves each field from the side that changed
	// it; fields changed on both sides follow the per-field selection or
	// the configured default.
	StrategyFieldMerge
	// StrategyKeepLocal discards the server payload wholesale.
	StrategyKeepLocal
	// StrategyKeepServer discards the local payload wholesale.
	StrategyKeepServer
)

func (s ResolutionStrategy) String() string {
	switch s {
	case StrategyLastWriteWins:
		return "last_write_wins"
	case StrategyFieldMerge:
		return "field_merge"
	case StrategyKeepLocal:
		return "keep_local"
	case StrategyKeepServer:
		return "keep_server"
	default:
		return "unknown"
	}
}

// ParseResolutionStrategy parses a strategy name as received from the UI.
func ParseResolutionStrategy(s string) (ResolutionStrategy, error) {
	switch s {
	case "last_write_wins":
		return StrategyLastWriteWins, nil
	case "field_merge":
		return StrategyFieldMerge, nil
	case "keep_local":
		return StrategyKeepLocal, nil
	case "keep_server":
		return StrategyKeepServer, nil
	default:
		return 0, fmt.Errorf("unknown resolution strategy %q", s)
	}
}

// FieldChoice selects a side for one field under field-merge.
type FieldChoice int

const (
	// ChooseServer resolves the field to the server value.
	ChooseServer FieldChoice = iota
	// ChooseLocal resolves the field to the local value.
	ChooseLocal
)

// FieldDiff is the divergence of a single field.
type FieldDiff struct {
	Field          string              `json:"field"`
	LocalValue     any                 `json:"local_value"`
	ServerValue    any                 `json:"server_value"`
	Classification FieldClassification `json:"classification"`
}

// ConflictRecord captures one detected divergence between a local mutation
// and server state, and the resolution applied to it.
type ConflictRecord struct {
	ID         string `json:"id"`
	MutationID string `json:"mutation_id"`
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`

	LocalPayload  map[string]any `json:"local_payload"`
	ServerPayload map[string]any `json:"server_payload"`
	BasePayload   map[string]any `json:"base_payload"`

	LocalBaseTimestamp int64 `json:"local_base_timestamp"`
	LocalTimestamp     int64 `json:"local_timestamp"`
	ServerTimestamp    int64 `json:"server_timestamp"`

	FieldDiffs []FieldDiff `json:"field_diffs"`

	ResolutionStrategy string         `json:"resolution_strategy,omitempty"`
	ResolvedPayload    map[string]any `json:"resolved_payload,omitempty"`
	ResolvedAt         time.Time      `json:"resolved_at,omitempty"`
	ResolvedBy         string         `json:"resolved_by,omitempty"`

	detectedAt time.Time
	selections map[string]FieldChoice
}

// Resolved reports whether the conflict has been resolved.
func (c *ConflictRecord) Resolved() bool {
	return !c.ResolvedAt.IsZero()
}

// DetectConflict reports divergence: true iff the server moved past the
// mutation's base (serverTimestamp > baseTimestamp) and at least one server
// field differs from the value the base implied.
func DetectConflict(basePayload, serverPayload map[string]any, baseTimestamp, serverTimestamp int64) bool {
	if serverTimestamp <= baseTimestamp {
		return false
	}
	for _, field := range fieldUnion(basePayload, serverPayload) {
		if !valueEqual(basePayload[field], serverPayload[field]) {
			return true
		}
	}
	return false
}

// DiffFields classifies every field across the base, local, and server
// payloads. Results are sorted by field name for deterministic output.
func DiffFields(basePayload, localPayload, serverPayload map[string]any) []FieldDiff {
	fields := fieldUnion(basePayload, localPayload, serverPayload)
	diffs := make([]FieldDiff, 0, len(fields))
	for _, field := range fields {
		localChanged := !valueEqual(basePayload[field], localPayload[field])
		serverChanged := !valueEqual(basePayload[field], serverPayload[field])

		classification := FieldUnchanged
		switch {
		case localChanged && serverChanged:
			classification = FieldBoth
		case localChanged:
			classification = FieldLocalOnly
		case serverChanged:
			classification = FieldRemoteOnly
		}

		diffs = append(diffs, FieldDiff{
			Field:          field,
			LocalValue:     localPayload[field],
			ServerValue:    serverPayload[field],
			Classification: classification,
		})
	}
	return diffs
}

// ConflictResolverConfig configures conflict handling policy.
type ConflictResolverConfig struct {
	// DefaultStrategy applies when a conflict is resolved without an
	// explicit strategy, and during auto-resolution.
	DefaultStrategy ResolutionStrategy `json:"default_strategy" yaml:"default_strategy"`

	// AutoResolve resolves conflicts immediately with DefaultStrategy
	// instead of parking them for the UI.
	AutoResolve bool `json:"auto_resolve" yaml:"auto_resolve"`

	// DefaultFieldChoice applies to fields changed on both sides under
	// field-merge when no explicit per-field selection is given. The zero
	// value chooses the server side.
	DefaultFieldChoice FieldChoice `json:"default_field_choice" yaml:"default_field_choice"`

	// ProtectedFields always resolve to the server value under every
	// strategy. A stale client can never reassign ownership or cross a
	// tenant boundary through conflict resolution. This list is additive
	// to the built-in identity/tenant fields and cannot be overridden off.
	ProtectedFields []string `json:"protected_fields" yaml:"protected_fields"`
}

// builtinProtectedFields are always server-authoritative.
var builtinProtectedFields = []string{"id", "tenant_id", "org_id", "owner_id", "created_by"}

// DefaultConflictResolverConfig returns conservative defaults: field-merge
// with server-side preference, parked for manual review.
func DefaultConflictResolverConfig() ConflictResolverConfig {
	return ConflictResolverConfig{
		DefaultStrategy:    StrategyFieldMerge,
		DefaultFieldChoice: ChooseServer,
	}
}

// ConflictResolver detects and resolves divergence between local mutations
// and server state, keeping an audit record of every resolution.
type ConflictResolver struct {
	config    ConflictResolverConfig
	protected map[string]bool

	mu        sync.RWMutex
	conflicts map[string]*ConflictRecord

	detectedCount int64
	resolvedCount int64

	now func() time.Time
}

// NewConflictResolver creates a resolver with the given policy.
func NewConflictResolver(config ConflictResolverConfig) *ConflictResolver {
	protected := make(map[string]bool)
	for _, f := range builtinProtectedFields {
		protected[f] = true
	}
	for _, f := range config.ProtectedFields {
		protected[f] = true
	}
	return &ConflictResolver{
		config:    config,
		protected: protected,
		conflicts: make(map[string]*ConflictRecord),
		now:       time.Now,
	}
}

// Detect checks a conflict outcome from the server against the mutation
// and, when divergence is real, registers and returns a ConflictRecord.
// Returns nil when the server response is not actually in conflict with
// the mutation's base.
func (r *ConflictResolver) Detect(m *MutationRecord, serverPayload map[string]any, serverTimestamp int64) *ConflictRecord {
	if !DetectConflict(m.BasePayload, serverPayload, m.BaseTimestamp, serverTimestamp) {
		return nil
	}

	c := &ConflictRecord{
		ID:                 uuid.NewString(),
		MutationID:         m.ID,
		EntityType:         m.EntityType,
		EntityID:           m.EntityID,
		LocalPayload:       cloneFields(m.Payload),
		ServerPayload:      cloneFields(serverPayload),
		BasePayload:        cloneFields(m.BasePayload),
		LocalBaseTimestamp: m.BaseTimestamp,
		LocalTimestamp:     m.UpdatedAt.UnixMilli(),
		ServerTimestamp:    serverTimestamp,
		FieldDiffs:         DiffFields(m.BasePayload, m.Payload, serverPayload),
		detectedAt:         r.now(),
	}

	r.mu.Lock()
	r.conflicts[c.ID] = c
	r.detectedCount++
	r.mu.Unlock()
	return c
}

// AutoResolve reports whether conflicts should be resolved immediately
// with the default policy instead of awaiting the UI.
func (r *ConflictResolver) AutoResolve() bool {
	return r.config.AutoResolve
}

// DefaultStrategy returns the configured default strategy.
func (r *ConflictResolver) DefaultStrategy() ResolutionStrategy {
	return r.config.DefaultStrategy
}

// Resolve applies a strategy to a registered conflict. Resolution is
// idempotent: resolving an already-resolved conflict with the same
// strategy and selections returns the identical resolved payload.
func (r *ConflictResolver) Resolve(conflictID string, strategy ResolutionStrategy, selections map[string]FieldChoice, resolvedBy string) (*ConflictRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conflicts[conflictID]
	if !ok {
		return nil, ErrConflictNotFound
	}

	if c.Resolved() && c.ResolutionStrategy == strategy.String() && selectionsEqual(c.selections, selections) {
		return cloneConflict(c), nil
	}

	resolved, err := r.resolvePayload(c, strategy, selections)
	if err != nil {
		return nil, err
	}

	c.ResolutionStrategy = strategy.String()
	c.ResolvedPayload = resolved
	c.ResolvedAt = r.now()
	c.ResolvedBy = resolvedBy
	c.selections = selections
	r.resolvedCount++
	return cloneConflict(c), nil
}

// resolvePayload computes the resolved payload. It is a pure function of
// the conflict and the inputs, which is what makes Resolve idempotent.
func (r *ConflictResolver) resolvePayload(c *ConflictRecord, strategy ResolutionStrategy, selections map[string]FieldChoice) (map[string]any, error) {
	var resolved map[string]any

	switch strategy {
	case StrategyLastWriteWins:
		if c.LocalTimestamp > c.ServerTimestamp {
			resolved = cloneFields(c.LocalPayload)
		} else {
			resolved = cloneFields(c.ServerPayload)
		}

	case StrategyKeepLocal:
		resolved = cloneFields(c.LocalPayload)

	case StrategyKeepServer:
		resolved = cloneFields(c.ServerPayload)

	case StrategyFieldMerge:
		resolved = make(map[string]any)
		for _, diff := range c.FieldDiffs {
			switch diff.Classification {
			case FieldLocalOnly:
				setField(resolved, diff.Field, c.LocalPayload)
			case FieldRemoteOnly, FieldUnchanged:
				setField(resolved, diff.Field, c.ServerPayload)
			case FieldBoth:
				choice, ok := selections[diff.Field]
				if !ok {
					choice = r.config.DefaultFieldChoice
				}
				if choice == ChooseLocal {
					setField(resolved, diff.Field, c.LocalPayload)
				} else {
					setField(resolved, diff.Field, c.ServerPayload)
				}
			}
		}

	default:
		return nil, fmt.Errorf("unknown resolution strategy %d", strategy)
	}

	// Protected fields are server-authoritative under every strategy.
	for field := range r.protected {
		if _, inServer := c.ServerPayload[field]; inServer {
			resolved[field] = c.ServerPayload[field]
		} else {
			delete(resolved, field)
		}
	}
	return resolved, nil
}

// Pending returns unresolved conflicts, oldest first.
func (r *ConflictResolver) Pending() []*ConflictRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var pending []*ConflictRecord
	for _, c := range r.conflicts {
		if !c.Resolved() {
			pending = append(pending, cloneConflict(c))
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if !pending[i].detectedAt.Equal(pending[j].detectedAt) {
			return pending[i].detectedAt.Before(pending[j].detectedAt)
		}
		return pending[i].ID < pending[j].ID
	})
	return pending
}

// Get returns a conflict by id.
func (r *ConflictResolver) Get(id string) (*ConflictRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conflicts[id]
	if !ok {
		return nil, ErrConflictNotFound
	}
	return cloneConflict(c), nil
}

// ConflictStats summarizes resolver activity.
type ConflictStats struct {
	Detected int64 `json:"detected"`
	Resolved int64 `json:"resolved"`
	Pending  int   `json:"pending"`
}

// Stats returns current conflict statistics.
func (r *ConflictResolver) Stats() ConflictStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	pending := 0
	for _, c := range r.conflicts {
		if !c.Resolved() {
			pending++
		}
	}
	return ConflictStats{
		Detected: r.detectedCount,
		Resolved: r.resolvedCount,
		Pending:  pending,
	}
}

func setField(dst map[string]any, field string, src map[string]any) {
	if v, ok := src[field]; ok {
		dst[field] = v
	}
}

func fieldUnion(payloads ...map[string]any) []string {
	seen := make(map[string]bool)
	for _, p := range payloads {
		for k := range p {
			seen[k] = true
		}
	}
	fields := make([]string, 0, len(seen))
	for k := range seen {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	return fields
}

// valueEqual compares two payload values structurally via their JSON
// encoding, which normalizes map and slice identity.
func valueEqual(a, b any) bool {
	if a == nil && b == nil {
		return true
	}
	ab, err1 := json.Marshal(a)
	bb, err2 := json.Marshal(b)
	if err1 != nil || err2 != nil {
		return false
	}
	return string(ab) == string(bb)
}

func selectionsEqual(a, b map[string]FieldChoice) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

func cloneConflict(c *ConflictRecord) *ConflictRecord {
	cp := *c
	cp.LocalPayload = cloneFields(c.LocalPayload)
	cp.ServerPayload = cloneFields(c.ServerPayload)
	cp.BasePayload = cloneFields(c.BasePayload)
	cp.ResolvedPayload = cloneFields(c.ResolvedPayload)
	cp.FieldDiffs = append([]FieldDiff(nil), c.FieldDiffs...)
	return &cp
}
