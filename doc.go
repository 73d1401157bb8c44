// Package fieldsync provides an offline-first synchronization engine for
// field-operations applications on intermittently connected devices.
//
// Local edits are captured as durable mutation records, coalesced per
// entity, batched by priority and measured network quality, transmitted to
// a remote data service, and reconciled item by item, with divergence
// parked as conflicts for interactive or automatic resolution.
//
// # Basic Usage
//
// Assemble an engine from configuration and start background sync:
//
//	cfg := fieldsync.DefaultConfig()
//	cfg.Remote.Endpoint = "https://api.example.com"
//
//	engine, err := fieldsync.NewSyncEngine(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	engine.Start()
//	defer engine.Stop()
//
// Record local edits; they are transmitted in the background:
//
//	rec, err := engine.EnqueueMutation("work_order", "wo-182", fieldsync.OpUpdate,
//	    map[string]any{"status": "closed"},
//	    map[string]any{"status": "open"},
//	    baseTimestamp, fieldsync.PriorityHigh)
//
// Resolve a conflict surfaced to the UI:
//
//	for _, c := range engine.PendingConflicts() {
//	    _, err := engine.ResolveConflict(c.ID, fieldsync.StrategyFieldMerge,
//	        map[string]fieldsync.FieldChoice{"notes": fieldsync.ChooseLocal}, "jsmith")
//	}
//
// # Features
//
// Local Queue:
//   - Durable mutation store with per-entity coalescing
//   - Memory backend with checksum-verified snapshot, or SQLite backend
//   - Snapshot encryption at rest (AES-256-GCM)
//   - Compare-and-set status transitions; restart returns in-flight work
//     to pending
//
// Transmission:
//   - Priority-ordered batching with byte and item limits
//   - Network probing with classification-driven adaptive batch sizing
//   - Exponential per-mutation backoff with a hard cap
//   - Snappy-compressed HTTP transport with a circuit breaker
//
// Conflicts:
//   - Base-vs-server divergence detection with field-level classification
//   - Last-write-wins, field-merge, keep-local, and keep-server strategies
//   - Server-authoritative protected fields under every strategy
//   - Idempotent resolution with an audit record
//
// Integration:
//   - Sync progress events in process and over WebSocket
//   - Local HTTP control API
//   - Per-cycle telemetry to an S3-compatible analytics store
//
// # Configuration
//
// Use [Config] to customize behavior, or [LoadConfig] to read it from a
// YAML file. [DefaultConfig] provides sensible defaults.
package fieldsync
