package fieldsync

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	// SQLite driver using pure Go implementation
	_ "modernc.org/sqlite"
)

// SQLiteStoreConfig configures the SQLite mutation store.
type SQLiteStoreConfig struct {
	// Path to the SQLite database file
	Path string `json:"path" yaml:"path"`

	// JournalMode sets the SQLite journal mode (WAL, DELETE, TRUNCATE, etc.)
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`

	// Synchronous sets the synchronous flag (OFF, NORMAL, FULL, EXTRA)
	Synchronous string `json:"synchronous" yaml:"synchronous"`

	// BusyTimeout is the timeout for acquiring locks in milliseconds
	BusyTimeout int `json:"busy_timeout" yaml:"busy_timeout"`

	// MaxConnections is the max number of database connections
	MaxConnections int `json:"max_connections" yaml:"max_connections"`
}

// DefaultSQLiteStoreConfig returns default configuration.
func DefaultSQLiteStoreConfig() SQLiteStoreConfig {
	return SQLiteStoreConfig{
		Path:           "fieldsync.db",
		JournalMode:    "WAL",
		Synchronous:    "NORMAL",
		BusyTimeout:    5000,
		MaxConnections: 4,
	}
}

// SQLiteMutationStore implements MutationStore on SQLite. Durability comes
// from the database itself: a restart restores the exact pending/backoff
// state, with any interrupted in-flight records returned to pending.
type SQLiteMutationStore struct {
	db     *sql.DB
	config SQLiteStoreConfig
}

// NewSQLiteMutationStore opens (or creates) the mutation database.
func NewSQLiteMutationStore(config SQLiteStoreConfig) (*SQLiteMutationStore, error) {
	if config.Path == "" {
		config.Path = "fieldsync.db"
	}
	if config.JournalMode == "" {
		config.JournalMode = "WAL"
	}
	if config.Synchronous == "" {
		config.Synchronous = "NORMAL"
	}
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = 5000
	}
	if config.MaxConnections <= 0 {
		config.MaxConnections = 4
	}

	dsn := fmt.Sprintf("%s?_journal_mode=%s&_synchronous=%s&_busy_timeout=%d",
		config.Path, config.JournalMode, config.Synchronous, config.BusyTimeout)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxConnections)

	s := &SQLiteMutationStore{db: db, config: config}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	// Nothing can still be in flight after a restart.
	if _, err := db.Exec(
		`UPDATE mutations SET status = ?, updated_at = ? WHERE status = ?`,
		int(StatusPending), time.Now().UnixNano(), int(StatusInFlight)); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to requeue in-flight records: %w", err)
	}

	return s, nil
}

func (s *SQLiteMutationStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS mutations (
		id             TEXT PRIMARY KEY,
		entity_type    TEXT NOT NULL,
		entity_id      TEXT NOT NULL,
		operation      INTEGER NOT NULL,
		payload        TEXT,
		base_payload   TEXT,
		base_timestamp INTEGER NOT NULL,
		priority       INTEGER NOT NULL,
		size_bytes     INTEGER NOT NULL,
		created_at     INTEGER NOT NULL,
		updated_at     INTEGER NOT NULL,
		status         INTEGER NOT NULL,
		retry_count    INTEGER NOT NULL DEFAULT 0,
		backoff_until  INTEGER NOT NULL DEFAULT 0,
		last_error     TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_mutations_status ON mutations(status);
	CREATE INDEX IF NOT EXISTS idx_mutations_entity ON mutations(entity_type, entity_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Append implements MutationStore.
func (s *SQLiteMutationStore) Append(m *MutationRecord) (*MutationRecord, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	existing, err := s.findPendingTx(tx, m.EntityType, m.EntityID)
	if err != nil {
		return nil, err
	}

	var survivor *MutationRecord
	if existing == nil {
		survivor = m.Clone()
		if survivor.UpdatedAt.IsZero() {
			survivor.UpdatedAt = survivor.CreatedAt
		}
		if err := s.insertTx(tx, survivor); err != nil {
			return nil, err
		}
	} else {
		var cancelled bool
		survivor, cancelled = coalesce(existing, m)
		if cancelled {
			if _, err := tx.Exec(`DELETE FROM mutations WHERE id = ?`, existing.ID); err != nil {
				return nil, err
			}
			if err := tx.Commit(); err != nil {
				return nil, err
			}
			return nil, nil
		}
		if err := s.updateTx(tx, survivor); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return survivor.Clone(), nil
}

// Get implements MutationStore.
func (s *SQLiteMutationStore) Get(id string) (*MutationRecord, error) {
	row := s.db.QueryRow(selectColumns+` FROM mutations m WHERE m.id = ?`, id)
	m, err := scanMutation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	return m, err
}

// SelectPending implements MutationStore.
func (s *SQLiteMutationStore) SelectPending(now time.Time) ([]*MutationRecord, error) {
	rows, err := s.db.Query(selectColumns+` FROM mutations m
		WHERE m.status = ? AND m.backoff_until <= ?
		AND NOT EXISTS (
			SELECT 1 FROM mutations f
			WHERE f.status = ? AND f.entity_type = m.entity_type AND f.entity_id = m.entity_id
		)
		ORDER BY m.created_at, m.entity_id`,
		int(StatusPending), now.UnixNano(), int(StatusInFlight))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*MutationRecord
	for rows.Next() {
		m, err := scanMutation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

// MarkInFlight implements MutationStore.
func (s *SQLiteMutationStore) MarkInFlight(id string) (bool, error) {
	return s.cas(`UPDATE mutations SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		int(StatusInFlight), time.Now().UnixNano(), id, int(StatusPending))
}

// MarkCompleted implements MutationStore.
func (s *SQLiteMutationStore) MarkCompleted(id string, serverFields map[string]any) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`UPDATE mutations SET status = ?, last_error = '', updated_at = ? WHERE id = ? AND status = ?`,
		int(StatusCompleted), time.Now().UnixNano(), id, int(StatusInFlight))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, tx.Commit()
	}

	if len(serverFields) > 0 {
		m, err := s.getTx(tx, id)
		if err != nil {
			return false, err
		}
		if m.Payload == nil {
			m.Payload = make(map[string]any, len(serverFields))
		}
		for k, v := range serverFields {
			m.Payload[k] = v
		}
		m.SizeBytes = payloadSize(m.Payload)
		if err := s.updateTx(tx, m); err != nil {
			return false, err
		}
	}
	return true, tx.Commit()
}

// MarkConflict implements MutationStore.
func (s *SQLiteMutationStore) MarkConflict(id string) (bool, error) {
	return s.cas(`UPDATE mutations SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		int(StatusConflict), time.Now().UnixNano(), id, int(StatusInFlight))
}

// MarkFailedTransient implements MutationStore.
func (s *SQLiteMutationStore) MarkFailedTransient(id string, backoffUntil time.Time, cause error) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`UPDATE mutations
		SET status = ?, retry_count = retry_count + 1, backoff_until = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		int(StatusPending), backoffUntil.UnixNano(), errString(cause), time.Now().UnixNano(),
		id, int(StatusInFlight))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, tx.Commit()
	}

	// An edit for the same entity may have arrived as a separate record
	// while this one was in flight. Fold the pair so the entity never has
	// two selectable records and the stale payload is never retransmitted.
	requeued, err := s.getTx(tx, id)
	if err != nil {
		return false, err
	}
	newer, err := s.findPendingSiblingTx(tx, requeued)
	if err != nil {
		return false, err
	}
	if newer != nil {
		survivor, cancelled := coalesce(requeued, newer)
		if _, err := tx.Exec(`DELETE FROM mutations WHERE id = ?`, newer.ID); err != nil {
			return false, err
		}
		if cancelled {
			if _, err := tx.Exec(`DELETE FROM mutations WHERE id = ?`, requeued.ID); err != nil {
				return false, err
			}
		} else if err := s.updateTx(tx, survivor); err != nil {
			return false, err
		}
	}
	return true, tx.Commit()
}

// MarkFailedPermanent implements MutationStore.
func (s *SQLiteMutationStore) MarkFailedPermanent(id string, cause error) (bool, error) {
	return s.cas(`UPDATE mutations SET status = ?, last_error = ?, updated_at = ? WHERE id = ? AND status = ?`,
		int(StatusFailed), errString(cause), time.Now().UnixNano(), id, int(StatusInFlight))
}

// MarkResolved implements MutationStore.
func (s *SQLiteMutationStore) MarkResolved(id string) (bool, error) {
	return s.cas(`UPDATE mutations SET status = ?, last_error = '', updated_at = ? WHERE id = ? AND status = ?`,
		int(StatusCompleted), time.Now().UnixNano(), id, int(StatusConflict))
}

// MarkQuarantined implements MutationStore.
func (s *SQLiteMutationStore) MarkQuarantined(id string, cause error) (bool, error) {
	return s.cas(`UPDATE mutations SET status = ?, last_error = ?, updated_at = ? WHERE id = ? AND status IN (?, ?, ?)`,
		int(StatusQuarantined), errString(cause), time.Now().UnixNano(), id,
		int(StatusPending), int(StatusInFlight), int(StatusConflict))
}

// RequeueStale implements MutationStore.
func (s *SQLiteMutationStore) RequeueStale(cutoff time.Time) (int, error) {
	res, err := s.db.Exec(`UPDATE mutations SET status = ?, updated_at = ? WHERE status = ? AND updated_at < ?`,
		int(StatusPending), time.Now().UnixNano(), int(StatusInFlight), cutoff.UnixNano())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// CountByStatus implements MutationStore.
func (s *SQLiteMutationStore) CountByStatus() (map[MutationStatus]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM mutations GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[MutationStatus]int)
	for rows.Next() {
		var status, count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[MutationStatus(status)] = count
	}
	return counts, rows.Err()
}

// Close closes the database.
func (s *SQLiteMutationStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteMutationStore) cas(query string, args ...any) (bool, error) {
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

const selectColumns = `SELECT m.id, m.entity_type, m.entity_id, m.operation, m.payload, m.base_payload,
	m.base_timestamp, m.priority, m.size_bytes, m.created_at, m.updated_at, m.status,
	m.retry_count, m.backoff_until, m.last_error`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMutation(row rowScanner) (*MutationRecord, error) {
	var (
		m                    MutationRecord
		op, priority, status int
		payload, basePayload sql.NullString
		created, updated     int64
		backoffUntil         int64
		lastErr              sql.NullString
	)
	err := row.Scan(&m.ID, &m.EntityType, &m.EntityID, &op, &payload, &basePayload,
		&m.BaseTimestamp, &priority, &m.SizeBytes, &created, &updated, &status,
		&m.RetryCount, &backoffUntil, &lastErr)
	if err != nil {
		return nil, err
	}

	m.Operation = Operation(op)
	m.Priority = PriorityClass(priority)
	m.Status = MutationStatus(status)
	m.CreatedAt = time.Unix(0, created)
	m.UpdatedAt = time.Unix(0, updated)
	if backoffUntil > 0 {
		m.BackoffUntil = time.Unix(0, backoffUntil)
	}
	m.LastError = lastErr.String

	if payload.Valid && payload.String != "" {
		if err := json.Unmarshal([]byte(payload.String), &m.Payload); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrCorruptRecord, m.ID, err)
		}
	}
	if basePayload.Valid && basePayload.String != "" {
		if err := json.Unmarshal([]byte(basePayload.String), &m.BasePayload); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrCorruptRecord, m.ID, err)
		}
	}
	return &m, nil
}

func (s *SQLiteMutationStore) getTx(tx *sql.Tx, id string) (*MutationRecord, error) {
	row := tx.QueryRow(selectColumns+` FROM mutations m WHERE m.id = ?`, id)
	m, err := scanMutation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	return m, err
}

// findPendingSiblingTx returns the newest other pending record for r's
// entity, or nil.
func (s *SQLiteMutationStore) findPendingSiblingTx(tx *sql.Tx, r *MutationRecord) (*MutationRecord, error) {
	row := tx.QueryRow(selectColumns+` FROM mutations m
		WHERE m.status = ? AND m.entity_type = ? AND m.entity_id = ? AND m.id != ?
		ORDER BY m.created_at DESC LIMIT 1`,
		int(StatusPending), r.EntityType, r.EntityID, r.ID)
	m, err := scanMutation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

func (s *SQLiteMutationStore) findPendingTx(tx *sql.Tx, entityType, entityID string) (*MutationRecord, error) {
	row := tx.QueryRow(selectColumns+` FROM mutations m
		WHERE m.status = ? AND m.entity_type = ? AND m.entity_id = ?
		ORDER BY m.created_at LIMIT 1`,
		int(StatusPending), entityType, entityID)
	m, err := scanMutation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

func (s *SQLiteMutationStore) insertTx(tx *sql.Tx, m *MutationRecord) error {
	payload, basePayload, err := marshalPayloads(m)
	if err != nil {
		return err
	}
	_, err = tx.Exec(`INSERT INTO mutations
		(id, entity_type, entity_id, operation, payload, base_payload, base_timestamp,
		 priority, size_bytes, created_at, updated_at, status, retry_count, backoff_until, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.EntityType, m.EntityID, int(m.Operation), payload, basePayload, m.BaseTimestamp,
		int(m.Priority), m.SizeBytes, m.CreatedAt.UnixNano(), m.UpdatedAt.UnixNano(),
		int(m.Status), m.RetryCount, backoffNano(m.BackoffUntil), m.LastError)
	return err
}

func (s *SQLiteMutationStore) updateTx(tx *sql.Tx, m *MutationRecord) error {
	payload, basePayload, err := marshalPayloads(m)
	if err != nil {
		return err
	}
	_, err = tx.Exec(`UPDATE mutations SET
		operation = ?, payload = ?, base_payload = ?, priority = ?, size_bytes = ?, updated_at = ?
		WHERE id = ?`,
		int(m.Operation), payload, basePayload, int(m.Priority), m.SizeBytes,
		m.UpdatedAt.UnixNano(), m.ID)
	return err
}

func marshalPayloads(m *MutationRecord) (string, string, error) {
	var payload, basePayload string
	if m.Payload != nil {
		data, err := json.Marshal(m.Payload)
		if err != nil {
			return "", "", err
		}
		payload = string(data)
	}
	if m.BasePayload != nil {
		data, err := json.Marshal(m.BasePayload)
		if err != nil {
			return "", "", err
		}
		basePayload = string(data)
	}
	return payload, basePayload, nil
}

func backoffNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
