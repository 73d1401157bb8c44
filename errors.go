package fieldsync

import (
	"errors"
	"fmt"
)

// Common sentinel errors for the fieldsync package.
var (
	// ErrStoreClosed is returned when operations are attempted on a closed
	// mutation store.
	ErrStoreClosed = errors.New("mutation store is closed")

	// ErrRecordNotFound is returned when a mutation id is unknown.
	ErrRecordNotFound = errors.New("mutation record not found")

	// ErrOffline is returned when a cycle cannot start because the network
	// is unreachable.
	ErrOffline = errors.New("network offline")

	// ErrSyncInProgress is returned when a manual sync is requested while a
	// cycle is already draining.
	ErrSyncInProgress = errors.New("sync already in progress")

	// ErrConflictNotFound is returned when resolving an unknown conflict.
	ErrConflictNotFound = errors.New("conflict record not found")

	// ErrCorruptRecord is returned when a mutation fails integrity checks
	// and must be quarantined.
	ErrCorruptRecord = errors.New("corrupt mutation record")
)

// SyncErrorType categorizes transmission and processing failures.
type SyncErrorType int

const (
	// SyncErrorTransient indicates a timeout or 5xx-equivalent failure that
	// should be retried with backoff.
	SyncErrorTransient SyncErrorType = iota
	// SyncErrorConflict indicates the server state diverged from the
	// mutation's base; routed to the conflict resolver.
	SyncErrorConflict
	// SyncErrorValidation indicates the server rejected the payload as
	// malformed; retrying repeats an identical rejection.
	SyncErrorValidation
	// SyncErrorFatalLocal indicates a corrupted local record that must be
	// quarantined.
	SyncErrorFatalLocal
)

func (t SyncErrorType) String() string {
	switch t {
	case SyncErrorTransient:
		return "transient"
	case SyncErrorConflict:
		return "conflict"
	case SyncErrorValidation:
		return "validation"
	case SyncErrorFatalLocal:
		return "fatal_local"
	default:
		return "unknown"
	}
}

// SyncError attaches a failure to its originating mutation so the UI can
// present per-item status rather than only a cycle-level failure.
type SyncError struct {
	Type       SyncErrorType
	Code       string
	Message    string
	MutationID string
	Cause      error
}

func (e *SyncError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Type.String() + " error"
	}
	if e.MutationID != "" {
		msg = fmt.Sprintf("%s [mutation %s]", msg, e.MutationID)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *SyncError) Unwrap() error {
	return e.Cause
}

// Is implements error matching for SyncError.
func (e *SyncError) Is(target error) bool {
	if e.Type == SyncErrorFatalLocal {
		return target == ErrCorruptRecord
	}
	return false
}

// Retryable reports whether the error should be retried with backoff.
func (e *SyncError) Retryable() bool {
	return e.Type == SyncErrorTransient
}

func newSyncError(errType SyncErrorType, code, message, mutationID string, cause error) *SyncError {
	return &SyncError{
		Type:       errType,
		Code:       code,
		Message:    message,
		MutationID: mutationID,
		Cause:      cause,
	}
}

// IsRetryableError reports whether err is a transient sync failure.
func IsRetryableError(err error) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	return false
}
