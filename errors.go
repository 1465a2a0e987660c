package waypoint

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/hyperengineering/waypoint/internal/retryqueue"
)

// Common errors returned by the waypoint client.
var (
	// ErrNotFound is returned when an entity is not in the local store.
	ErrNotFound = errors.New("entity not found")

	// ErrStoreClosed is returned when operating on a closed store.
	ErrStoreClosed = errors.New("store is closed")

	// ErrCoreClosed is returned when dispatching on a closed sync core.
	ErrCoreClosed = errors.New("sync core is closed")

	// ErrInvalidKind is returned for an unknown entity kind.
	ErrInvalidKind = errors.New("invalid entity kind")

	// ErrInvalidEntity is returned when an entity has no id.
	ErrInvalidEntity = errors.New("entity id cannot be empty")

	// ErrOffline is returned when a remote operation is attempted without a
	// configured remote.
	ErrOffline = errors.New("operation unavailable in offline mode")

	// ErrDrainInProgress is returned when a drain is already running.
	ErrDrainInProgress = retryqueue.ErrDrainInProgress

	// ErrEntryNotFound is returned when a retry-queue entry does not exist.
	ErrEntryNotFound = retryqueue.ErrNotFound

	// ErrSuperseded is returned by ForceSync when a newer state of the same
	// entity has already been confirmed remotely.
	ErrSuperseded = errors.New("superseded by a newer sync")
)

// ValidationError is returned when configuration validation fails.
// Extractable via errors.As().
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// SyncError is returned when a remote call fails.
// Extractable via errors.As(). Supports Unwrap().
type SyncError struct {
	Operation  string
	Kind       EntityKind
	EntityID   string
	StatusCode int
	Err        error
}

func (e *SyncError) Error() string {
	if e.EntityID != "" {
		return fmt.Sprintf("sync: %s %s/%s failed (status %d): %v", e.Operation, e.Kind, e.EntityID, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("sync: %s failed (status %d): %v", e.Operation, e.StatusCode, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// Permanent reports whether retrying the same request cannot succeed
// without user action (bad payload, revoked credentials).
func (e *SyncError) Permanent() bool {
	if e.StatusCode < 400 || e.StatusCode >= 500 {
		return false
	}
	return e.StatusCode != http.StatusRequestTimeout && e.StatusCode != http.StatusTooManyRequests
}

// AuthFailure reports whether the remote rejected the credentials.
func (e *SyncError) AuthFailure() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// LocalStoreError is returned when the local store rejects a mutation.
// It is never reported as a sync error.
type LocalStoreError struct {
	Op       string
	Kind     EntityKind
	EntityID string
	Err      error
}

func (e *LocalStoreError) Error() string {
	return fmt.Sprintf("local store: %s %s/%s: %v", e.Op, e.Kind, e.EntityID, e.Err)
}

func (e *LocalStoreError) Unwrap() error { return e.Err }

// QueuePersistenceError means the retry queue could not reach its storage;
// queued writes may be at risk. Extractable via errors.As().
type QueuePersistenceError = retryqueue.PersistenceError
