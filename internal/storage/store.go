package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a record is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// ErrInvalidValue is returned by a backend that refuses a value outright.
// Retrying cannot help.
var ErrInvalidValue = errors.New("storage: invalid value")

// Store is the persistent key-value collaborator. Writes are not
// transactional across keys and may fail; callers retry through Save.
type Store interface {
	// Get returns the values present for keys. Missing keys are omitted
	// from the result rather than reported as errors.
	Get(ctx context.Context, keys ...string) (map[string][]byte, error)
	// Set writes every entry of values.
	Set(ctx context.Context, values map[string][]byte) error
	// Delete removes keys. Deleting a missing key is not an error.
	Delete(ctx context.Context, keys ...string) error
	Close() error
}

// Keys of the persisted state layout.
const (
	KeyUsage                = "usage"
	KeyEmergencyUsage       = "emergency_usage"
	KeyPolicy               = "policy"
	KeySites                = "tracked_sites"
	KeyTracking             = "tracking"
	KeySyncQueue            = "sync_queue"
	KeyNotificationState    = "notification_state"
	KeyNotificationSettings = "notification_settings"
	KeyResetHistory         = "reset_history"
	KeyResetCount           = "reset_count"
)

// StateKeys lists every key loaded at startup.
var StateKeys = []string{
	KeyUsage,
	KeyEmergencyUsage,
	KeyPolicy,
	KeySites,
	KeyTracking,
	KeySyncQueue,
	KeyNotificationState,
	KeyNotificationSettings,
	KeyResetHistory,
	KeyResetCount,
}
