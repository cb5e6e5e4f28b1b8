// Package syncdb provides durable local storage for the sync gateway using bbolt.
package syncdb

import (
	"encoding/json"
	"time"
)

// InterventionStatus is the lifecycle state of a queued intervention.
//
// Transitions: offline -> syncing -> {synced, error}. The error state is
// terminal for the automatic path; it re-enters offline only through an
// explicit user retry.
type InterventionStatus string

const (
	InterventionOffline InterventionStatus = "offline"
	InterventionSyncing InterventionStatus = "syncing"
	InterventionSynced  InterventionStatus = "synced"
	InterventionError   InterventionStatus = "error"
)

// MediaStatus is the lifecycle state of a queued media capture.
//
// Transitions: pending -> uploading -> {uploaded, error}. Unlike
// interventions, error is retryable automatically on the next flush.
type MediaStatus string

const (
	MediaPending   MediaStatus = "pending"
	MediaUploading MediaStatus = "uploading"
	MediaUploaded  MediaStatus = "uploaded"
	MediaError     MediaStatus = "error"
)

// MediaKind identifies the type of a captured media item.
type MediaKind string

const (
	MediaPhoto     MediaKind = "photo"
	MediaSignature MediaKind = "signature"
	MediaDocument  MediaKind = "document"
)

// GeoTag is an optional capture location.
type GeoTag struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// PendingIntervention is a user-originated intervention edit held locally
// until the flush routine confirms it with the server. At most one row
// exists per ID (upsert semantics).
type PendingIntervention struct {
	ID           int64              `json:"id"`
	Snapshot     json.RawMessage    `json:"snapshot"`
	Status       InterventionStatus `json:"status"`
	CreatedAt    time.Time          `json:"created_at"`
	LastModified time.Time          `json:"last_modified"`
}

// PendingMedia is a captured photo, signature or document awaiting upload.
// The ID is generated client-side since there is no server round-trip at
// capture time. Timestamp is the capture time and never changes after
// creation; status transitions stamp LastModified.
type PendingMedia struct {
	ID             string      `json:"id"`
	InterventionID int64       `json:"intervention_id"`
	Blob           []byte      `json:"blob"`
	Kind           MediaKind   `json:"kind"`
	Description    string      `json:"description,omitempty"`
	GeoTag         *GeoTag     `json:"geo_tag,omitempty"`
	Status         MediaStatus `json:"status"`
	Timestamp      time.Time   `json:"timestamp"`
	LastModified   time.Time   `json:"last_modified"`
}

// SyncResult records the outcome of one preload, refresh, flush or
// travel-mode task. Results are returned to callers and appended to the
// bounded audit log.
type SyncResult struct {
	Entity    string    `json:"entity"`
	Success   bool      `json:"success"`
	Count     int       `json:"count"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Usage reports storage accounting for the local database.
type Usage struct {
	Used  int64 `json:"used"`
	Quota int64 `json:"quota"`
}
