// Package fleetapi provides the client for the upstream fleet-maintenance API.
package fleetapi

import (
	"encoding/json"
	"time"
)

// Entity names recognised by the list endpoints.
const (
	EntityVehicles            = "vehicles"
	EntityContacts            = "contacts"
	EntityAnomalies           = "anomalies"
	EntityMachines            = "machines"
	EntityRecentInterventions = "recent_interventions"
)

// EntityPage is the response shape of the list and geography endpoints.
// CacheExpiry, when set, is a server-suggested TTL in milliseconds.
type EntityPage struct {
	Data        []json.RawMessage `json:"data"`
	Count       int               `json:"count"`
	CacheExpiry int64             `json:"cacheExpiry,omitempty"`
}

// SyncBatch is the request body for the intervention sync endpoint.
// LastSync lets the server compute a delta against its own change log.
type SyncBatch struct {
	Interventions []json.RawMessage `json:"interventions"`
	LastSync      time.Time         `json:"lastSync"`
}

// MediaUpload describes one media item for the multipart upload endpoint.
type MediaUpload struct {
	InterventionID int64
	FileName       string
	Kind           string
	Description    string
	Blob           []byte
	Latitude       *float64
	Longitude      *float64
}
