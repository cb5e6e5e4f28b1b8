package scheduler

import (
	"context"
	"time"

	"github.com/wolfeidau/fieldsync/store/syncdb"
	"github.com/wolfeidau/fieldsync/telemetry"
)

// Status is the aggregated sync state exposed to operators and the UI.
type Status struct {
	Online               bool      `json:"online"`
	Preloading           bool      `json:"preloading"`
	TravelMode           bool      `json:"travelMode"`
	LastSync             time.Time `json:"lastSync,omitzero"`
	PendingInterventions int       `json:"pendingInterventions"`
	PendingMedia         int       `json:"pendingMedia"`
	FailedInterventions  int       `json:"failedInterventions"`
	StorageUsed          int64     `json:"storageUsed"`
	StorageQuota         int64     `json:"storageQuota"`
}

// Status assembles the current sync state from the store and a live
// connectivity probe.
func (s *Scheduler) Status(ctx context.Context) (*Status, error) {
	st := &Status{
		Online:     s.online(ctx),
		Preloading: s.Preloading(),
		TravelMode: s.TravelMode(ctx).Enabled,
		LastSync:   s.LastSync(ctx),
	}

	interventions, err := s.store.ListInterventionsByStatus(ctx)
	if err != nil {
		return nil, err
	}
	for _, row := range interventions {
		if row.Status == syncdb.InterventionError {
			st.FailedInterventions++
		}
	}
	st.PendingInterventions = len(interventions)

	media, err := s.store.ListMediaByStatus(ctx)
	if err != nil {
		return nil, err
	}
	st.PendingMedia = len(media)

	usage, err := s.store.EstimateUsage(ctx)
	if err != nil {
		return nil, err
	}
	st.StorageUsed = usage.Used
	st.StorageQuota = usage.Quota

	telemetry.RecordPendingQueues(ctx, st.PendingInterventions, st.PendingMedia)

	return st, nil
}
