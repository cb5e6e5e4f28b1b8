package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/wolfeidau/fieldsync/fleetapi"
	"github.com/wolfeidau/fieldsync/store/syncdb"
	"github.com/wolfeidau/fieldsync/telemetry"
)

// FlushPending pushes queued interventions as one batch, then uploads
// queued media one at a time. Rows the server confirmed are deleted; rows
// that failed are parked in the error state. Failed interventions wait for
// an explicit retry, failed media re-enter the next flush automatically.
func (s *Scheduler) FlushPending(ctx context.Context) ([]syncdb.SyncResult, error) {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	var results []syncdb.SyncResult

	if res, err := s.flushInterventions(ctx); err != nil {
		return results, err
	} else if res != nil {
		results = append(results, *res)
	}

	mediaResults, err := s.flushMedia(ctx)
	results = append(results, mediaResults...)
	if err != nil {
		return results, err
	}

	s.recordPending(ctx)

	for _, res := range results {
		if auditErr := s.store.AppendAudit(ctx, res); auditErr != nil {
			s.logger.Warn("recording flush audit", "error", auditErr)
		}
	}

	return results, nil
}

// flushInterventions sends every offline intervention in a single batch.
// The batch transitions offline -> syncing before the request, then
// syncing -> synced (and deletion) or syncing -> error depending on the
// outcome. The whole batch shares one fate; the server applies it
// atomically.
func (s *Scheduler) flushInterventions(ctx context.Context) (*syncdb.SyncResult, error) {
	// No push is in flight while flushMu is held, so any row still in
	// syncing was stranded by a crash or an aborted flush. Re-queue it.
	stranded, err := s.store.ListInterventionsByStatus(ctx, syncdb.InterventionSyncing)
	if err != nil {
		return nil, fmt.Errorf("listing stranded interventions: %w", err)
	}
	for _, row := range stranded {
		s.logger.Warn("re-queuing intervention stranded mid-sync", "id", row.ID)
		if err := s.store.UpdateInterventionStatus(ctx, row.ID, syncdb.InterventionOffline); err != nil {
			return nil, fmt.Errorf("re-queuing intervention %d: %w", row.ID, err)
		}
	}

	rows, err := s.store.ListInterventionsByStatus(ctx, syncdb.InterventionOffline)
	if err != nil {
		return nil, fmt.Errorf("listing pending interventions: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	snapshots := make([]json.RawMessage, 0, len(rows))
	for _, row := range rows {
		if err := s.store.UpdateInterventionStatus(ctx, row.ID, syncdb.InterventionSyncing); err != nil {
			return nil, fmt.Errorf("marking intervention %d syncing: %w", row.ID, err)
		}
		snapshots = append(snapshots, json.RawMessage(row.Snapshot))
	}

	res := syncdb.SyncResult{Entity: "interventions", Count: len(rows), Timestamp: s.now()}

	pushErr := s.client.PushInterventions(ctx, snapshots, s.LastSync(ctx))
	if pushErr != nil {
		s.logger.Warn("intervention batch push failed", "count", len(rows), "error", pushErr)
		for _, row := range rows {
			if err := s.store.UpdateInterventionStatus(ctx, row.ID, syncdb.InterventionError); err != nil {
				s.logger.Warn("marking intervention failed", "id", row.ID, "error", err)
			}
		}
		res.Error = pushErr.Error()
		telemetry.RecordSyncTask(ctx, "flush", "interventions", false)
		return &res, nil
	}

	for _, row := range rows {
		if err := s.store.UpdateInterventionStatus(ctx, row.ID, syncdb.InterventionSynced); err != nil {
			s.logger.Warn("marking intervention synced", "id", row.ID, "error", err)
			continue
		}
		if err := s.store.DeleteIntervention(ctx, row.ID); err != nil {
			s.logger.Warn("removing synced intervention", "id", row.ID, "error", err)
		}
	}

	s.setLastSync(ctx, s.now())

	res.Success = true
	telemetry.RecordSyncTask(ctx, "flush", "interventions", true)
	s.logger.Info("intervention batch pushed", "count", len(rows))

	return &res, nil
}

// flushMedia uploads queued media strictly sequentially, oldest first.
// One item failing does not stop the rest; the failed row parks in the
// error state and re-enters the next flush.
func (s *Scheduler) flushMedia(ctx context.Context) ([]syncdb.SyncResult, error) {
	// Uploading rows can only be strays from a crashed flush while flushMu
	// is held, so they re-enter the queue alongside pending and error.
	rows, err := s.store.ListMediaByStatus(ctx, syncdb.MediaPending, syncdb.MediaError, syncdb.MediaUploading)
	if err != nil {
		return nil, fmt.Errorf("listing pending media: %w", err)
	}

	// Rows come back in key order; upload in capture order instead.
	slices.SortFunc(rows, func(a, b *syncdb.PendingMedia) int {
		return a.Timestamp.Compare(b.Timestamp)
	})

	var results []syncdb.SyncResult
	for _, row := range rows {
		results = append(results, s.uploadMedia(ctx, row))
	}
	return results, nil
}

func (s *Scheduler) uploadMedia(ctx context.Context, row *syncdb.PendingMedia) syncdb.SyncResult {
	res := syncdb.SyncResult{Entity: "media", Count: 1, Timestamp: s.now()}

	if err := s.store.UpdateMediaStatus(ctx, row.ID, syncdb.MediaUploading); err != nil {
		res.Error = err.Error()
		return res
	}

	upload := &fleetapi.MediaUpload{
		InterventionID: row.InterventionID,
		FileName:       row.ID,
		Kind:           string(row.Kind),
		Description:    row.Description,
		Blob:           row.Blob,
	}
	if row.GeoTag != nil {
		upload.Latitude = &row.GeoTag.Lat
		upload.Longitude = &row.GeoTag.Lon
	}

	start := s.now()
	err := s.client.UploadMedia(ctx, upload)
	telemetry.RecordMediaUpload(ctx, string(row.Kind), s.now().Sub(start), err == nil)

	if err != nil {
		s.logger.Warn("media upload failed", "id", row.ID, "intervention", row.InterventionID, "error", err)
		if statusErr := s.store.UpdateMediaStatus(ctx, row.ID, syncdb.MediaError); statusErr != nil {
			s.logger.Warn("marking media failed", "id", row.ID, "error", statusErr)
		}
		res.Error = err.Error()
		return res
	}

	if err := s.store.UpdateMediaStatus(ctx, row.ID, syncdb.MediaUploaded); err != nil {
		s.logger.Warn("marking media uploaded", "id", row.ID, "error", err)
	}
	if err := s.store.DeleteMedia(ctx, row.ID); err != nil {
		s.logger.Warn("removing uploaded media", "id", row.ID, "error", err)
	}

	res.Success = true
	return res
}

// recordPending refreshes the pending-queue gauges.
func (s *Scheduler) recordPending(ctx context.Context) {
	interventions, err := s.store.ListInterventionsByStatus(ctx)
	if err != nil {
		return
	}
	media, err := s.store.ListMediaByStatus(ctx)
	if err != nil {
		return
	}
	telemetry.RecordPendingQueues(ctx, len(interventions), len(media))
}
