package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/wolfeidau/fieldsync/fleetapi"
	"github.com/wolfeidau/fieldsync/store/syncdb"
	"github.com/wolfeidau/fieldsync/telemetry"
)

// preloadOrder fixes the reporting order of the fan-out. The fetches
// themselves run concurrently.
var preloadOrder = []string{
	fleetapi.EntityVehicles,
	fleetapi.EntityContacts,
	fleetapi.EntityAnomalies,
	fleetapi.EntityMachines,
	fleetapi.EntityRecentInterventions,
}

// Preload fetches every enabled reference entity and caches the result.
// Each entity fails or succeeds independently. If a preload is already
// running, the call returns immediately with no results rather than
// stacking a duplicate run.
func (s *Scheduler) Preload(ctx context.Context) ([]syncdb.SyncResult, error) {
	if !s.beginPreload() {
		s.logger.Debug("preload already in progress, skipping")
		return nil, nil
	}
	defer s.endPreload()

	policy := s.Policy(ctx)
	if !policy.Enabled {
		s.logger.Info("preload disabled by policy")
		return nil, nil
	}

	s.logger.Info("preload starting")

	results := make([]syncdb.SyncResult, len(preloadOrder))

	var wg sync.WaitGroup
	for i, entity := range preloadOrder {
		if !policy.wants(entity) {
			results[i] = syncdb.SyncResult{Entity: entity, Success: true, Timestamp: s.now()}
			continue
		}

		wg.Add(1)
		go func(i int, entity string) {
			defer wg.Done()
			results[i] = s.refreshEntity(ctx, entity, policy.limit(entity))
		}(i, entity)
	}
	wg.Wait()

	for _, res := range results {
		if err := s.store.AppendAudit(ctx, res); err != nil {
			s.logger.Warn("recording preload audit", "error", err)
		}
		telemetry.RecordSyncTask(ctx, "preload", res.Entity, res.Success)
	}

	s.setLastSync(ctx, s.now())
	s.logger.Info("preload complete", "entities", len(results))

	return results, nil
}

// refreshEntity fetches one entity list and stores it under the entity
// namespace. The server may suggest a TTL via cacheExpiry; otherwise the
// stock API TTL applies.
func (s *Scheduler) refreshEntity(ctx context.Context, entity string, limit int) syncdb.SyncResult {
	res := syncdb.SyncResult{Entity: entity, Timestamp: s.now()}

	page, err := s.client.FetchList(ctx, entity, limit)
	if err != nil {
		s.logger.Warn("entity fetch failed", "entity", entity, "error", err)
		res.Error = err.Error()
		return res
	}

	raw, err := json.Marshal(page)
	if err != nil {
		res.Error = err.Error()
		return res
	}

	ttl := entityTTL
	if page.CacheExpiry > 0 {
		ttl = time.Duration(page.CacheExpiry) * time.Millisecond
	}

	if err := s.store.PutCached(ctx, nsEntity, entity, raw, ttl); err != nil {
		s.logger.Warn("caching entity list", "entity", entity, "error", err)
		res.Error = err.Error()
		return res
	}

	res.Success = true
	res.Count = page.Count
	return res
}

// refreshEntities runs the per-entity refresh sequentially, used by the
// background cycle where there is no user waiting.
func (s *Scheduler) refreshEntities(ctx context.Context, policy PreloadPolicy) {
	for _, entity := range preloadOrder {
		if !policy.wants(entity) {
			continue
		}
		res := s.refreshEntity(ctx, entity, policy.limit(entity))
		telemetry.RecordSyncTask(ctx, "refresh", entity, res.Success)
	}
}
