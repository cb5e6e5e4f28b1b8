package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/wolfeidau/fieldsync/fleetapi"
	"github.com/wolfeidau/fieldsync/store/syncdb"
	"github.com/wolfeidau/fieldsync/telemetry"
)

// EnableTravelMode persists the travel configuration and prefetches the
// pinned vehicles, contacts and geographic area with extended TTLs so
// they survive a multi-day trip without connectivity. Each target fails
// independently; a vehicle that cannot be fetched does not stop the rest.
func (s *Scheduler) EnableTravelMode(ctx context.Context, cfg TravelModeConfig) ([]syncdb.SyncResult, error) {
	cfg.Enabled = true
	if err := s.saveTravelMode(ctx, cfg); err != nil {
		return nil, fmt.Errorf("saving travel config: %w", err)
	}

	s.logger.Info("travel mode enabled",
		"vehicles", len(cfg.VehicleIDs),
		"contacts", len(cfg.ContactIDs),
		"geo_radius_km", cfg.GeoRadiusKm)

	ttl := cfg.detailTTL()

	var results []syncdb.SyncResult
	for _, id := range cfg.VehicleIDs {
		results = append(results, s.prefetchVehicle(ctx, id, ttl))
	}
	for _, id := range cfg.ContactIDs {
		results = append(results, s.prefetchContact(ctx, id, ttl))
	}
	if cfg.GeoRadiusKm > 0 {
		results = append(results, s.prefetchGeography(ctx, cfg))
	}

	for _, res := range results {
		if err := s.store.AppendAudit(ctx, res); err != nil {
			s.logger.Warn("recording travel audit", "error", err)
		}
		telemetry.RecordSyncTask(ctx, "travel", res.Entity, res.Success)
	}

	return results, nil
}

// DisableTravelMode flips the flag off. Prefetched rows stay in the cache
// until their TTLs expire; there is no point evicting data the driver may
// still be standing next to.
func (s *Scheduler) DisableTravelMode(ctx context.Context) error {
	cfg := s.TravelMode(ctx)
	cfg.Enabled = false
	if err := s.saveTravelMode(ctx, cfg); err != nil {
		return fmt.Errorf("saving travel config: %w", err)
	}
	s.logger.Info("travel mode disabled")
	return nil
}

// prefetchVehicle caches the vehicle detail and its intervention history
// under the travel namespace, keyed so offline reads can address a
// specific vehicle directly.
func (s *Scheduler) prefetchVehicle(ctx context.Context, id int64, ttl time.Duration) syncdb.SyncResult {
	key := fmt.Sprintf("vehicle_%d", id)
	res := syncdb.SyncResult{Entity: key, Timestamp: s.now()}

	detail, err := s.client.FetchDetail(ctx, fleetapi.EntityVehicles, id)
	if err != nil {
		s.logger.Warn("travel prefetch failed", "vehicle", id, "error", err)
		res.Error = err.Error()
		return res
	}
	if err := s.store.PutCached(ctx, nsTravel, key, detail, ttl); err != nil {
		res.Error = err.Error()
		return res
	}
	res.Count++

	history, err := s.client.FetchChildren(ctx, fleetapi.EntityVehicles, id)
	if err != nil {
		s.logger.Warn("travel history prefetch failed", "vehicle", id, "error", err)
		res.Error = err.Error()
		return res
	}
	raw, err := json.Marshal(history)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	if err := s.store.PutCached(ctx, nsTravel, key+"_interventions", raw, ttl); err != nil {
		res.Error = err.Error()
		return res
	}
	res.Count += history.Count

	res.Success = true
	return res
}

func (s *Scheduler) prefetchContact(ctx context.Context, id int64, ttl time.Duration) syncdb.SyncResult {
	key := fmt.Sprintf("contact_%d", id)
	res := syncdb.SyncResult{Entity: key, Timestamp: s.now()}

	detail, err := s.client.FetchDetail(ctx, fleetapi.EntityContacts, id)
	if err != nil {
		s.logger.Warn("travel prefetch failed", "contact", id, "error", err)
		res.Error = err.Error()
		return res
	}
	if err := s.store.PutCached(ctx, nsTravel, key, detail, ttl); err != nil {
		res.Error = err.Error()
		return res
	}

	res.Success = true
	res.Count = 1
	return res
}

// prefetchGeography caches every entity within the configured radius. The
// centre comes from the config when set, otherwise from the device
// position; with neither, the area fetch is skipped rather than guessed.
func (s *Scheduler) prefetchGeography(ctx context.Context, cfg TravelModeConfig) syncdb.SyncResult {
	res := syncdb.SyncResult{Entity: "geography", Timestamp: s.now()}

	center := cfg.GeoCenter
	if center == nil {
		center = s.locate(ctx)
	}
	if center == nil {
		res.Error = "no position available"
		return res
	}

	page, err := s.client.FetchGeography(ctx, center.Lat, center.Lon, cfg.GeoRadiusKm)
	if err != nil {
		s.logger.Warn("travel geography prefetch failed", "error", err)
		res.Error = err.Error()
		return res
	}

	raw, err := json.Marshal(page)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	if err := s.store.PutCached(ctx, nsTravel, "geography", raw, travelGeoTTL); err != nil {
		res.Error = err.Error()
		return res
	}

	res.Success = true
	res.Count = page.Count
	return res
}
