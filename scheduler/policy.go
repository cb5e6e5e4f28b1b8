package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/wolfeidau/fieldsync/fleetapi"
	"github.com/wolfeidau/fieldsync/store/syncdb"
)

const (
	nsConfig = "config"
	nsEntity = "entity"
	nsTravel = "travel"

	keyPreloadPolicy = "preload_policy"
	keyTravelMode    = "travel_mode"
	keyLastSync      = "last_sync"

	// configTTL keeps singleton rows effectively permanent while still
	// flowing through the same envelope and expiry machinery as everything
	// else.
	configTTL = 10 * 365 * 24 * time.Hour

	entityTTL       = 2 * time.Hour
	travelDetailTTL = 48 * time.Hour
	travelGeoTTL    = 24 * time.Hour
)

// PreloadPolicy controls which reference entities are preloaded, how many
// rows per entity, and how often the background cycle fires.
type PreloadPolicy struct {
	Enabled             bool            `json:"enabled"`
	Entities            map[string]bool `json:"entities"`
	Limits              map[string]int  `json:"limits"`
	SyncIntervalMinutes int             `json:"syncIntervalMinutes"`
}

// Interval returns the cycle period, falling back to the default when the
// stored value is absent or nonsense.
func (p PreloadPolicy) Interval() time.Duration {
	if p.SyncIntervalMinutes <= 0 {
		return defaultCycleInterval
	}
	return time.Duration(p.SyncIntervalMinutes) * time.Minute
}

func (p PreloadPolicy) limit(entity string) int {
	if n, ok := p.Limits[entity]; ok && n > 0 {
		return n
	}
	return 100
}

func (p PreloadPolicy) wants(entity string) bool {
	enabled, ok := p.Entities[entity]
	return !ok || enabled
}

// DefaultPreloadPolicy returns the policy used until the operator stores
// an override.
func DefaultPreloadPolicy() PreloadPolicy {
	return PreloadPolicy{
		Enabled: true,
		Entities: map[string]bool{
			fleetapi.EntityVehicles:            true,
			fleetapi.EntityContacts:            true,
			fleetapi.EntityAnomalies:           true,
			fleetapi.EntityMachines:            true,
			fleetapi.EntityRecentInterventions: true,
		},
		Limits: map[string]int{
			fleetapi.EntityVehicles:            200,
			fleetapi.EntityContacts:            200,
			fleetapi.EntityAnomalies:           100,
			fleetapi.EntityMachines:            100,
			fleetapi.EntityRecentInterventions: 50,
		},
		SyncIntervalMinutes: 15,
	}
}

// TravelModeConfig pins specific vehicles, contacts and an optional
// geographic area for extended offline retention.
type TravelModeConfig struct {
	Enabled     bool           `json:"enabled"`
	VehicleIDs  []int64        `json:"vehicleIds"`
	ContactIDs  []int64        `json:"contactIds"`
	GeoCenter   *syncdb.GeoTag `json:"geoCenter,omitempty"`
	GeoRadiusKm float64        `json:"geoRadiusKm,omitempty"`
	ExpiryHours int            `json:"expiryHours,omitempty"`
}

func (c TravelModeConfig) detailTTL() time.Duration {
	if c.ExpiryHours > 0 {
		return time.Duration(c.ExpiryHours) * time.Hour
	}
	return travelDetailTTL
}

// Policy returns the stored preload policy, or the default when none has
// been saved yet. A corrupt row falls back to the default as well; the
// store already logged the corruption.
func (s *Scheduler) Policy(ctx context.Context) PreloadPolicy {
	raw, err := s.store.GetCached(ctx, nsConfig, keyPreloadPolicy)
	if err != nil {
		return DefaultPreloadPolicy()
	}
	var policy PreloadPolicy
	if err := json.Unmarshal(raw, &policy); err != nil {
		s.logger.Warn("stored preload policy unreadable, using default", "error", err)
		return DefaultPreloadPolicy()
	}
	return policy
}

// SetPolicy persists the preload policy and re-arms the background cycle
// if its interval changed.
func (s *Scheduler) SetPolicy(ctx context.Context, policy PreloadPolicy) error {
	raw, err := json.Marshal(policy)
	if err != nil {
		return err
	}
	if err := s.store.PutCached(ctx, nsConfig, keyPreloadPolicy, raw, configTTL); err != nil {
		return err
	}
	s.Rearm(policy.Interval())
	return nil
}

// TravelMode returns the stored travel configuration. Absent or corrupt
// rows read as disabled.
func (s *Scheduler) TravelMode(ctx context.Context) TravelModeConfig {
	raw, err := s.store.GetCached(ctx, nsConfig, keyTravelMode)
	if err != nil {
		return TravelModeConfig{}
	}
	var cfg TravelModeConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		s.logger.Warn("stored travel config unreadable, treating as disabled", "error", err)
		return TravelModeConfig{}
	}
	return cfg
}

func (s *Scheduler) saveTravelMode(ctx context.Context, cfg TravelModeConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return s.store.PutCached(ctx, nsConfig, keyTravelMode, raw, configTTL)
}

// LastSync returns the time of the last successful push, zero when no push
// has completed yet.
func (s *Scheduler) LastSync(ctx context.Context) time.Time {
	raw, err := s.store.GetCached(ctx, nsConfig, keyLastSync)
	if err != nil {
		if !errors.Is(err, syncdb.ErrNotFound) {
			s.logger.Warn("reading last sync time", "error", err)
		}
		return time.Time{}
	}
	var ts time.Time
	if err := json.Unmarshal(raw, &ts); err != nil {
		return time.Time{}
	}
	return ts
}

func (s *Scheduler) setLastSync(ctx context.Context, ts time.Time) {
	raw, err := json.Marshal(ts)
	if err != nil {
		return
	}
	if err := s.store.PutCached(ctx, nsConfig, keyLastSync, raw, configTTL); err != nil {
		s.logger.Warn("recording last sync time", "error", err)
	}
}
