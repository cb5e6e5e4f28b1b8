// Package scheduler orchestrates preload-on-login, the recurring background
// sync cycle, pending-data flush, and travel-mode prefetch. It owns no
// in-memory state shared with the cache router; the durable store is the
// only bridge between the two.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/wolfeidau/fieldsync/fleetapi"
	"github.com/wolfeidau/fieldsync/store/syncdb"
)

// Locator acquires the device position. Implementations must honour the
// context deadline; a denial or timeout degrades to "no GPS", it never
// blocks capture or prefetch.
type Locator interface {
	Locate(ctx context.Context) (*syncdb.GeoTag, error)
}

// locateTimeout bounds geolocation acquisition. Network calls rely on the
// client's own timeout instead.
const locateTimeout = 10 * time.Second

// Scheduler runs the sync operations against the durable store and the
// fleet API. Construct it once at startup with New and share the instance.
type Scheduler struct {
	store   syncdb.Store
	client  *fleetapi.Client
	logger  *slog.Logger
	now     func() time.Time
	locator Locator
	online  func(ctx context.Context) bool

	// Re-entrancy guard for preload. A mutex-protected flag rather than a
	// bare boolean: triggers arrive from the login hook, the manual button
	// and the timer on different goroutines.
	mu         sync.Mutex
	preloading bool

	// flushMu serializes pending flushes so the syncing state always
	// belongs to exactly one in-flight push.
	flushMu sync.Mutex

	// Background cycle state, guarded by cycleMu. stopCh/doneCh belong to
	// the currently armed loop; swapping them under the mutex guarantees a
	// single active timer across reconfigurations.
	cycleMu      sync.Mutex
	cycleStop    chan struct{}
	cycleDone    chan struct{}
	activeCycles atomic.Int32
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger for the scheduler.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// WithLocator sets the geolocation provider. Without one, captures and
// geographic prefetch proceed untagged.
func WithLocator(locator Locator) Option {
	return func(s *Scheduler) {
		s.locator = locator
	}
}

// WithOnlineCheck overrides the connectivity probe. The default pings the
// fleet API.
func WithOnlineCheck(online func(ctx context.Context) bool) Option {
	return func(s *Scheduler) {
		s.online = online
	}
}

// New creates a scheduler with injected dependencies.
func New(store syncdb.Store, client *fleetapi.Client, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:  store,
		client: client,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.online == nil {
		s.online = func(ctx context.Context) bool {
			return s.client.Ping(ctx) == nil
		}
	}
	return s
}

// beginPreload attempts to take the preload guard. Returns false if a
// preload is already running.
func (s *Scheduler) beginPreload() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.preloading {
		return false
	}
	s.preloading = true
	return true
}

func (s *Scheduler) endPreload() {
	s.mu.Lock()
	s.preloading = false
	s.mu.Unlock()
}

// Preloading reports whether a preload run is in flight.
func (s *Scheduler) Preloading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.preloading
}

// locate acquires the device position with a bounded wait. Returns nil on
// denial or timeout.
func (s *Scheduler) locate(ctx context.Context) *syncdb.GeoTag {
	if s.locator == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, locateTimeout)
	defer cancel()

	tag, err := s.locator.Locate(ctx)
	if err != nil {
		s.logger.Debug("geolocation unavailable, continuing without GPS", "error", err)
		return nil
	}
	return tag
}

// QueueIntervention records an intervention edit for later sync. Upsert
// semantics: editing the same intervention twice offline keeps the latest
// snapshot in a single row.
func (s *Scheduler) QueueIntervention(ctx context.Context, id int64, snapshot []byte) error {
	now := s.now()
	existing, err := s.store.GetIntervention(ctx, id)

	row := &syncdb.PendingIntervention{
		ID:           id,
		Snapshot:     snapshot,
		Status:       syncdb.InterventionOffline,
		CreatedAt:    now,
		LastModified: now,
	}
	if err == nil {
		row.CreatedAt = existing.CreatedAt
	}
	return s.store.UpsertIntervention(ctx, row)
}

// QueueMedia records a captured media item for later upload. The id is
// generated client-side; the geo tag is acquired best-effort.
func (s *Scheduler) QueueMedia(ctx context.Context, interventionID int64, kind syncdb.MediaKind, description string, blob []byte) (string, error) {
	now := s.now()
	row := &syncdb.PendingMedia{
		ID:             uuid.NewString(),
		InterventionID: interventionID,
		Blob:           blob,
		Kind:           kind,
		Description:    description,
		GeoTag:         s.locate(ctx),
		Status:         syncdb.MediaPending,
		Timestamp:      now,
		LastModified:   now,
	}
	if err := s.store.UpsertMedia(ctx, row); err != nil {
		return "", err
	}
	return row.ID, nil
}

// RetryIntervention re-queues a failed intervention. Only rows in the
// error state re-enter the automatic path; everything else is already on it.
func (s *Scheduler) RetryIntervention(ctx context.Context, id int64) error {
	row, err := s.store.GetIntervention(ctx, id)
	if err != nil {
		return err
	}
	if row.Status != syncdb.InterventionError {
		return nil
	}
	return s.store.UpdateInterventionStatus(ctx, id, syncdb.InterventionOffline)
}
