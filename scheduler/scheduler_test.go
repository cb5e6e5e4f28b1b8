package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/fieldsync/fleetapi"
	"github.com/wolfeidau/fieldsync/store/syncdb"
)

// fleetHandler is a configurable fake of the fleet API used across the
// scheduler tests.
type fleetHandler struct {
	mu            sync.Mutex
	failEntities  map[string]bool
	failMedia     map[int]bool // fail the nth media upload attempt (1-based)
	mediaAttempts int
	mediaUploads  []string // description of each successful upload, in order
	pushedBatches [][]json.RawMessage
	listCalls     map[string]int
	blockList     chan struct{} // when set, list handlers wait on it
}

func newFleetHandler() *fleetHandler {
	return &fleetHandler{
		failEntities: map[string]bool{},
		failMedia:    map[int]bool{},
		listCalls:    map[string]int{},
	}
}

func (h *fleetHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	block := h.blockList
	h.mu.Unlock()

	switch {
	case r.URL.Path == "/health":
		w.WriteHeader(http.StatusOK)

	case r.Method == http.MethodPost && r.URL.Path == "/sync/interventions":
		var batch fleetapi.SyncBatch
		if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		h.mu.Lock()
		fail := h.failEntities["interventions"]
		if !fail {
			h.pushedBatches = append(h.pushedBatches, batch.Interventions)
		}
		h.mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)

	case r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/media/"):
		if err := r.ParseMultipartForm(10 << 20); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		h.mu.Lock()
		h.mediaAttempts++
		fail := h.failMedia[h.mediaAttempts]
		if !fail {
			h.mediaUploads = append(h.mediaUploads, r.FormValue("description"))
		}
		h.mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusCreated)

	case strings.HasSuffix(r.URL.Path, "/children"):
		h.writePage(w, r, 3)

	case strings.HasPrefix(r.URL.Path, "/cache/geography"):
		h.writePage(w, r, 5)

	case strings.Count(r.URL.Path, "/") == 3: // /cache/{entity}/{id}
		entity := strings.Split(r.URL.Path, "/")[2]
		h.mu.Lock()
		fail := h.failEntities[entity]
		h.mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, `{"id":%s,"entity":%q}`, strings.Split(r.URL.Path, "/")[3], entity)

	default: // /cache/{entity}
		if block != nil {
			<-block
		}
		entity := strings.TrimPrefix(r.URL.Path, "/cache/")
		h.mu.Lock()
		h.listCalls[entity]++
		fail := h.failEntities[entity]
		h.mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		h.writePage(w, r, 2)
	}
}

func (h *fleetHandler) writePage(w http.ResponseWriter, _ *http.Request, count int) {
	page := fleetapi.EntityPage{Count: count}
	for i := range count {
		page.Data = append(page.Data, json.RawMessage(fmt.Sprintf(`{"id":%d}`, i+1)))
	}
	_ = json.NewEncoder(w).Encode(page)
}

type fixedLocator struct {
	tag *syncdb.GeoTag
	err error
}

func (l *fixedLocator) Locate(_ context.Context) (*syncdb.GeoTag, error) {
	return l.tag, l.err
}

func newTestScheduler(t *testing.T, handler *fleetHandler, opts ...Option) (*Scheduler, *fleetHandler) {
	t.Helper()

	if handler == nil {
		handler = newFleetHandler()
	}

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	db := syncdb.NewBoltDB(syncdb.WithNoSync(true))
	require.NoError(t, db.Open(filepath.Join(t.TempDir(), "sync.db")))
	t.Cleanup(func() { _ = db.Close() })

	client := fleetapi.NewClient(fleetapi.WithBaseURL(srv.URL))

	opts = append([]Option{
		WithOnlineCheck(func(context.Context) bool { return true }),
	}, opts...)

	return New(db, client, opts...), handler
}

func TestPreload(t *testing.T) {
	ctx := context.Background()

	t.Run("caches every entity and records audit", func(t *testing.T) {
		s, h := newTestScheduler(t, nil)

		results, err := s.Preload(ctx)
		require.NoError(t, err)
		require.Len(t, results, len(preloadOrder))

		for _, res := range results {
			assert.True(t, res.Success, "entity %s", res.Entity)
		}

		for _, entity := range preloadOrder {
			raw, err := s.store.GetCached(ctx, nsEntity, entity)
			require.NoError(t, err, "entity %s", entity)

			var page fleetapi.EntityPage
			require.NoError(t, json.Unmarshal(raw, &page))
			assert.Equal(t, 2, page.Count)
		}

		h.mu.Lock()
		assert.Equal(t, 1, h.listCalls[fleetapi.EntityVehicles])
		h.mu.Unlock()

		audits, err := s.store.ListAudit(ctx, 10)
		require.NoError(t, err)
		assert.Len(t, audits, len(preloadOrder))

		assert.False(t, s.LastSync(ctx).IsZero())
	})

	t.Run("one failing entity does not block the others", func(t *testing.T) {
		h := newFleetHandler()
		h.failEntities[fleetapi.EntityContacts] = true
		s, _ := newTestScheduler(t, h)

		results, err := s.Preload(ctx)
		require.NoError(t, err)

		byEntity := map[string]syncdb.SyncResult{}
		for _, res := range results {
			byEntity[res.Entity] = res
		}

		assert.True(t, byEntity[fleetapi.EntityVehicles].Success)
		assert.False(t, byEntity[fleetapi.EntityContacts].Success)
		assert.NotEmpty(t, byEntity[fleetapi.EntityContacts].Error)

		_, err = s.store.GetCached(ctx, nsEntity, fleetapi.EntityVehicles)
		assert.NoError(t, err)

		_, err = s.store.GetCached(ctx, nsEntity, fleetapi.EntityContacts)
		assert.ErrorIs(t, err, syncdb.ErrNotFound)
	})

	t.Run("concurrent trigger is dropped while one runs", func(t *testing.T) {
		h := newFleetHandler()
		block := make(chan struct{})
		h.blockList = block
		s, _ := newTestScheduler(t, h)

		started := make(chan struct{})
		first := make(chan []syncdb.SyncResult, 1)
		go func() {
			close(started)
			results, _ := s.Preload(ctx)
			first <- results
		}()

		<-started
		require.Eventually(t, s.Preloading, time.Second, 5*time.Millisecond)

		// second trigger while the first is blocked on the network
		results, err := s.Preload(ctx)
		require.NoError(t, err)
		assert.Empty(t, results)

		close(block)
		assert.Len(t, <-first, len(preloadOrder))
	})

	t.Run("disabled policy skips the fan-out", func(t *testing.T) {
		s, h := newTestScheduler(t, nil)

		policy := DefaultPreloadPolicy()
		policy.Enabled = false
		require.NoError(t, s.SetPolicy(ctx, policy))
		defer s.Stop()

		results, err := s.Preload(ctx)
		require.NoError(t, err)
		assert.Empty(t, results)

		h.mu.Lock()
		assert.Empty(t, h.listCalls)
		h.mu.Unlock()
	})
}

func TestPolicy(t *testing.T) {
	ctx := context.Background()

	t.Run("default policy when none stored", func(t *testing.T) {
		s, _ := newTestScheduler(t, nil)

		policy := s.Policy(ctx)
		assert.True(t, policy.Enabled)
		assert.Equal(t, 15*time.Minute, policy.Interval())
		assert.Equal(t, 200, policy.limit(fleetapi.EntityVehicles))
	})

	t.Run("stored policy round-trips", func(t *testing.T) {
		s, _ := newTestScheduler(t, nil)

		policy := DefaultPreloadPolicy()
		policy.SyncIntervalMinutes = 5
		policy.Entities[fleetapi.EntityMachines] = false
		require.NoError(t, s.SetPolicy(ctx, policy))
		defer s.Stop()

		got := s.Policy(ctx)
		assert.Equal(t, 5*time.Minute, got.Interval())
		assert.False(t, got.wants(fleetapi.EntityMachines))
		assert.True(t, got.wants(fleetapi.EntityVehicles))
	})
}

func TestFlushInterventions(t *testing.T) {
	ctx := context.Background()

	t.Run("successful batch is pushed and removed", func(t *testing.T) {
		s, h := newTestScheduler(t, nil)

		require.NoError(t, s.QueueIntervention(ctx, 101, []byte(`{"id":101,"note":"brakes"}`)))
		require.NoError(t, s.QueueIntervention(ctx, 102, []byte(`{"id":102,"note":"oil"}`)))

		results, err := s.FlushPending(ctx)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.True(t, results[0].Success)
		assert.Equal(t, 2, results[0].Count)

		h.mu.Lock()
		require.Len(t, h.pushedBatches, 1)
		assert.Len(t, h.pushedBatches[0], 2)
		h.mu.Unlock()

		rows, err := s.store.ListInterventionsByStatus(ctx)
		require.NoError(t, err)
		assert.Empty(t, rows)

		assert.False(t, s.LastSync(ctx).IsZero())
	})

	t.Run("editing the same intervention twice keeps one row", func(t *testing.T) {
		s, _ := newTestScheduler(t, nil)

		require.NoError(t, s.QueueIntervention(ctx, 101, []byte(`{"id":101,"rev":1}`)))
		require.NoError(t, s.QueueIntervention(ctx, 101, []byte(`{"id":101,"rev":2}`)))

		rows, err := s.store.ListInterventionsByStatus(ctx)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.JSONEq(t, `{"id":101,"rev":2}`, string(rows[0].Snapshot))
	})

	t.Run("failed batch parks in error until retried", func(t *testing.T) {
		h := newFleetHandler()
		h.failEntities["interventions"] = true
		s, _ := newTestScheduler(t, h)

		require.NoError(t, s.QueueIntervention(ctx, 101, []byte(`{"id":101}`)))

		results, err := s.FlushPending(ctx)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.False(t, results[0].Success)

		row, err := s.store.GetIntervention(ctx, 101)
		require.NoError(t, err)
		assert.Equal(t, syncdb.InterventionError, row.Status)

		// a second flush must not pick the failed row up again
		results, err = s.FlushPending(ctx)
		require.NoError(t, err)
		assert.Empty(t, results)

		// manual retry re-enters the automatic path
		require.NoError(t, s.RetryIntervention(ctx, 101))

		row, err = s.store.GetIntervention(ctx, 101)
		require.NoError(t, err)
		assert.Equal(t, syncdb.InterventionOffline, row.Status)

		h.mu.Lock()
		h.failEntities["interventions"] = false
		h.mu.Unlock()

		results, err = s.FlushPending(ctx)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.True(t, results[0].Success)
	})

	t.Run("rows stranded in syncing re-enter the next flush", func(t *testing.T) {
		s, h := newTestScheduler(t, nil)

		// a crash mid-push leaves the row marked syncing
		require.NoError(t, s.store.UpsertIntervention(ctx, &syncdb.PendingIntervention{
			ID:       101,
			Snapshot: []byte(`{"id":101}`),
			Status:   syncdb.InterventionSyncing,
		}))

		results, err := s.FlushPending(ctx)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.True(t, results[0].Success)
		assert.Equal(t, 1, results[0].Count)

		h.mu.Lock()
		require.Len(t, h.pushedBatches, 1)
		h.mu.Unlock()

		rows, err := s.store.ListInterventionsByStatus(ctx)
		require.NoError(t, err)
		assert.Empty(t, rows)
	})

	t.Run("retry of a missing intervention reports not found", func(t *testing.T) {
		s, _ := newTestScheduler(t, nil)

		err := s.RetryIntervention(ctx, 999)
		assert.ErrorIs(t, err, syncdb.ErrNotFound)
	})
}

func TestFlushMedia(t *testing.T) {
	ctx := context.Background()

	queueMedia := func(t *testing.T, s *Scheduler, desc string) string {
		t.Helper()
		id, err := s.QueueMedia(ctx, 101, syncdb.MediaPhoto, desc, []byte("jpeg-bytes-"+desc))
		require.NoError(t, err)
		return id
	}

	t.Run("uploads sequentially in capture order", func(t *testing.T) {
		now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
		s, h := newTestScheduler(t, nil, WithNow(func() time.Time {
			now = now.Add(time.Second)
			return now
		}))

		queueMedia(t, s, "first")
		queueMedia(t, s, "second")
		queueMedia(t, s, "third")

		results, err := s.FlushPending(ctx)
		require.NoError(t, err)
		require.Len(t, results, 3)

		h.mu.Lock()
		assert.Equal(t, []string{"first", "second", "third"}, h.mediaUploads)
		h.mu.Unlock()

		rows, err := s.store.ListMediaByStatus(ctx)
		require.NoError(t, err)
		assert.Empty(t, rows)
	})

	t.Run("middle failure does not stop the rest", func(t *testing.T) {
		h := newFleetHandler()
		h.failMedia[2] = true

		now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
		s, _ := newTestScheduler(t, h, WithNow(func() time.Time {
			now = now.Add(time.Second)
			return now
		}))

		queueMedia(t, s, "first")
		failedID := queueMedia(t, s, "second")
		queueMedia(t, s, "third")

		results, err := s.FlushPending(ctx)
		require.NoError(t, err)
		require.Len(t, results, 3)
		assert.True(t, results[0].Success)
		assert.False(t, results[1].Success)
		assert.True(t, results[2].Success)

		h.mu.Lock()
		assert.Equal(t, []string{"first", "third"}, h.mediaUploads)
		h.mu.Unlock()

		row, err := s.store.GetMedia(ctx, failedID)
		require.NoError(t, err)
		assert.Equal(t, syncdb.MediaError, row.Status)

		// failed media re-enters the next flush automatically
		h.mu.Lock()
		h.failMedia = map[int]bool{}
		h.mu.Unlock()

		results, err = s.FlushPending(ctx)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.True(t, results[0].Success)

		_, err = s.store.GetMedia(ctx, failedID)
		assert.ErrorIs(t, err, syncdb.ErrNotFound)
	})

	t.Run("failed upload keeps the capture timestamp", func(t *testing.T) {
		h := newFleetHandler()
		h.failMedia[1] = true

		capturedAt := time.Date(2026, 3, 1, 8, 0, 1, 0, time.UTC)
		now := capturedAt
		s, _ := newTestScheduler(t, h, WithNow(func() time.Time { return now }))

		id := queueMedia(t, s, "first")

		now = capturedAt.Add(2 * time.Hour)
		results, err := s.FlushPending(ctx)
		require.NoError(t, err)
		require.Len(t, results, 1)
		require.False(t, results[0].Success)

		row, err := s.store.GetMedia(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, syncdb.MediaError, row.Status)
		assert.Equal(t, capturedAt, row.Timestamp.UTC())
		assert.True(t, row.LastModified.After(capturedAt))
	})

	t.Run("media stranded in uploading re-enters the next flush", func(t *testing.T) {
		s, h := newTestScheduler(t, nil)

		require.NoError(t, s.store.UpsertMedia(ctx, &syncdb.PendingMedia{
			ID:             "stray",
			InterventionID: 101,
			Blob:           []byte("jpeg-bytes"),
			Kind:           syncdb.MediaPhoto,
			Description:    "stranded",
			Status:         syncdb.MediaUploading,
			Timestamp:      time.Now(),
		}))

		results, err := s.FlushPending(ctx)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.True(t, results[0].Success)

		h.mu.Lock()
		assert.Equal(t, []string{"stranded"}, h.mediaUploads)
		h.mu.Unlock()

		_, err = s.store.GetMedia(ctx, "stray")
		assert.ErrorIs(t, err, syncdb.ErrNotFound)
	})

	t.Run("capture records geo tag when the locator answers", func(t *testing.T) {
		s, _ := newTestScheduler(t, nil, WithLocator(&fixedLocator{
			tag: &syncdb.GeoTag{Lat: 48.85, Lon: 2.35},
		}))

		id := queueMedia(t, s, "tagged")

		row, err := s.store.GetMedia(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, row.GeoTag)
		assert.InDelta(t, 48.85, row.GeoTag.Lat, 0.001)
	})

	t.Run("locator denial degrades to untagged capture", func(t *testing.T) {
		s, _ := newTestScheduler(t, nil, WithLocator(&fixedLocator{
			err: errors.New("permission denied"),
		}))

		id := queueMedia(t, s, "untagged")

		row, err := s.store.GetMedia(ctx, id)
		require.NoError(t, err)
		assert.Nil(t, row.GeoTag)
	})
}

func TestTravelMode(t *testing.T) {
	ctx := context.Background()

	t.Run("prefetches pinned vehicle for offline reads", func(t *testing.T) {
		s, _ := newTestScheduler(t, nil)

		results, err := s.EnableTravelMode(ctx, TravelModeConfig{
			VehicleIDs: []int64{42},
		})
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.True(t, results[0].Success)
		assert.Equal(t, "vehicle_42", results[0].Entity)

		detail, err := s.store.GetCached(ctx, nsTravel, "vehicle_42")
		require.NoError(t, err)
		assert.Contains(t, string(detail), `"id":42`)

		history, err := s.store.GetCached(ctx, nsTravel, "vehicle_42_interventions")
		require.NoError(t, err)

		var page fleetapi.EntityPage
		require.NoError(t, json.Unmarshal(history, &page))
		assert.Equal(t, 3, page.Count)

		assert.True(t, s.TravelMode(ctx).Enabled)
	})

	t.Run("prefetches contacts and geographic area", func(t *testing.T) {
		s, _ := newTestScheduler(t, nil)

		results, err := s.EnableTravelMode(ctx, TravelModeConfig{
			ContactIDs:  []int64{7},
			GeoCenter:   &syncdb.GeoTag{Lat: 45.0, Lon: 5.0},
			GeoRadiusKm: 50,
		})
		require.NoError(t, err)
		require.Len(t, results, 2)

		_, err = s.store.GetCached(ctx, nsTravel, "contact_7")
		assert.NoError(t, err)

		_, err = s.store.GetCached(ctx, nsTravel, "geography")
		assert.NoError(t, err)
	})

	t.Run("missing position skips the area fetch only", func(t *testing.T) {
		s, _ := newTestScheduler(t, nil)

		results, err := s.EnableTravelMode(ctx, TravelModeConfig{
			VehicleIDs:  []int64{42},
			GeoRadiusKm: 50,
		})
		require.NoError(t, err)
		require.Len(t, results, 2)
		assert.True(t, results[0].Success)
		assert.False(t, results[1].Success)
		assert.Equal(t, "no position available", results[1].Error)
	})

	t.Run("unreachable vehicle does not stop the rest", func(t *testing.T) {
		h := newFleetHandler()
		h.failEntities[fleetapi.EntityVehicles] = true
		s, _ := newTestScheduler(t, h)

		results, err := s.EnableTravelMode(ctx, TravelModeConfig{
			VehicleIDs: []int64{42},
			ContactIDs: []int64{7},
		})
		require.NoError(t, err)
		require.Len(t, results, 2)
		assert.False(t, results[0].Success)
		assert.True(t, results[1].Success)
	})

	t.Run("disable keeps prefetched rows", func(t *testing.T) {
		s, _ := newTestScheduler(t, nil)

		_, err := s.EnableTravelMode(ctx, TravelModeConfig{VehicleIDs: []int64{42}})
		require.NoError(t, err)

		require.NoError(t, s.DisableTravelMode(ctx))
		assert.False(t, s.TravelMode(ctx).Enabled)

		_, err = s.store.GetCached(ctx, nsTravel, "vehicle_42")
		assert.NoError(t, err)
	})
}

func TestBackgroundCycle(t *testing.T) {
	ctx := context.Background()

	t.Run("rearm keeps exactly one timer active", func(t *testing.T) {
		s, _ := newTestScheduler(t, nil)

		s.Start(ctx)
		assert.Equal(t, int32(1), s.activeCycles.Load())

		s.Rearm(10 * time.Minute)
		assert.Equal(t, int32(1), s.activeCycles.Load())

		s.Rearm(5 * time.Minute)
		assert.Equal(t, int32(1), s.activeCycles.Load())

		s.Stop()
		assert.Equal(t, int32(0), s.activeCycles.Load())
	})

	t.Run("stop is idempotent", func(t *testing.T) {
		s, _ := newTestScheduler(t, nil)

		s.Start(ctx)
		s.Stop()
		s.Stop()
		assert.Equal(t, int32(0), s.activeCycles.Load())
	})

	t.Run("offline tick touches nothing", func(t *testing.T) {
		s, h := newTestScheduler(t, nil, WithOnlineCheck(func(context.Context) bool { return false }))

		require.NoError(t, s.QueueIntervention(ctx, 101, []byte(`{"id":101}`)))

		s.tick(ctx)

		h.mu.Lock()
		assert.Empty(t, h.pushedBatches)
		assert.Empty(t, h.listCalls)
		h.mu.Unlock()

		row, err := s.store.GetIntervention(ctx, 101)
		require.NoError(t, err)
		assert.Equal(t, syncdb.InterventionOffline, row.Status)
	})

	t.Run("online tick sweeps, refreshes and flushes", func(t *testing.T) {
		s, h := newTestScheduler(t, nil)

		require.NoError(t, s.QueueIntervention(ctx, 101, []byte(`{"id":101}`)))

		s.tick(ctx)

		h.mu.Lock()
		assert.Len(t, h.pushedBatches, 1)
		assert.Equal(t, 1, h.listCalls[fleetapi.EntityVehicles])
		h.mu.Unlock()

		rows, err := s.store.ListInterventionsByStatus(ctx)
		require.NoError(t, err)
		assert.Empty(t, rows)
	})
}

func TestStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("aggregates store and connectivity state", func(t *testing.T) {
		h := newFleetHandler()
		h.failEntities["interventions"] = true
		h.failMedia[1] = true
		s, _ := newTestScheduler(t, h, WithLocator(&fixedLocator{}))

		require.NoError(t, s.QueueIntervention(ctx, 101, []byte(`{"id":101}`)))
		_, err := s.QueueMedia(ctx, 101, syncdb.MediaSignature, "sign-off", []byte("png"))
		require.NoError(t, err)

		// push fails, parking the intervention in error
		_, err = s.FlushPending(ctx)
		require.NoError(t, err)

		st, err := s.Status(ctx)
		require.NoError(t, err)

		assert.True(t, st.Online)
		assert.False(t, st.Preloading)
		assert.False(t, st.TravelMode)
		assert.Equal(t, 1, st.PendingInterventions)
		assert.Equal(t, 1, st.FailedInterventions)
		assert.Equal(t, 1, st.PendingMedia)
		assert.EqualValues(t, syncdb.DefaultQuota, st.StorageQuota)
		assert.Positive(t, st.StorageUsed)
	})
}
