package scheduler

import (
	"context"
	"time"

	"github.com/wolfeidau/fieldsync/telemetry"
)

const (
	defaultCycleInterval = 15 * time.Minute

	// sweepBatch bounds how many expired rows one tick removes so the
	// sweep transaction stays short.
	sweepBatch = 500
)

// Start arms the background cycle using the interval from the stored
// policy. Safe to call once at startup; use Rearm to change the interval
// afterwards.
func (s *Scheduler) Start(ctx context.Context) {
	s.Rearm(s.Policy(ctx).Interval())
}

// Stop halts the background cycle and waits for an in-flight tick to
// finish.
func (s *Scheduler) Stop() {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()
	s.stopLocked()
}

// Rearm replaces the cycle timer with one firing at the given interval.
// The previous timer is stopped first, so exactly one timer is active
// regardless of how many reconfigurations race.
func (s *Scheduler) Rearm(interval time.Duration) {
	if interval <= 0 {
		interval = defaultCycleInterval
	}

	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	s.stopLocked()

	stop := make(chan struct{})
	done := make(chan struct{})
	s.cycleStop = stop
	s.cycleDone = done

	s.activeCycles.Add(1)
	go s.run(interval, stop, done)

	s.logger.Info("background cycle armed", "interval", interval)
}

// stopLocked stops the current loop. Caller holds cycleMu.
func (s *Scheduler) stopLocked() {
	if s.cycleStop == nil {
		return
	}
	close(s.cycleStop)
	<-s.cycleDone
	s.cycleStop = nil
	s.cycleDone = nil
}

func (s *Scheduler) run(interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer s.activeCycles.Add(-1)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.tick(context.Background())
		}
	}
}

// tick is one pass of the background cycle: sweep expired cache rows,
// refresh reference entities, flush pending data. Offline, the tick is a
// no-op and the timer simply fires again later.
func (s *Scheduler) tick(ctx context.Context) {
	if !s.online(ctx) {
		s.logger.Debug("offline, skipping sync cycle")
		return
	}

	start := s.now()

	deleted, err := s.store.SweepExpired(ctx, sweepBatch)
	if err != nil {
		s.logger.Warn("sweeping expired cache rows", "error", err)
	}
	telemetry.RecordSweep(ctx, deleted, s.now().Sub(start))

	policy := s.Policy(ctx)
	if policy.Enabled {
		s.refreshEntities(ctx, policy)
	}

	if _, err := s.FlushPending(ctx); err != nil {
		s.logger.Warn("flushing pending data", "error", err)
	}

	s.logger.Debug("sync cycle complete", "swept", deleted, "duration", s.now().Sub(start))
}
