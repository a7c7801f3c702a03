// Package scheduler runs periodic maintenance for the client. It wraps
// gocron; today its only job sweeps conversation caches left behind by
// sessions that ended long ago.
//
// The sweep job runs in singleton mode: if a sweep is still running when
// the next tick fires, the tick is rescheduled instead of overlapping.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/arkeep-io/parley/internal/store"
)

// sweepTimeout bounds a single sweep.
const sweepTimeout = time.Minute

// Sweeper purges stale sessions from a store on a fixed interval.
// The zero value is not usable; create instances with New.
type Sweeper struct {
	cron   gocron.Scheduler
	purger store.Purger
	maxAge time.Duration
	logger *zap.Logger
}

// New schedules a sweep every interval that removes sessions idle for
// longer than maxAge. The first sweep runs as soon as Start is called.
func New(p store.Purger, interval, maxAge time.Duration, logger *zap.Logger) (*Sweeper, error) {
	if interval <= 0 || maxAge <= 0 {
		return nil, fmt.Errorf("scheduler: interval and max age must be positive, got %s and %s", interval, maxAge)
	}

	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("scheduler: create gocron scheduler: %w", err)
	}

	s := &Sweeper{
		cron:   cron,
		purger: p,
		maxAge: maxAge,
		logger: logger.Named("scheduler"),
	}

	_, err = cron.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
			defer cancel()
			s.Sweep(ctx)
		}),
		gocron.WithName("cache-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		cron.Shutdown()
		return nil, fmt.Errorf("scheduler: schedule sweep: %w", err)
	}
	return s, nil
}

// Start begins running scheduled sweeps in the background.
func (s *Sweeper) Start() {
	s.cron.Start()
	s.logger.Info("cache sweeper started", zap.Duration("max_age", s.maxAge))
}

// Stop waits for a running sweep to finish and stops the scheduler.
func (s *Sweeper) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("scheduler: shutdown: %w", err)
	}
	return nil
}

// Sweep runs one purge and returns the number of sessions removed.
func (s *Sweeper) Sweep(ctx context.Context) int {
	n, err := s.purger.PurgeStale(ctx, s.maxAge)
	if err != nil {
		s.logger.Warn("cache sweep failed", zap.Int("purged", n), zap.Error(err))
		return n
	}
	if n > 0 {
		s.logger.Info("purged stale sessions", zap.Int("count", n))
	}
	return n
}
