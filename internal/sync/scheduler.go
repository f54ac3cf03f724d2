package sync

import (
	"context"
	"time"

	"mispbridge/internal/auth"
	"mispbridge/internal/infrastructure/cache"
	"mispbridge/internal/store"
	"mispbridge/internal/streaming"
	"mispbridge/pkg/logger"
)

const (
	lockKey     = "misp:sync"
	lockTTL     = 5 * time.Minute
	lockRefresh = 1 * time.Minute
)

// Scheduler drives periodic synchronization ticks. A tick only runs once
// the migration gate reports ready, and only on the worker holding the
// distributed lock when a Redis cache is attached.
type Scheduler struct {
	interval time.Duration
	pipeline *IngestionPipeline
	temp     store.TempStore
	gate     store.MigrationGate
	cache    *cache.RedisCache
	bus      *streaming.Bus
	logger   *logger.Logger
}

// NewScheduler creates a new Scheduler. The cache and bus may be nil.
func NewScheduler(
	interval time.Duration,
	pipeline *IngestionPipeline,
	temp store.TempStore,
	gate store.MigrationGate,
	c *cache.RedisCache,
	bus *streaming.Bus,
	log *logger.Logger,
) *Scheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Scheduler{
		interval: interval,
		pipeline: pipeline,
		temp:     temp,
		gate:     gate,
		cache:    c,
		bus:      bus,
		logger:   log.WithComponent("misp-scheduler"),
	}
}

// Run ticks until the context is cancelled. Cancellation returns promptly;
// an in-flight tick is allowed to complete.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info().Dur("interval", s.interval).Msg("starting synchronization loop")

	s.tick(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("synchronization loop stopped")
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs one synchronization cycle under the distributed lock.
func (s *Scheduler) tick(ctx context.Context) {
	if s.gate != nil && !s.gate.Ready(ctx) {
		s.logger.Info().Msg("platform not migrated yet, skipping tick")
		return
	}

	if s.cache != nil {
		acquired, err := s.cache.AcquireLock(ctx, lockKey, lockTTL)
		if err != nil {
			s.logger.Error().Err(err).Msg("failed to acquire lock")
			return
		}
		if !acquired {
			s.logger.Debug().Msg("another worker is running, skipping")
			return
		}
		defer func() {
			if err := s.cache.ReleaseLock(ctx, lockKey); err != nil {
				s.logger.Warn().Err(err).Msg("failed to release lock")
			}
		}()

		lockCtx, lockCancel := context.WithCancel(ctx)
		defer lockCancel()
		go s.refreshLock(lockCtx)
	}

	s.runOnce(ctx)
}

// runOnce executes the tick body: scoped identity, synchronization, temp
// release at the cycle boundary even when the cycle fails mid-way.
func (s *Scheduler) runOnce(ctx context.Context) {
	start := time.Now()
	ctx = auth.With(ctx, auth.InitIdentity())

	defer s.temp.ReleaseAll()

	outcomes := s.pipeline.Synchronize(ctx)

	succeeded, failed := 0, 0
	for _, o := range outcomes {
		if o.Success() {
			succeeded++
		} else {
			failed++
		}
	}

	s.logger.Info().
		Int("events", len(outcomes)).
		Int("succeeded", succeeded).
		Int("failed", failed).
		Dur("duration", time.Since(start)).
		Msg("synchronization tick completed")

	if s.bus != nil {
		_ = s.bus.Publish(ctx, streaming.NewEvent(streaming.EventKindSyncCompleted, map[string]any{
			"events":      len(outcomes),
			"succeeded":   succeeded,
			"failed":      failed,
			"duration_ms": time.Since(start).Milliseconds(),
		}))
	}
}

// refreshLock extends the lock TTL while the tick is running.
func (s *Scheduler) refreshLock(ctx context.Context) {
	ticker := time.NewTicker(lockRefresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.cache.RefreshLock(ctx, lockKey, lockTTL); err != nil {
				s.logger.Warn().Err(err).Msg("failed to refresh lock")
			}
		}
	}
}
