package gitsync

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Scheduler runs SyncAll and prunes the delivery cache on an interval.
type Scheduler struct {
	facade   *Facade
	interval time.Duration
	logger   *zap.Logger
	stop     chan struct{}
	done     chan struct{}
	started  bool
	stopOnce sync.Once
}

// NewScheduler creates a scheduler. Call Start to begin.
func NewScheduler(facade *Facade, interval time.Duration, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		facade:   facade,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs a pass immediately and then every interval until Stop or ctx
// is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.started = true
	ticker := time.NewTicker(s.interval)
	go func() {
		defer close(s.done)
		defer ticker.Stop()

		s.run(ctx)
		for {
			select {
			case <-ticker.C:
				s.run(ctx)
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (s *Scheduler) run(ctx context.Context) {
	if _, err := s.facade.SyncAll(ctx); err != nil {
		s.logger.Warn("scheduled sync finished with errors", zap.Error(err))
	}
	if pruned := s.facade.PruneDeliveries(); pruned > 0 {
		s.logger.Debug("pruned webhook delivery ids", zap.Int("count", pruned))
	}
}

// Stop stops the scheduler and waits for an in-flight pass to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	if s.started {
		<-s.done
	}
}
