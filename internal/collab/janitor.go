package collab

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

var errInvalidSweepInterval = errors.New("sweep interval must be positive")

// Sweeper is the maintenance surface the janitor drives.
type Sweeper interface {
	CleanupStaleAwareness(ctx context.Context) (CleanupResult, error)
	CollectOrphanedSyncState(ctx context.Context) (int64, error)
}

// Janitor periodically reclaims stale awareness and orphaned sync state.
type Janitor struct {
	sweeper  Sweeper
	interval time.Duration
	logger   *zap.Logger
}

// NewJanitor constructs a janitor that sweeps every interval.
func NewJanitor(sweeper Sweeper, interval time.Duration, logger *zap.Logger) (*Janitor, error) {
	if sweeper == nil {
		return nil, errors.New("sweeper is required")
	}
	if interval <= 0 {
		return nil, errInvalidSweepInterval
	}
	if logger == nil {
		logger = noOpLogger
	}
	return &Janitor{sweeper: sweeper, interval: interval, logger: logger}, nil
}

// Run sweeps on every tick until ctx is cancelled.
func (janitor *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(janitor.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			janitor.RunOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce performs a single sweep. Failures are logged and retried on the next tick.
func (janitor *Janitor) RunOnce(ctx context.Context) (CleanupResult, int64) {
	cleanup, err := janitor.sweeper.CleanupStaleAwareness(ctx)
	if err != nil && ctx.Err() == nil {
		janitor.logger.Warn("awareness sweep failed", zap.Error(err))
	}
	reclaimed, err := janitor.sweeper.CollectOrphanedSyncState(ctx)
	if err != nil && ctx.Err() == nil {
		janitor.logger.Warn("orphaned sync state collection failed", zap.Error(err))
	}
	if reclaimed > 0 {
		janitor.logger.Info("orphaned sync state collected", zap.Int64("documents", reclaimed))
	}
	return cleanup, reclaimed
}
