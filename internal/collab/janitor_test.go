package collab

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type countingSweeper struct {
	sweeps      atomic.Int32
	cleanupErr  error
	orphanCount int64
}

func (sweeper *countingSweeper) CleanupStaleAwareness(context.Context) (CleanupResult, error) {
	sweeper.sweeps.Add(1)
	if sweeper.cleanupErr != nil {
		return CleanupResult{}, sweeper.cleanupErr
	}
	return CleanupResult{Deleted: 3}, nil
}

func (sweeper *countingSweeper) CollectOrphanedSyncState(context.Context) (int64, error) {
	return sweeper.orphanCount, nil
}

func TestNewJanitorValidatesArguments(testContext *testing.T) {
	if _, err := NewJanitor(nil, time.Second, nil); err == nil {
		testContext.Fatalf("expected error for missing sweeper")
	}
	if _, err := NewJanitor(&countingSweeper{}, 0, nil); !errors.Is(err, errInvalidSweepInterval) {
		testContext.Fatalf("expected invalid interval error, got %v", err)
	}
}

func TestJanitorRunOnceLogsFailures(testContext *testing.T) {
	core, recorded := observer.New(zapcore.InfoLevel)
	sweeper := &countingSweeper{cleanupErr: errors.New("store offline"), orphanCount: 2}
	janitor, err := NewJanitor(sweeper, time.Second, zap.New(core))
	if err != nil {
		testContext.Fatalf("unexpected janitor error: %v", err)
	}

	_, reclaimed := janitor.RunOnce(context.Background())
	if reclaimed != 2 {
		testContext.Fatalf("expected two reclaimed documents, got %d", reclaimed)
	}
	if recorded.FilterMessage("awareness sweep failed").Len() != 1 {
		testContext.Fatalf("expected sweep failure to be logged")
	}
	if recorded.FilterMessage("orphaned sync state collected").Len() != 1 {
		testContext.Fatalf("expected orphan collection to be logged")
	}
}

func TestJanitorRunStopsOnCancel(testContext *testing.T) {
	sweeper := &countingSweeper{}
	janitor, err := NewJanitor(sweeper, 5*time.Millisecond, nil)
	if err != nil {
		testContext.Fatalf("unexpected janitor error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		janitor.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for sweeper.sweeps.Load() < 2 {
		select {
		case <-deadline:
			cancel()
			testContext.Fatalf("janitor did not sweep on schedule")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		testContext.Fatalf("janitor did not stop after cancel")
	}
}
