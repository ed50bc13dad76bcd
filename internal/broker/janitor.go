package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/frame-progress-broker/internal/progress"
)

// DefaultJanitorInterval is used when RunJanitor is given a non-positive
// interval.
const DefaultJanitorInterval = 30 * time.Second

// SweepResult counts what one janitor pass removed.
type SweepResult struct {
	ExpiredTasks   int
	EvictedClients int
}

// Sweep deletes expired tasks and evicts subscriber entries that have not
// been touched within ClientStaleAfter.
func (b *Broker) Sweep(ctx context.Context) (SweepResult, error) {
	now := b.clock.Now()
	var res SweepResult
	var errs []error

	expired, err := b.store.DeleteExpired(ctx, now)
	if err != nil {
		errs = append(errs, fmt.Errorf("delete expired tasks: %w", err))
	}
	res.ExpiredTasks = expired
	if expired > 0 {
		b.emit(progress.Event{TS: now, Stage: progress.StageTasksExpired, Count: expired})
	}

	evicted, err := b.store.EvictStale(ctx, now.Add(-b.cfg.ClientStaleAfter))
	if err != nil {
		errs = append(errs, fmt.Errorf("evict stale clients: %w", err))
	}
	res.EvictedClients = evicted
	if evicted > 0 {
		b.emit(progress.Event{TS: now, Stage: progress.StageClientsEvicted, Count: evicted})
	}
	return res, errors.Join(errs...)
}

// RunJanitor calls Sweep every interval until ctx is cancelled.
func (b *Broker) RunJanitor(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultJanitorInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			res, err := b.Sweep(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				b.logger.Warn("janitor sweep failed", zap.Error(err))
			}
			if res.ExpiredTasks > 0 || res.EvictedClients > 0 {
				b.logger.Info("janitor sweep",
					zap.Int("expired_tasks", res.ExpiredTasks),
					zap.Int("evicted_clients", res.EvictedClients),
				)
			}
		}
	}
}
