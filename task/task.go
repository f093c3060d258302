// Package task schedules the wallet's background passes: reconciliation,
// claiming of pending inbound transfers, and the sweep of expired transfers.
package task

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/lightsparkdev/spark-wallet/common/logging"
	"github.com/lightsparkdev/spark-wallet/wallet"
)

// Spec describes one background task.
type Spec struct {
	// Name identifies the task in logs and metrics.
	Name string
	// Interval is how often the task runs.
	Interval time.Duration
	// Timeout bounds one execution. Zero means the default.
	Timeout time.Duration
	// Run executes one pass.
	Run func(ctx context.Context, w *wallet.Wallet) error
}

// AllScheduledTasks returns the wallet's background tasks with intervals from
// the config.
func AllScheduledTasks(config *wallet.Config) []*Spec {
	return []*Spec{
		{
			Name:     "reconcile_ledger",
			Interval: config.ReconcileInterval,
			Run: func(ctx context.Context, w *wallet.Wallet) error {
				_, err := w.Reconcile(ctx)
				return err
			},
		},
		{
			Name:     "claim_pending_transfers",
			Interval: config.ReconcileInterval,
			Run: func(ctx context.Context, w *wallet.Wallet) error {
				_, err := w.ClaimAllTransfers(ctx)
				return err
			},
		},
		{
			Name:     "sweep_expired_transfers",
			Interval: config.ExpirySweepInterval,
			Run: func(ctx context.Context, w *wallet.Wallet) error {
				return w.SweepExpiredTransfers(ctx)
			},
		},
	}
}

// RunOnce executes the task immediately with the full middleware chain.
func (t *Spec) RunOnce(ctx context.Context, w *wallet.Wallet) error {
	return t.chainMiddleware(
		LogMiddleware(),
		TimeoutMiddleware(),
		PanicRecoveryMiddleware(),
	).Run(ctx, w)
}

// Schedule registers the task with the scheduler.
func (t *Spec) Schedule(scheduler gocron.Scheduler, w *wallet.Wallet, logger *zap.Logger) error {
	wrapped := t.chainMiddleware(
		LogMiddleware(),
		TimeoutMiddleware(),
		PanicRecoveryMiddleware(),
	)
	_, err := scheduler.NewJob(
		gocron.DurationJob(t.Interval),
		gocron.NewTask(func() error {
			ctx := logging.Inject(context.Background(), logger)
			return wrapped.Run(ctx, w)
		}),
		gocron.WithName(t.Name),
	)
	return err
}

// StartScheduler builds a gocron scheduler running all background tasks and
// starts it. The caller owns shutdown.
func StartScheduler(w *wallet.Wallet, config *wallet.Config, logger *zap.Logger) (gocron.Scheduler, error) {
	monitor, err := NewMonitor()
	if err != nil {
		return nil, err
	}
	scheduler, err := gocron.NewScheduler(gocron.WithMonitorStatus(monitor))
	if err != nil {
		return nil, fmt.Errorf("creating task scheduler: %w", err)
	}
	for _, spec := range AllScheduledTasks(config) {
		if err := spec.Schedule(scheduler, w, logger); err != nil {
			_ = scheduler.Shutdown()
			return nil, fmt.Errorf("scheduling task %s: %w", spec.Name, err)
		}
	}
	scheduler.Start()
	return scheduler, nil
}
