package task

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightsparkdev/spark-wallet/wallet"
)

func TestChainMiddlewareOrder(t *testing.T) {
	var order []string
	record := func(name string) Middleware {
		return func(ctx context.Context, w *wallet.Wallet, task *Spec) error {
			order = append(order, name+" in")
			err := task.Run(ctx, w)
			order = append(order, name+" out")
			return err
		}
	}

	spec := &Spec{
		Name: "ordered",
		Run: func(ctx context.Context, w *wallet.Wallet) error {
			order = append(order, "task")
			return nil
		},
	}
	err := spec.chainMiddleware(record("outer"), record("inner")).Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"outer in", "inner in", "task", "inner out", "outer out"}, order)
}

func TestPanicRecoveryMiddleware(t *testing.T) {
	spec := &Spec{
		Name: "panicky",
		Run: func(ctx context.Context, w *wallet.Wallet) error {
			panic("boom")
		},
	}
	err := spec.chainMiddleware(PanicRecoveryMiddleware()).Run(context.Background(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errTaskPanic)
	assert.Contains(t, err.Error(), "boom")
}

func TestTimeoutMiddleware(t *testing.T) {
	spec := &Spec{
		Name:    "slow",
		Timeout: 20 * time.Millisecond,
		Run: func(ctx context.Context, w *wallet.Wallet) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
				return nil
			}
		},
	}
	start := time.Now()
	err := spec.chainMiddleware(TimeoutMiddleware()).Run(context.Background(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errTaskTimeout)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestTimeoutMiddlewarePassesFastTask(t *testing.T) {
	spec := &Spec{
		Name:    "fast",
		Timeout: time.Second,
		Run: func(ctx context.Context, w *wallet.Wallet) error {
			return nil
		},
	}
	require.NoError(t, spec.chainMiddleware(TimeoutMiddleware()).Run(context.Background(), nil))
}

func TestRunOncePropagatesTaskError(t *testing.T) {
	wantErr := fmt.Errorf("pass failed")
	spec := &Spec{
		Name: "failing",
		Run: func(ctx context.Context, w *wallet.Wallet) error {
			return wantErr
		},
	}
	err := spec.RunOnce(context.Background(), nil)
	assert.ErrorIs(t, err, wantErr)
}

func TestDefaultTimeout(t *testing.T) {
	spec := &Spec{Name: "defaulted"}
	assert.Equal(t, defaultTaskTimeout, spec.timeout())

	spec.Timeout = time.Minute
	assert.Equal(t, time.Minute, spec.timeout())
}

func TestAllScheduledTasks(t *testing.T) {
	config := &wallet.Config{
		ReconcileInterval:   5 * time.Minute,
		ExpirySweepInterval: time.Minute,
	}
	specs := AllScheduledTasks(config)
	require.Len(t, specs, 3)

	byName := make(map[string]*Spec, len(specs))
	for _, spec := range specs {
		require.NotNil(t, spec.Run)
		byName[spec.Name] = spec
	}
	require.Contains(t, byName, "reconcile_ledger")
	require.Contains(t, byName, "claim_pending_transfers")
	require.Contains(t, byName, "sweep_expired_transfers")
	assert.Equal(t, 5*time.Minute, byName["reconcile_ledger"].Interval)
	assert.Equal(t, time.Minute, byName["sweep_expired_transfers"].Interval)
}
