package task

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lightsparkdev/spark-wallet/common/logging"
	"github.com/lightsparkdev/spark-wallet/wallet"
)

var (
	errTaskTimeout = fmt.Errorf("task timed out")
	errTaskPanic   = fmt.Errorf("task panicked")
)

// Middleware wraps a task execution. The first middleware in a chain is the
// outermost.
type Middleware func(context.Context, *wallet.Wallet, *Spec) error

// LogMiddleware tags the context logger with the task name and a fresh run id
// and logs execution start and outcome.
func LogMiddleware() Middleware {
	return func(ctx context.Context, w *wallet.Wallet, task *Spec) error {
		ctx, logger := logging.WithAttrs(ctx,
			zap.String("task.name", task.Name),
			zap.Stringer("task.id", uuid.New()),
		)

		logger.Info("Executing task")
		if err := task.Run(ctx, w); err != nil {
			logger.Error("Task execution failed", zap.Error(err))
			return err
		}
		logger.Info("Task executed successfully")
		return nil
	}
}

// TimeoutMiddleware bounds the task with its configured timeout so a stuck
// operator call cannot wedge the scheduler slot.
func TimeoutMiddleware() Middleware {
	return func(ctx context.Context, w *wallet.Wallet, task *Spec) error {
		ctx, cancel := context.WithTimeoutCause(ctx, task.timeout(), errTaskTimeout)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			done <- task.Run(ctx, w)
		}()
		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			return fmt.Errorf("task %s after %s: %w", task.Name, task.timeout(), errTaskTimeout)
		}
	}
}

// PanicRecoveryMiddleware converts a panicking task into an error so one bad
// pass does not take the scheduler down.
func PanicRecoveryMiddleware() Middleware {
	return func(ctx context.Context, w *wallet.Wallet, task *Spec) (err error) {
		defer func() {
			if r := recover(); r != nil {
				logging.GetLoggerFromContext(ctx).Error("Task panicked",
					zap.String("task.name", task.Name),
					zap.Any("panic", r),
					zap.String("stack", string(debug.Stack())),
				)
				err = fmt.Errorf("task %s: %v: %w", task.Name, r, errTaskPanic)
			}
		}()
		return task.Run(ctx, w)
	}
}

const defaultTaskTimeout = 3 * time.Minute

func (t *Spec) timeout() time.Duration {
	if t.Timeout > 0 {
		return t.Timeout
	}
	return defaultTaskTimeout
}

// wrapMiddleware returns a Spec whose Run is the middleware applied around
// this task.
func (t *Spec) wrapMiddleware(middleware Middleware) *Spec {
	return &Spec{
		Name:     t.Name,
		Interval: t.Interval,
		Timeout:  t.Timeout,
		Run: func(ctx context.Context, w *wallet.Wallet) error {
			return middleware(ctx, w, t)
		},
	}
}

// chainMiddleware wraps the task with the middlewares in order: the first is
// the outermost, the last the innermost.
func (t *Spec) chainMiddleware(middlewares ...Middleware) *Spec {
	currTask := t
	for i := len(middlewares) - 1; i >= 0; i-- {
		currTask = currTask.wrapMiddleware(middlewares[i])
	}
	return currTask
}
