package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// TimingMiddleware measures the chain and enforces a hard per-row deadline.
// The deadline is propagated through ctx, so the runner stops before the next
// action and context-aware store calls abort.
type TimingMiddleware struct {
	Timeout time.Duration
}

func NewTimingMiddleware(timeout time.Duration) *TimingMiddleware {
	return &TimingMiddleware{Timeout: timeout}
}

func (m *TimingMiddleware) Name() string {
	return "timing"
}

func (m *TimingMiddleware) Handle(ctx context.Context, actx *ActionContext, next Next) (*ActionResult, error) {
	start := time.Now()
	runCtx := ctx
	if m.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, m.Timeout)
		defer cancel()
	}

	res, err := next(runCtx)
	elapsed := time.Since(start)

	if m.Timeout > 0 && errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		if res == nil || res.IsFailure() || err != nil {
			timeout := Failure(KindTimeout, fmt.Sprintf("Row processing exceeded timeout of %s", m.Timeout), ErrTimeout.Error())
			if res != nil {
				for k, v := range res.Data {
					timeout.Data[k] = v
				}
			}
			return timeout.WithData(KeyDurationMs, elapsed.Milliseconds()), nil
		}
		res.WithData("deadline_exceeded", true)
	}

	if res != nil {
		res.WithData(KeyDurationMs, elapsed.Milliseconds())
	}
	return res, err
}

// LoggingMiddleware writes structured start and end events for every row
type LoggingMiddleware struct {
	Logger       *logrus.Entry
	LogSuccesses bool
	LogFailures  bool
	LogContext   bool
}

func NewLoggingMiddleware(logger *logrus.Entry, logSuccesses, logFailures, logContext bool) *LoggingMiddleware {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &LoggingMiddleware{
		Logger:       logger,
		LogSuccesses: logSuccesses,
		LogFailures:  logFailures,
		LogContext:   logContext,
	}
}

func (m *LoggingMiddleware) Name() string {
	return "logging"
}

func (m *LoggingMiddleware) Handle(ctx context.Context, actx *ActionContext, next Next) (*ActionResult, error) {
	fields := logrus.Fields{
		"row":       actx.RowNumber,
		"tenant_id": actx.TenantID,
	}
	if actx.Session != nil {
		fields["session_id"] = actx.Session.ID.String()
	}
	if m.LogContext {
		fields["data"] = actx.Snapshot()
	}
	entry := m.Logger.WithFields(fields)
	entry.Debug("Row processing started")

	start := time.Now()
	res, err := next(ctx)
	entry = entry.WithField("duration_ms", time.Since(start).Milliseconds())

	switch {
	case err != nil:
		entry.WithError(err).Error("Row processing errored")
	case res == nil:
		entry.Error("Row processing returned no result")
	case res.Success && m.LogSuccesses:
		entry.WithField("message", res.Message).Info("Row processing completed")
	case !res.Success && m.LogFailures:
		entry.WithFields(logrus.Fields{
			"kind":          res.Kind,
			"failed_action": res.Data[KeyFailedAction],
			"errors":        res.Errors,
		}).Warn("Row processing failed")
	}
	return res, err
}

// ErrorHandlingMiddleware is the layer of last resort: it recovers panics,
// optionally retries the whole inner chain with exponential backoff, and turns
// any remaining error into a failure result.
type ErrorHandlingMiddleware struct {
	Logger          *logrus.Entry
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func NewErrorHandlingMiddleware(logger *logrus.Entry, maxRetries int) *ErrorHandlingMiddleware {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &ErrorHandlingMiddleware{
		Logger:          logger,
		MaxRetries:      maxRetries,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
	}
}

func (m *ErrorHandlingMiddleware) Name() string {
	return "error_handling"
}

func (m *ErrorHandlingMiddleware) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.InitialInterval
	b.MaxInterval = m.MaxInterval
	b.MaxElapsedTime = 0
	retries := m.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

func (m *ErrorHandlingMiddleware) Handle(ctx context.Context, actx *ActionContext, next Next) (*ActionResult, error) {
	var last *ActionResult
	attempts := 0

	operation := func() error {
		attempts++
		res, err := safeNext(ctx, next)
		last = res
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		m.Logger.WithFields(logrus.Fields{
			"row":     actx.RowNumber,
			"attempt": attempts,
			"wait_ms": wait.Milliseconds(),
		}).WithError(err).Warn("Row processing faulted, retrying")
	}

	err := backoff.RetryNotify(operation, m.newBackOff(ctx), notify)
	if err == nil {
		if last == nil {
			return Failure(KindInfrastructure, "pipeline returned no result"), nil
		}
		return last, nil
	}

	failure := Failure(classifyFault(err), fmt.Sprintf("Row processing failed: %v", err))
	if last != nil {
		for k, v := range last.Data {
			failure.Data[k] = v
		}
	}
	var actionErr *ActionError
	if errors.As(err, &actionErr) {
		failure.WithData(KeyFailedAction, actionErr.Action).
			WithData(KeyCompletedActions, actionErr.Completed)
	}
	failure.WithData("fault_attempts", attempts)

	entry := m.Logger.WithFields(logrus.Fields{"row": actx.RowNumber, "attempts": attempts, "kind": failure.Kind})
	var panicErr *PanicError
	if errors.As(err, &panicErr) {
		entry = entry.WithField("stack", string(panicErr.Stack))
	}
	entry.WithError(err).Error("Row processing fault converted to failure")
	return failure, nil
}

func classifyFault(err error) FailureKind {
	var actionErr *ActionError
	switch {
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.As(err, &actionErr):
		return KindActionFault
	default:
		return KindInfrastructure
	}
}

// safeNext converts a panic in the inner chain into an error
func safeNext(ctx context.Context, next Next) (res *ActionResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return next(ctx)
}
