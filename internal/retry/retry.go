package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/drewdunne/forgesync/internal/metrics"
	"github.com/drewdunne/forgesync/internal/provider"
)

// Config holds retry settings.
type Config struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	AttemptTimeout time.Duration
}

// DefaultConfig returns the default retry settings.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		BaseDelay:      time.Second,
		MaxDelay:       10 * time.Second,
		AttemptTimeout: 30 * time.Second,
	}
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// ExhaustedError is returned when every attempt failed with a transient error.
type ExhaustedError struct {
	Provider string
	Op       string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s %s: giving up after %d attempts: %v", e.Provider, e.Op, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Executor runs remote calls with bounded exponential backoff.
type Executor struct {
	cfg    Config
	sleep  SleepFunc
	logger *zap.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithSleep replaces the wait between attempts (tests).
func WithSleep(fn SleepFunc) Option {
	return func(e *Executor) {
		e.sleep = fn
	}
}

// WithLogger sets the logger used to report retries.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// New creates an Executor. Zero values in cfg fall back to DefaultConfig.
func New(cfg Config, opts ...Option) *Executor {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = def.AttemptTimeout
	}

	e := &Executor{
		cfg:    cfg,
		sleep:  sleepContext,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Delay returns the wait after the failed attempt with zero-based index attempt.
func (e *Executor) Delay(attempt int, err error) time.Duration {
	d := e.cfg.MaxDelay
	if attempt < 30 {
		if scaled := e.cfg.BaseDelay << attempt; scaled > 0 && scaled < d {
			d = scaled
		}
	}

	if provider.KindOf(err) == provider.KindRateLimited {
		wait := 2 * d
		if ra := provider.RetryAfterOf(err); ra > wait {
			wait = ra
		}
		d = min(wait, e.cfg.MaxDelay)
	}
	return d
}

// Do runs an idempotent call.
func (e *Executor) Do(ctx context.Context, providerName, op string, fn func(ctx context.Context) error) error {
	return e.run(ctx, providerName, op, true, fn)
}

// DoMutation runs a call with remote side effects. Failures whose outcome is
// unknown (transport errors, timeouts) are not retried.
func (e *Executor) DoMutation(ctx context.Context, providerName, op string, fn func(ctx context.Context) error) error {
	return e.run(ctx, providerName, op, false, fn)
}

// Call runs an idempotent call that returns a value.
func Call[T any](ctx context.Context, e *Executor, providerName, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := e.Do(ctx, providerName, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		out = v
		return err
	})
	return out, err
}

// CallMutation runs a call with remote side effects that returns a value.
// The value is returned alongside a *provider.FollowUpError so callers can
// record a change that was applied remotely.
func CallMutation[T any](ctx context.Context, e *Executor, providerName, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := e.DoMutation(ctx, providerName, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		out = v
		return err
	})
	return out, err
}

func (e *Executor) run(ctx context.Context, providerName, op string, idempotent bool, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < e.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := e.Delay(attempt-1, lastErr)
			e.logger.Debug("retrying remote call",
				zap.String("provider", providerName),
				zap.String("op", op),
				zap.Int("attempt", attempt+1),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)
			metrics.RemoteRetry()
			if err := e.sleep(ctx, delay); err != nil {
				metrics.RemoteFailure()
				return fmt.Errorf("%s %s: %w", providerName, op, err)
			}
		}

		err := e.attempt(ctx, providerName, op, fn)
		if err == nil {
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			metrics.RemoteFailure()
			return err
		}
		if !e.shouldRetry(err, idempotent) {
			metrics.RemoteFailure()
			return err
		}
	}

	metrics.RemoteFailure()
	return &ExhaustedError{Provider: providerName, Op: op, Attempts: e.cfg.MaxAttempts, Err: lastErr}
}

// attempt runs fn once under the per-attempt timeout.
func (e *Executor) attempt(ctx context.Context, providerName, op string, fn func(ctx context.Context) error) error {
	attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.AttemptTimeout)
	defer cancel()

	err := fn(attemptCtx)
	if err == nil {
		return nil
	}
	if ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && provider.KindOf(err) != provider.KindRemoteUnavailable {
		return &provider.Error{
			Kind:     provider.KindRemoteUnavailable,
			Provider: providerName,
			Op:       op,
			Err:      err,
		}
	}
	return err
}

func (e *Executor) shouldRetry(err error, idempotent bool) bool {
	if !provider.Retryable(err) {
		return false
	}
	if idempotent {
		return true
	}
	// Mutations are repeated only after a status response; transport
	// failures leave the outcome unknown.
	var pe *provider.Error
	if errors.As(err, &pe) {
		return pe.Kind == provider.KindRateLimited || pe.StatusCode != 0
	}
	return false
}
