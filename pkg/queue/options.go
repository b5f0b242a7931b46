package queue

import (
	"log/slog"
	"time"

	"github.com/aretw0/blockq/pkg/domain"
	"github.com/aretw0/blockq/pkg/ports"
	"golang.org/x/time/rate"
)

const (
	// DefaultAbortTimeout bounds how long an item may stay aborting before it is forced to idle.
	DefaultAbortTimeout = 5 * time.Second

	// DefaultHistoryLimit is the number of items retained per key.
	DefaultHistoryLimit = 16
)

// Option configures the Queue.
type Option func(*options)

type options struct {
	logger          *slog.Logger
	hooks           domain.LifecycleHooks
	limiter         *rate.Limiter
	locker          ports.DistributedLocker
	abortTimeout    time.Duration
	execTimeout     time.Duration
	historyLimit    int
	retainCompleted bool
	now             func() time.Time
	newID           func() string
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithLifecycleHooks registers observability hooks.
func WithLifecycleHooks(hooks domain.LifecycleHooks) Option {
	return func(o *options) {
		o.hooks = hooks
	}
}

// WithRateLimiter throttles dispatches to the backend. Items waiting for a token stay
// enqueued and keep coalescing.
func WithRateLimiter(l *rate.Limiter) Option {
	return func(o *options) {
		o.limiter = l
	}
}

// WithLocker wraps every backend call in a distributed lock on the item's key.
func WithLocker(l ports.DistributedLocker) Option {
	return func(o *options) {
		o.locker = l
	}
}

// WithAbortTimeout sets how long a cancelled running item may wait for the backend
// before it is forced to idle. Zero keeps the default.
func WithAbortTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.abortTimeout = d
		}
	}
}

// WithExecTimeout bounds each backend call. Zero means no limit.
func WithExecTimeout(d time.Duration) Option {
	return func(o *options) {
		o.execTimeout = d
	}
}

// WithHistoryLimit sets how many items are retained per key (minimum 1).
func WithHistoryLimit(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.historyLimit = n
		}
	}
}

// WithRetainCompleted keeps finished items in completed until Acknowledge or the next
// enqueue on the key, instead of moving them to idle immediately.
func WithRetainCompleted(retain bool) Option {
	return func(o *options) {
		o.retainCompleted = retain
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithIDGenerator overrides the item ID generator.
func WithIDGenerator(gen func() string) Option {
	return func(o *options) {
		o.newID = gen
	}
}
