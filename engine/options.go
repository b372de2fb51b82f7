package engine

import (
	"log/slog"
	"time"

	"github.com/ferromir/bluestreak"
	"github.com/ferromir/bluestreak/backoff"
	"github.com/ferromir/bluestreak/middleware"
	"github.com/ferromir/bluestreak/workflow"
)

// Option configures an Engine.
type Option func(*Engine) error

// WithConfig replaces the whole configuration.
func WithConfig(cfg bluestreak.Config) Option {
	return func(e *Engine) error {
		e.cfg = cfg
		return nil
	}
}

// WithDBURL sets the MongoDB connection string.
func WithDBURL(url string) Option {
	return func(e *Engine) error {
		e.cfg.DBURL = url
		return nil
	}
}

// WithDBName sets the database name.
func WithDBName(name string) Option {
	return func(e *Engine) error {
		e.cfg.DBName = name
		return nil
	}
}

// WithStore injects a store, bypassing the MongoDB connection in Init.
func WithStore(s bluestreak.Store) Option {
	return func(e *Engine) error {
		e.store = s
		return nil
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) error {
		e.logger = l
		return nil
	}
}

// WithClock sets the clock.
func WithClock(c bluestreak.Clock) Option {
	return func(e *Engine) error {
		e.clock = c
		return nil
	}
}

// WithTimeoutInterval sets the claim lease length.
func WithTimeoutInterval(d time.Duration) Option {
	return func(e *Engine) error {
		e.cfg.TimeoutInterval = d
		return nil
	}
}

// WithPollInterval sets the poller's idle interval.
func WithPollInterval(d time.Duration) Option {
	return func(e *Engine) error {
		e.cfg.PollInterval = d
		return nil
	}
}

// WithWaitRetryInterval sets the delay before a failed instance becomes
// claimable again (under the default constant retry strategy).
func WithWaitRetryInterval(d time.Duration) Option {
	return func(e *Engine) error {
		e.cfg.WaitRetryInterval = d
		return nil
	}
}

// WithMaxFailures sets the failure budget. Zero or negative means
// unbounded retries.
func WithMaxFailures(n int) Option {
	return func(e *Engine) error {
		e.cfg.MaxFailures = n
		return nil
	}
}

// WithErrorCallback sets the advisory callback invoked after each
// recorded handler failure. Its own panics are swallowed.
func WithErrorCallback(cb workflow.ErrorCallback) Option {
	return func(e *Engine) error {
		e.errorCallback = cb
		return nil
	}
}

// WithShouldStop sets the poll-loop stop predicate.
func WithShouldStop(fn func() bool) Option {
	return func(e *Engine) error {
		e.shouldStop = fn
		return nil
	}
}

// WithMiddleware appends middleware to the handler chain.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(e *Engine) error {
		e.mws = append(e.mws, mws...)
		return nil
	}
}

// WithBackoff sets the retry delay strategy. If not set, a constant
// delay of WaitRetryInterval is used.
func WithBackoff(b backoff.Strategy) Option {
	return func(e *Engine) error {
		e.retryDelay = b
		return nil
	}
}
