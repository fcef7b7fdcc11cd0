package scheduler

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// Config holds the configuration for a Scheduler.
// New applies no defaults to the timing and limit fields; use DefaultConfig
// as a starting point when explicit values are not available.
type Config struct {
	// Store is the required persistence layer.
	Store Store

	// ProcessEvery is the poll tick interval.
	ProcessEvery time.Duration

	// DefaultConcurrency caps simultaneous executions of one job name.
	DefaultConcurrency int

	// MaxConcurrency caps simultaneous executions across all job names.
	MaxConcurrency int

	// DefaultLockLimit caps how many jobs of one name are claimed per tick.
	// 0 means no per-tick limit beyond the concurrency caps.
	DefaultLockLimit int

	// LockLimit caps how many jobs are claimed per tick in total.
	// 0 means no per-tick limit beyond the concurrency caps.
	LockLimit int

	// DefaultLockLifetime is how long a claimed job stays leased.
	// If a worker crashes, the job becomes claimable again after this duration.
	DefaultLockLifetime time.Duration

	// Logger receives structured scheduler events. Nil disables logging.
	Logger *zap.SugaredLogger

	// Clock is the time source. Nil uses the wall clock.
	Clock Clock

	// Event Handlers (all optional)

	// OnStart is called when the scheduler starts.
	OnStart func(ctx context.Context) error

	// OnStop is called after the scheduler drained its in-flight jobs.
	OnStop func(ctx context.Context) error

	// OnError is called for every isolated failure: handler errors, unknown
	// job names and store errors during a tick. Job failures are *JobError.
	OnError func(ctx context.Context, err error)
}

// DefaultConfig returns a Config with the values used by the reference
// deployment. The Store still has to be set.
func DefaultConfig() Config {
	return Config{
		ProcessEvery:        5 * time.Second,
		DefaultConcurrency:  5,
		MaxConcurrency:      20,
		DefaultLockLimit:    0,
		LockLimit:           0,
		DefaultLockLifetime: 10 * time.Minute,
	}
}

func (c Config) validate() error {
	switch {
	case c.Store == nil:
		return errors.Wrap(ErrInvalidConfig, "store is required")
	case c.ProcessEvery <= 0:
		return errors.Wrap(ErrInvalidConfig, "ProcessEvery must be positive")
	case c.DefaultConcurrency <= 0:
		return errors.Wrap(ErrInvalidConfig, "DefaultConcurrency must be positive")
	case c.MaxConcurrency <= 0:
		return errors.Wrap(ErrInvalidConfig, "MaxConcurrency must be positive")
	case c.DefaultLockLimit < 0:
		return errors.Wrap(ErrInvalidConfig, "DefaultLockLimit must not be negative")
	case c.LockLimit < 0:
		return errors.Wrap(ErrInvalidConfig, "LockLimit must not be negative")
	case c.DefaultLockLifetime <= 0:
		return errors.Wrap(ErrInvalidConfig, "DefaultLockLifetime must be positive")
	}
	return nil
}

// Clock abstracts time for testing.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }
