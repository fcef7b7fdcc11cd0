package scheduler

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Scheduler runs one-shot jobs from a shared Store.
//
// Several Scheduler instances, in one process or many, may share a store.
// Each due job is leased through the store's atomic claim, so only one of them
// executes it at a time.
type Scheduler struct {
	store  Store
	config Config
	clock  Clock
	log    *zap.SugaredLogger
	leases *leaseManager

	// storeWarn rate limits store-unavailable warnings during outages.
	storeWarn *rate.Limiter
	stats     schedulerStats

	// running gates Schedule.
	running atomic.Bool

	// lifecycle serializes Start and Stop.
	lifecycle sync.Mutex
	mu        sync.Mutex
	run       *runState
	// draining is the last run whose Stop gave up before its jobs finished.
	draining *runState
}

// New creates a new Scheduler with the given configuration.
// Returns an error if the configuration is invalid.
func New(config Config) (*Scheduler, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}

	clock := config.Clock
	if clock == nil {
		clock = realClock{}
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	return &Scheduler{
		store:     config.Store,
		config:    config,
		clock:     clock,
		log:       logger.Named("scheduler"),
		leases:    newLeaseManager(config, clock),
		storeWarn: rate.NewLimiter(rate.Every(time.Second), 1),
	}, nil
}

// Start registers the handlers and begins polling the store.
// Calling Start while the scheduler is running is a no-op; the registry of
// the running instance is kept. The scheduler runs until Stop is called or
// the context is canceled.
func (s *Scheduler) Start(ctx context.Context, handlers Handlers) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.running.Load() {
		return nil
	}
	if err := handlers.validate(); err != nil {
		return err
	}

	// A run whose context was canceled from outside is drained first.
	if err := s.drain(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	prev := s.draining
	s.mu.Unlock()

	run := newRunState(ctx, handlers, prev)

	if s.config.OnStart != nil {
		if err := s.config.OnStart(run.ctx); err != nil {
			run.cancel()
			return errors.Wrap(err, "OnStart handler failed")
		}
	}

	s.mu.Lock()
	s.run = run
	s.draining = nil
	s.mu.Unlock()
	s.running.Store(true)

	run.loop.Add(1)
	go func() {
		s.loop(run)
		// The parent context ended without Stop.
		if run.ctx.Err() != nil {
			s.mu.Lock()
			if s.run == run {
				s.running.Store(false)
			}
			s.mu.Unlock()
		}
	}()

	s.log.Infow("scheduler started",
		"collection", s.store.CollectionName(),
		"jobNames", run.names,
		"processEvery", s.config.ProcessEvery,
		"lockLifetime", s.config.DefaultLockLifetime,
	)
	return nil
}

// Stop stops polling and waits for executing jobs to finish.
// It's safe to call Stop multiple times.
//
// If ctx ends before the jobs finished, Stop returns ctx.Err(); the jobs keep
// running and still remove their documents when they complete. Until then
// they count against the concurrency limits of a later Start.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.running.Store(false)
	return s.drain(ctx)
}

// drain stops the current run, if any, and waits for it. Callers hold lifecycle.
func (s *Scheduler) drain(ctx context.Context) error {
	s.mu.Lock()
	run := s.run
	s.mu.Unlock()
	if run == nil {
		return nil
	}

	run.cancel()

	var err error
	select {
	case <-run.wait():
	case <-ctx.Done():
		err = ctx.Err()
		s.log.Warnw("stop gave up waiting for running jobs", "inFlight", run.snapshot().total)
	}

	s.mu.Lock()
	if s.run == run {
		s.run = nil
	}
	s.draining = nil
	if err != nil {
		s.draining = run
	}
	s.mu.Unlock()

	s.log.Infow("scheduler stopped", "collection", s.store.CollectionName())

	if s.config.OnStop != nil {
		if stopErr := s.config.OnStop(context.WithoutCancel(ctx)); stopErr != nil && err == nil {
			err = errors.Wrap(stopErr, "OnStop handler failed")
		}
	}
	return err
}

// IsRunning returns true if the scheduler accepts and executes jobs.
func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}

// CollectionName returns the name of the collection the jobs are stored in.
func (s *Scheduler) CollectionName() string {
	return s.store.CollectionName()
}

// Schedule stores a new job and returns its ID.
// It fails with ErrNotRunning before Start, since nothing would ever claim
// the job. A zero RunAt means now.
func (s *Scheduler) Schedule(ctx context.Context, spec Spec) (string, error) {
	if !s.running.Load() {
		return "", ErrNotRunning
	}
	id, job, err := insert(ctx, s.store, spec, s.clock.Now())
	if err != nil {
		return "", err
	}

	s.log.Debugw("scheduled job", "jobId", id, "name", job.Name, "runAt", job.RunAt)
	return id, nil
}

// Enqueue stores a new job without a running Scheduler, for producers that
// only add work for scheduler processes elsewhere. A zero RunAt means now.
func Enqueue(ctx context.Context, store Store, spec Spec) (string, error) {
	id, _, err := insert(ctx, store, spec, time.Now())
	return id, err
}

func insert(ctx context.Context, store Store, spec Spec, now time.Time) (string, *Job, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return "", nil, errors.New("job name is required")
	}
	payload, err := NormalizePayload(spec.Payload)
	if err != nil {
		return "", nil, err
	}

	runAt := spec.RunAt
	if runAt.IsZero() {
		runAt = now
	}

	job := &Job{
		Name:      spec.Name,
		Payload:   payload,
		RunAt:     runAt,
		CreatedAt: now,
		UpdatedAt: now,
	}
	id, err := store.Insert(ctx, job)
	if err != nil {
		return "", nil, errors.Wrapf(err, "schedule %q", spec.Name)
	}
	return id, job, nil
}

// Cancel removes a job. It reports false if the job no longer exists because
// it already ran, was canceled, or never existed.
// A job that is executing right now is not interrupted.
func (s *Scheduler) Cancel(ctx context.Context, id string) (bool, error) {
	removed, err := s.store.Delete(ctx, id)
	if err != nil {
		return false, errors.Wrapf(err, "cancel job %s", id)
	}
	s.log.Debugw("canceled job", "jobId", id, "removed", removed)
	return removed, nil
}

// Reschedule replaces a job's name, payload and run time and releases any
// lease on it. It reports false if the job does not exist.
func (s *Scheduler) Reschedule(ctx context.Context, id string, spec Spec) (bool, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return false, errors.New("job name is required")
	}
	payload, err := NormalizePayload(spec.Payload)
	if err != nil {
		return false, err
	}

	now := s.clock.Now()
	runAt := spec.RunAt
	if runAt.IsZero() {
		runAt = now
	}

	updated, err := s.store.Replace(ctx, id, Replacement{
		Name:    spec.Name,
		Payload: payload,
		RunAt:   runAt,
		Now:     now,
	})
	if err != nil {
		return false, errors.Wrapf(err, "reschedule job %s", id)
	}

	s.log.Debugw("rescheduled job", "jobId", id, "name", spec.Name, "runAt", runAt, "updated", updated)
	return updated, nil
}

// handleError calls the OnError handler if configured.
func (s *Scheduler) handleError(ctx context.Context, err error) {
	if s.config.OnError != nil {
		s.config.OnError(ctx, err)
	}
}
