package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// removeTimeout bounds the delete issued after a job finished.
const removeTimeout = 30 * time.Second

// runState is everything that exists only between Start and Stop.
// Executing jobs hold a pointer to the run that claimed them, so a Stop that
// gives up waiting never corrupts the state of a later Start.
type runState struct {
	ctx    context.Context
	cancel context.CancelFunc

	handlers Handlers
	names    []string

	mu     sync.Mutex
	byName map[string]int
	ids    map[string]struct{}
	total  int

	loop sync.WaitGroup
	jobs sync.WaitGroup

	// prev is an earlier run whose Stop gave up before its jobs finished.
	// Its jobs still count against the concurrency caps of this run.
	prev *runState

	waitOnce sync.Once
	drained  chan struct{}
}

func newRunState(ctx context.Context, handlers Handlers, prev *runState) *runState {
	if prev != nil && prev.finished() {
		prev = nil
	}
	run := &runState{
		handlers: handlers.clone(),
		byName:   map[string]int{},
		ids:      map[string]struct{}{},
		prev:     prev,
		drained:  make(chan struct{}),
	}
	run.names = run.handlers.Names()
	run.ctx, run.cancel = context.WithCancel(ctx)
	return run
}

func (r *runState) snapshot() inflight {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := inflight{
		byName: make(map[string]int, len(r.byName)),
		total:  r.total,
		ids:    make([]string, 0, len(r.ids)),
	}
	for name, n := range r.byName {
		current.byName[name] = n
	}
	for id := range r.ids {
		current.ids = append(current.ids, id)
	}
	if r.prev != nil {
		earlier := r.prev.snapshot()
		for name, n := range earlier.byName {
			current.byName[name] += n
		}
		current.total += earlier.total
		current.ids = append(current.ids, earlier.ids...)
	}
	return current
}

// wait returns a channel closed once the loop, every job of this run and
// every job of the earlier runs have finished.
func (r *runState) wait() <-chan struct{} {
	r.waitOnce.Do(func() {
		go func() {
			r.loop.Wait()
			r.jobs.Wait()
			if r.prev != nil {
				<-r.prev.wait()
			}
			close(r.drained)
		}()
	})
	return r.drained
}

func (r *runState) finished() bool {
	select {
	case <-r.wait():
		return true
	default:
		return false
	}
}

func (r *runState) acquire(job *Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[job.Name]++
	r.ids[job.ID] = struct{}{}
	r.total++
}

func (r *runState) release(job *Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byName[job.Name] <= 1 {
		delete(r.byName, job.Name)
	} else {
		r.byName[job.Name]--
	}
	delete(r.ids, job.ID)
	r.total--
}

// loop is the poll loop. It polls once right away and then on every tick
// until the run is canceled.
func (s *Scheduler) loop(run *runState) {
	defer run.loop.Done()

	ticker := time.NewTicker(s.config.ProcessEvery)
	defer ticker.Stop()

	s.tick(run)
	for {
		select {
		case <-run.ctx.Done():
			return
		case <-ticker.C:
			s.tick(run)
		}
	}
}

// tick claims what the caps allow and launches each claimed job.
// It never waits for the jobs it launched.
func (s *Scheduler) tick(run *runState) {
	jobs, err := s.leases.claimDue(run.ctx, run.names, run.snapshot())

	for _, job := range jobs {
		s.stats.claimed.Add(1)
		s.log.Debugw("claimed job",
			"jobId", job.ID,
			"name", job.Name,
			"runAt", job.RunAt,
			"lockedUntil", job.LockedUntil,
		)
		run.acquire(job)
		run.jobs.Add(1)
		go s.execute(run, job)
	}

	if err != nil {
		if run.ctx.Err() != nil {
			return
		}
		s.stats.storeErrors.Add(1)
		err = storeUnavailable(err, "claim due jobs")
		if s.storeWarn.Allow() {
			s.log.Warnw("poll skipped, store unavailable", "error", err)
		}
		s.handleError(run.ctx, err)
	}
}

// execute runs one claimed job and removes it afterwards, whatever the outcome.
func (s *Scheduler) execute(run *runState, job *Job) {
	defer run.jobs.Done()
	defer run.release(job)

	// Stop drains handlers instead of aborting them.
	ctx := context.WithoutCancel(run.ctx)
	started := s.clock.Now()

	var err error
	if handler, ok := run.handlers[job.Name]; ok {
		err = invoke(ctx, handler, job)
		if err != nil {
			s.stats.failed.Add(1)
			err = handlerFailed(job, err)
			s.log.Errorw("job failed",
				"jobId", job.ID,
				"name", job.Name,
				"payload", job.Payload,
				"duration", s.clock.Now().Sub(started),
				"error", err,
			)
		} else {
			s.stats.succeeded.Add(1)
			s.log.Debugw("job completed",
				"jobId", job.ID,
				"name", job.Name,
				"duration", s.clock.Now().Sub(started),
			)
		}
	} else {
		s.stats.unknown.Add(1)
		err = unknownJobName(job)
		s.log.Warnw("no handler for job", "jobId", job.ID, "name", job.Name)
	}

	s.remove(ctx, job)

	if err != nil {
		s.handleError(ctx, err)
	}
}

// remove deletes the finished job if it still holds the lease of this claim.
func (s *Scheduler) remove(ctx context.Context, job *Job) {
	if job.LockedUntil == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, removeTimeout)
	defer cancel()

	removed, err := s.store.Release(ctx, job.ID, *job.LockedUntil)
	if err != nil {
		err = errors.Wrapf(err, "remove finished job %s", job.ID)
		s.log.Errorw("failed to remove finished job", "jobId", job.ID, "name", job.Name, "error", err)
		s.handleError(ctx, err)
		return
	}
	if !removed {
		// Canceled, rescheduled or claimed again while it ran.
		s.log.Debugw("finished job kept", "jobId", job.ID, "name", job.Name)
	}
}

// invoke calls the handler and turns a panic into an error.
func invoke(ctx context.Context, handler Handler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("panic: %v", r)
		}
	}()
	return handler(ctx, job)
}
