package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockStore is a simple in-memory store for testing
type MockStore struct {
	mu        sync.Mutex
	jobs      map[string]*Job
	order     []string
	idCounter int

	claimErr   error
	claimCalls int
}

func NewMockStore() *MockStore {
	return &MockStore{
		jobs:      make(map[string]*Job),
		idCounter: 1,
	}
}

func (s *MockStore) CollectionName() string { return "jobs" }

// AddJob stores a job directly, bypassing the scheduler.
func (s *MockStore) AddJob(job *Job) string {
	id, _ := s.Insert(context.Background(), job)
	return id
}

func (s *MockStore) Insert(ctx context.Context, job *Job) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := cloneJob(job)
	stored.ID = fmt.Sprintf("job-%d", s.idCounter)
	stored.LockedUntil = nil
	s.idCounter++
	s.jobs[stored.ID] = stored
	s.order = append(s.order, stored.ID)
	return stored.ID, nil
}

func (s *MockStore) ClaimNext(ctx context.Context, filter ClaimFilter) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.claimCalls++
	if s.claimErr != nil {
		return nil, s.claimErr
	}

	for _, id := range s.order {
		job, ok := s.jobs[id]
		if !ok || !filter.Matches(job) {
			continue
		}
		lockUntil, now := filter.LockUntil, filter.Now
		job.LockedUntil = &lockUntil
		job.LastRunAt = &now
		return cloneJob(job), nil
	}
	return nil, nil
}

func (s *MockStore) Replace(ctx context.Context, id string, r Replacement) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return false, nil
	}
	job.Name = r.Name
	job.Payload = r.Payload
	job.RunAt = r.RunAt
	job.LockedUntil = nil
	job.UpdatedAt = r.Now
	return true, nil
}

func (s *MockStore) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return false, nil
	}
	delete(s.jobs, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true, nil
}

func (s *MockStore) Release(ctx context.Context, id string, lockedUntil time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || job.LockedUntil == nil || !job.LockedUntil.Equal(lockedUntil) {
		return false, nil
	}
	delete(s.jobs, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true, nil
}

func (s *MockStore) FindByID(ctx context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	return cloneJob(job), nil
}

func (s *MockStore) SetClaimError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claimErr = err
}

func (s *MockStore) ClaimCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.claimCalls
}

func (s *MockStore) CountJobs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

func cloneJob(job *Job) *Job {
	out := *job
	out.Payload = make(map[string]interface{}, len(job.Payload))
	for k, v := range job.Payload {
		out.Payload[k] = v
	}
	if job.LockedUntil != nil {
		t := *job.LockedUntil
		out.LockedUntil = &t
	}
	if job.LastRunAt != nil {
		t := *job.LastRunAt
		out.LastRunAt = &t
	}
	return &out
}

func testConfig(store Store) Config {
	return Config{
		Store:               store,
		ProcessEvery:        10 * time.Millisecond,
		DefaultConcurrency:  1,
		MaxConcurrency:      1,
		DefaultLockLimit:    1,
		LockLimit:           1,
		DefaultLockLifetime: time.Second,
	}
}

func newTestScheduler(t *testing.T, config Config) *Scheduler {
	t.Helper()
	sched, err := New(config)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sched.Stop(ctx)
	})
	return sched
}

func stopScheduler(t *testing.T, sched *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sched.Stop(ctx))
}

func TestNew(t *testing.T) {
	t.Run("requires store", func(t *testing.T) {
		_, err := New(Config{})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvalidConfig))
	})

	invalid := map[string]func(*Config){
		"process every":         func(c *Config) { c.ProcessEvery = 0 },
		"default concurrency":   func(c *Config) { c.DefaultConcurrency = 0 },
		"max concurrency":       func(c *Config) { c.MaxConcurrency = -1 },
		"default lock limit":    func(c *Config) { c.DefaultLockLimit = -1 },
		"lock limit":            func(c *Config) { c.LockLimit = -1 },
		"default lock lifetime": func(c *Config) { c.DefaultLockLifetime = 0 },
	}
	for name, mutate := range invalid {
		t.Run("rejects invalid "+name, func(t *testing.T) {
			config := testConfig(NewMockStore())
			mutate(&config)
			_, err := New(config)
			assert.True(t, errors.Is(err, ErrInvalidConfig), "got %v", err)
		})
	}

	t.Run("applies no implicit defaults", func(t *testing.T) {
		config := testConfig(NewMockStore())
		config.DefaultLockLimit = 0
		config.LockLimit = 0

		sched, err := New(config)
		require.NoError(t, err)
		assert.Equal(t, config.DefaultLockLifetime, sched.config.DefaultLockLifetime)
		assert.Zero(t, sched.config.LockLimit)
	})

	t.Run("default config is valid once a store is set", func(t *testing.T) {
		config := DefaultConfig()
		config.Store = NewMockStore()
		_, err := New(config)
		assert.NoError(t, err)
	})
}

func TestScheduler_StartStop(t *testing.T) {
	store := NewMockStore()
	var started, stopped atomic.Int32

	config := testConfig(store)
	config.OnStart = func(ctx context.Context) error { started.Add(1); return nil }
	config.OnStop = func(ctx context.Context) error { stopped.Add(1); return nil }
	sched := newTestScheduler(t, config)

	ctx := context.Background()
	require.NoError(t, sched.Start(ctx, NewHandlers()))
	assert.True(t, sched.IsRunning())

	// Second start is a no-op
	require.NoError(t, sched.Start(ctx, NewHandlers()))
	assert.EqualValues(t, 1, started.Load())

	stopScheduler(t, sched)
	assert.False(t, sched.IsRunning())
	assert.EqualValues(t, 1, stopped.Load())

	// Stop is idempotent
	stopScheduler(t, sched)
	assert.EqualValues(t, 1, stopped.Load())

	// And the scheduler can be started again
	require.NoError(t, sched.Start(ctx, NewHandlers()))
	assert.True(t, sched.IsRunning())
	assert.EqualValues(t, 2, started.Load())
}

func TestScheduler_OnStartFailure(t *testing.T) {
	config := testConfig(NewMockStore())
	config.OnStart = func(ctx context.Context) error { return errors.New("boom") }
	sched := newTestScheduler(t, config)

	err := sched.Start(context.Background(), NewHandlers())
	require.Error(t, err)
	assert.False(t, sched.IsRunning())
}

func TestScheduler_StartRejectsNilHandler(t *testing.T) {
	sched := newTestScheduler(t, testConfig(NewMockStore()))

	err := sched.Start(context.Background(), Handlers{"test": nil})
	assert.True(t, errors.Is(err, ErrInvalidHandler))
	assert.False(t, sched.IsRunning())
}

func TestScheduler_ScheduleBeforeStart(t *testing.T) {
	store := NewMockStore()
	sched := newTestScheduler(t, testConfig(store))

	_, err := sched.Schedule(context.Background(), Spec{
		Name:    "test",
		RunAt:   time.Now().Add(50 * time.Millisecond),
		Payload: map[string]interface{}{"message": "not-started"},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotRunning))
	assert.Equal(t, "scheduler is not running", err.Error())
	assert.Zero(t, store.CountJobs())
}

func TestScheduler_ScheduleAfterStop(t *testing.T) {
	sched := newTestScheduler(t, testConfig(NewMockStore()))
	require.NoError(t, sched.Start(context.Background(), NewHandlers()))
	stopScheduler(t, sched)

	_, err := sched.Schedule(context.Background(), Spec{Name: "test"})
	assert.True(t, errors.Is(err, ErrNotRunning))
}

func TestScheduler_ScheduleReturnsFindableID(t *testing.T) {
	store := NewMockStore()
	sched := newTestScheduler(t, testConfig(store))
	require.NoError(t, sched.Start(context.Background(), NewHandlers()))

	runAt := time.Now().Add(time.Hour)
	ids := map[string]bool{}
	for i := 0; i < 5; i++ {
		id, err := sched.Schedule(context.Background(), Spec{
			Name:    "test",
			RunAt:   runAt,
			Payload: map[string]interface{}{"i": i},
		})
		require.NoError(t, err)
		assert.False(t, ids[id], "id %s returned twice", id)
		ids[id] = true

		job, err := store.FindByID(context.Background(), id)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, "test", job.Name)
		assert.Equal(t, i, job.Payload["i"])
		assert.Nil(t, job.LockedUntil)
	}
}

func TestScheduler_ScheduleRequiresName(t *testing.T) {
	sched := newTestScheduler(t, testConfig(NewMockStore()))
	require.NoError(t, sched.Start(context.Background(), NewHandlers()))

	_, err := sched.Schedule(context.Background(), Spec{RunAt: time.Now()})
	assert.Error(t, err)
}

func TestEnqueue(t *testing.T) {
	ctx := context.Background()
	store := NewMockStore()

	id, err := Enqueue(ctx, store, Spec{Name: "test", Payload: map[string]interface{}{"message": "queued"}})
	require.NoError(t, err)

	job, err := store.FindByID(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "queued", job.Payload["message"])
	assert.False(t, job.RunAt.IsZero(), "zero RunAt means now")

	_, err = Enqueue(ctx, store, Spec{})
	assert.Error(t, err)

	// A scheduler started later picks the job up.
	received := make(chan string, 1)
	sched := newTestScheduler(t, testConfig(store))
	handlers := NewHandlers().MustRegister("test", func(ctx context.Context, job *Job) error {
		received <- job.Payload["message"].(string)
		return nil
	})
	require.NoError(t, sched.Start(ctx, handlers))

	select {
	case msg := <-received:
		assert.Equal(t, "queued", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for enqueued job")
	}
}

func TestScheduler_ExecutesScheduledJob(t *testing.T) {
	store := NewMockStore()
	sched := newTestScheduler(t, testConfig(store))

	var calls atomic.Int32
	received := make(chan string, 1)
	handlers := NewHandlers().MustRegister("test", func(ctx context.Context, job *Job) error {
		calls.Add(1)
		received <- job.Payload["message"].(string)
		return nil
	})
	require.NoError(t, sched.Start(context.Background(), handlers))

	id, err := sched.Schedule(context.Background(), Spec{
		Name:    "test",
		RunAt:   time.Now(),
		Payload: map[string]interface{}{"message": "hello"},
	})
	require.NoError(t, err)

	select {
	case msg := <-received:
		assert.Equal(t, "hello", msg)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for job")
	}

	require.Eventually(t, func() bool {
		job, _ := store.FindByID(context.Background(), id)
		return job == nil
	}, time.Second, 10*time.Millisecond, "job should be removed after running")

	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, calls.Load())

	stats := sched.Stats()
	assert.EqualValues(t, 1, stats.Claimed)
	assert.EqualValues(t, 1, stats.Succeeded)
}

func TestScheduler_DoesNotRunBeforeRunAt(t *testing.T) {
	store := NewMockStore()
	sched := newTestScheduler(t, testConfig(store))

	ran := make(chan time.Time, 1)
	handlers := NewHandlers().MustRegister("test", func(ctx context.Context, job *Job) error {
		ran <- time.Now()
		return nil
	})
	require.NoError(t, sched.Start(context.Background(), handlers))

	runAt := time.Now().Add(150 * time.Millisecond)
	_, err := sched.Schedule(context.Background(), Spec{Name: "test", RunAt: runAt})
	require.NoError(t, err)

	select {
	case at := <-ran:
		assert.False(t, at.Before(runAt), "job ran %v before its run time", runAt.Sub(at))
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for job")
	}
}

func TestScheduler_Cancel(t *testing.T) {
	store := NewMockStore()
	sched := newTestScheduler(t, testConfig(store))

	var calls atomic.Int32
	handlers := NewHandlers().MustRegister("test", func(ctx context.Context, job *Job) error {
		calls.Add(1)
		return nil
	})
	require.NoError(t, sched.Start(context.Background(), handlers))

	id, err := sched.Schedule(context.Background(), Spec{
		Name:    "test",
		RunAt:   time.Now().Add(200 * time.Millisecond),
		Payload: map[string]interface{}{"message": "cancel"},
	})
	require.NoError(t, err)

	canceled, err := sched.Cancel(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, canceled)

	canceled, err = sched.Cancel(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, canceled, "second cancel finds nothing")

	job, err := store.FindByID(context.Background(), id)
	require.NoError(t, err)
	assert.Nil(t, job)

	time.Sleep(300 * time.Millisecond)
	assert.Zero(t, calls.Load())
}

func TestScheduler_Reschedule(t *testing.T) {
	store := NewMockStore()
	sched := newTestScheduler(t, testConfig(store))

	received := make(chan string, 2)
	handlers := NewHandlers().MustRegister("test", func(ctx context.Context, job *Job) error {
		received <- job.Payload["message"].(string)
		return nil
	})
	require.NoError(t, sched.Start(context.Background(), handlers))

	id, err := sched.Schedule(context.Background(), Spec{
		Name:    "test",
		RunAt:   time.Now().Add(400 * time.Millisecond),
		Payload: map[string]interface{}{"message": "old"},
	})
	require.NoError(t, err)

	updated, err := sched.Reschedule(context.Background(), id, Spec{
		Name:    "test",
		RunAt:   time.Now().Add(30 * time.Millisecond),
		Payload: map[string]interface{}{"message": "new"},
	})
	require.NoError(t, err)
	assert.True(t, updated)

	select {
	case msg := <-received:
		assert.Equal(t, "new", msg)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for rescheduled job")
	}

	// The old run time passes without another execution.
	time.Sleep(500 * time.Millisecond)
	assert.Empty(t, received)
}

func TestScheduler_RescheduleMissingJob(t *testing.T) {
	store := NewMockStore()
	sched := newTestScheduler(t, testConfig(store))
	require.NoError(t, sched.Start(context.Background(), NewHandlers()))

	keep := store.AddJob(&Job{Name: "test", RunAt: time.Now().Add(time.Hour)})

	updated, err := sched.Reschedule(context.Background(), "missing", Spec{
		Name:    "test",
		RunAt:   time.Now().Add(50 * time.Millisecond),
		Payload: map[string]interface{}{"message": "missing"},
	})
	require.NoError(t, err)
	assert.False(t, updated)
	assert.Equal(t, 1, store.CountJobs())

	job, _ := store.FindByID(context.Background(), keep)
	require.NotNil(t, job)
	assert.Nil(t, job.Payload["message"])
}

func TestScheduler_RescheduleReleasesLease(t *testing.T) {
	store := NewMockStore()
	sched := newTestScheduler(t, testConfig(store))

	now := time.Now()
	id := store.AddJob(&Job{Name: "test", RunAt: now})
	claimed, err := store.ClaimNext(context.Background(), ClaimFilter{Now: now, LockUntil: now.Add(time.Hour)})
	require.NoError(t, err)
	require.NotNil(t, claimed)

	updated, err := sched.Reschedule(context.Background(), id, Spec{Name: "test", RunAt: now})
	require.NoError(t, err)
	require.True(t, updated)

	job, _ := store.FindByID(context.Background(), id)
	require.NotNil(t, job)
	assert.Nil(t, job.LockedUntil)
	assert.True(t, job.Claimable(time.Now()))
}

func TestScheduler_RescheduleWhileRunning(t *testing.T) {
	store := NewMockStore()
	sched := newTestScheduler(t, testConfig(store))

	started := make(chan struct{})
	release := make(chan struct{})
	received := make(chan string, 2)
	var calls atomic.Int32
	handlers := NewHandlers().MustRegister("test", func(ctx context.Context, job *Job) error {
		if calls.Add(1) == 1 {
			close(started)
			<-release
		}
		received <- job.Payload["message"].(string)
		return nil
	})
	require.NoError(t, sched.Start(context.Background(), handlers))

	id, err := sched.Schedule(context.Background(), Spec{
		Name:    "test",
		Payload: map[string]interface{}{"message": "old"},
	})
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for job to start")
	}

	updated, err := sched.Reschedule(context.Background(), id, Spec{
		Name:    "test",
		RunAt:   time.Now().Add(50 * time.Millisecond),
		Payload: map[string]interface{}{"message": "new"},
	})
	require.NoError(t, err)
	require.True(t, updated)
	close(release)

	assert.Equal(t, "old", <-received)

	select {
	case msg := <-received:
		assert.Equal(t, "new", msg)
	case <-time.After(5 * time.Second):
		t.Fatal("the rescheduled job never ran")
	}
	require.Eventually(t, func() bool { return store.CountJobs() == 0 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(2), calls.Load())
}

func TestScheduler_FinishedJobKeepsNewerLease(t *testing.T) {
	store := NewMockStore()
	sched := newTestScheduler(t, testConfig(store))

	now := time.Now()
	id := store.AddJob(&Job{Name: "test", RunAt: now})
	first, err := store.ClaimNext(context.Background(), ClaimFilter{Now: now, LockUntil: now.Add(time.Millisecond)})
	require.NoError(t, err)
	require.NotNil(t, first)

	// The lease expired and another scheduler claimed the job.
	later := now.Add(time.Second)
	second, err := store.ClaimNext(context.Background(), ClaimFilter{Now: later, LockUntil: later.Add(time.Minute)})
	require.NoError(t, err)
	require.NotNil(t, second)

	sched.remove(context.Background(), first)
	assert.Equal(t, 1, store.CountJobs(), "a stale lease must not remove the job")

	sched.remove(context.Background(), second)
	job, _ := store.FindByID(context.Background(), id)
	assert.Nil(t, job)
}

func TestScheduler_HandlerFailure(t *testing.T) {
	store := NewMockStore()
	config := testConfig(store)
	config.DefaultConcurrency = 2
	config.MaxConcurrency = 2
	config.LockLimit = 0
	config.DefaultLockLimit = 0

	errs := make(chan error, 4)
	config.OnError = func(ctx context.Context, err error) { errs <- err }
	sched := newTestScheduler(t, config)

	var ok atomic.Int32
	handlers := NewHandlers().
		MustRegister("fail", func(ctx context.Context, job *Job) error {
			return errors.New("smtp down")
		}).
		MustRegister("ok", func(ctx context.Context, job *Job) error {
			ok.Add(1)
			return nil
		})
	require.NoError(t, sched.Start(context.Background(), handlers))

	failID, err := sched.Schedule(context.Background(), Spec{
		Name:    "fail",
		Payload: map[string]interface{}{"to": "a@example.com"},
	})
	require.NoError(t, err)
	_, err = sched.Schedule(context.Background(), Spec{Name: "ok"})
	require.NoError(t, err)

	select {
	case err := <-errs:
		assert.True(t, errors.Is(err, ErrHandlerFailed), "got %v", err)
		var jobErr *JobError
		require.True(t, errors.As(err, &jobErr))
		assert.Equal(t, failID, jobErr.JobID)
		assert.Equal(t, "a@example.com", jobErr.Payload["to"])
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for failure")
	}

	// One-shot: the failed job is removed, not retried.
	require.Eventually(t, func() bool { return store.CountJobs() == 0 }, time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 1, ok.Load())
	assert.EqualValues(t, 1, sched.Stats().Failed)
}

func TestScheduler_HandlerPanic(t *testing.T) {
	store := NewMockStore()
	config := testConfig(store)
	errs := make(chan error, 1)
	config.OnError = func(ctx context.Context, err error) { errs <- err }
	sched := newTestScheduler(t, config)

	handlers := NewHandlers().MustRegister("test", func(ctx context.Context, job *Job) error {
		panic("nil map")
	})
	require.NoError(t, sched.Start(context.Background(), handlers))
	_, err := sched.Schedule(context.Background(), Spec{Name: "test"})
	require.NoError(t, err)

	select {
	case err := <-errs:
		assert.True(t, errors.Is(err, ErrHandlerFailed))
		assert.Contains(t, err.Error(), "nil map")
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for failure")
	}
	require.Eventually(t, func() bool { return store.CountJobs() == 0 }, time.Second, 10*time.Millisecond)
	assert.True(t, sched.IsRunning())
}

func TestScheduler_UnknownJobName(t *testing.T) {
	store := NewMockStore()
	config := testConfig(store)
	errs := make(chan error, 1)
	config.OnError = func(ctx context.Context, err error) { errs <- err }
	sched := newTestScheduler(t, config)

	var calls atomic.Int32
	handlers := NewHandlers().MustRegister("test", func(ctx context.Context, job *Job) error {
		calls.Add(1)
		return nil
	})
	require.NoError(t, sched.Start(context.Background(), handlers))

	unknownID, err := sched.Schedule(context.Background(), Spec{Name: "nobody-handles-this"})
	require.NoError(t, err)

	select {
	case err := <-errs:
		assert.True(t, errors.Is(err, ErrUnknownJobName), "got %v", err)
		var jobErr *JobError
		require.True(t, errors.As(err, &jobErr))
		assert.Equal(t, unknownID, jobErr.JobID)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for unknown job failure")
	}

	require.Eventually(t, func() bool { return store.CountJobs() == 0 }, time.Second, 10*time.Millisecond)

	// The loop keeps working for known names.
	_, err = sched.Schedule(context.Background(), Spec{Name: "test"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 1, sched.Stats().UnknownName)
}

func TestScheduler_StoreUnavailable(t *testing.T) {
	store := NewMockStore()
	config := testConfig(store)
	var storeErrs atomic.Int32
	config.OnError = func(ctx context.Context, err error) {
		if errors.Is(err, ErrStoreUnavailable) {
			storeErrs.Add(1)
		}
	}
	sched := newTestScheduler(t, config)

	done := make(chan struct{})
	handlers := NewHandlers().MustRegister("test", func(ctx context.Context, job *Job) error {
		close(done)
		return nil
	})

	store.SetClaimError(errors.New("connection refused"))
	require.NoError(t, sched.Start(context.Background(), handlers))
	_, err := sched.Schedule(context.Background(), Spec{Name: "test"})
	require.NoError(t, err)

	// Several ticks fail but the loop keeps ticking.
	require.Eventually(t, func() bool { return storeErrs.Load() >= 3 }, 5*time.Second, 10*time.Millisecond)
	assert.True(t, sched.IsRunning())

	store.SetClaimError(nil)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("job did not run after the store recovered")
	}
	assert.GreaterOrEqual(t, sched.Stats().StoreErrors, int64(3))
}

func TestScheduler_StopDrainsRunningJobs(t *testing.T) {
	store := NewMockStore()
	sched := newTestScheduler(t, testConfig(store))

	started := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	handlers := NewHandlers().MustRegister("test", func(ctx context.Context, job *Job) error {
		close(started)
		<-release
		// Stop does not cancel running handlers.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		finished.Store(true)
		return nil
	})
	require.NoError(t, sched.Start(context.Background(), handlers))
	_, err := sched.Schedule(context.Background(), Spec{Name: "test"})
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for job to start")
	}

	t.Run("gives up when the context ends", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		err := sched.Stop(ctx)
		assert.True(t, errors.Is(err, context.DeadlineExceeded))
		assert.False(t, sched.IsRunning())
	})

	close(release)
	require.Eventually(t, func() bool { return finished.Load() }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return store.CountJobs() == 0 }, time.Second, 10*time.Millisecond)
}

func TestScheduler_RestartCountsUnfinishedJobs(t *testing.T) {
	store := NewMockStore()
	sched := newTestScheduler(t, testConfig(store))

	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	handlers := NewHandlers().MustRegister("test", func(ctx context.Context, job *Job) error {
		if calls.Add(1) == 1 {
			close(started)
			<-release
		}
		return nil
	})
	require.NoError(t, sched.Start(context.Background(), handlers))
	_, err := sched.Schedule(context.Background(), Spec{Name: "test"})
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for job to start")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.True(t, errors.Is(sched.Stop(ctx), context.DeadlineExceeded))
	assert.Equal(t, 1, sched.Stats().InFlight)

	require.NoError(t, sched.Start(context.Background(), handlers))
	_, err = sched.Schedule(context.Background(), Spec{Name: "test"})
	require.NoError(t, err)

	// DefaultConcurrency is 1 and the first job is still running.
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, sched.Stats().InFlightByName["test"])
	assert.Equal(t, 2, store.CountJobs())

	close(release)
	require.Eventually(t, func() bool { return calls.Load() == 2 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return store.CountJobs() == 0 }, time.Second, 10*time.Millisecond)

	stopScheduler(t, sched)
	assert.Zero(t, sched.Stats().InFlight)
}

func TestScheduler_StopWaitsForRunningJobs(t *testing.T) {
	store := NewMockStore()
	sched := newTestScheduler(t, testConfig(store))

	started := make(chan struct{})
	var finished atomic.Bool
	handlers := NewHandlers().MustRegister("test", func(ctx context.Context, job *Job) error {
		close(started)
		time.Sleep(100 * time.Millisecond)
		finished.Store(true)
		return nil
	})
	require.NoError(t, sched.Start(context.Background(), handlers))
	_, err := sched.Schedule(context.Background(), Spec{Name: "test"})
	require.NoError(t, err)

	<-started
	stopScheduler(t, sched)
	assert.True(t, finished.Load(), "Stop returned before the job finished")
	assert.Zero(t, store.CountJobs())
	assert.Zero(t, sched.Stats().InFlight)
}

func TestScheduler_StartTwiceKeepsHandlers(t *testing.T) {
	store := NewMockStore()
	sched := newTestScheduler(t, testConfig(store))

	first := make(chan struct{}, 1)
	var second atomic.Int32
	require.NoError(t, sched.Start(context.Background(), NewHandlers().MustRegister("test", func(ctx context.Context, job *Job) error {
		first <- struct{}{}
		return nil
	})))
	require.NoError(t, sched.Start(context.Background(), NewHandlers().MustRegister("test", func(ctx context.Context, job *Job) error {
		second.Add(1)
		return nil
	})))

	_, err := sched.Schedule(context.Background(), Spec{Name: "test"})
	require.NoError(t, err)

	select {
	case <-first:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for job")
	}
	assert.Zero(t, second.Load())
}

func TestScheduler_ParentContextCanceled(t *testing.T) {
	store := NewMockStore()
	sched := newTestScheduler(t, testConfig(store))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, sched.Start(ctx, NewHandlers()))
	cancel()

	require.Eventually(t, func() bool { return !sched.IsRunning() }, time.Second, 10*time.Millisecond)
	calls := store.ClaimCalls()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, calls, store.ClaimCalls(), "loop keeps polling after its context ended")

	require.NoError(t, sched.Start(context.Background(), NewHandlers()))
	assert.True(t, sched.IsRunning())
}

func TestScheduler_TypedHandler(t *testing.T) {
	type reminder struct {
		Message string `bson:"message"`
		Count   int    `bson:"count"`
	}

	store := NewMockStore()
	sched := newTestScheduler(t, testConfig(store))

	received := make(chan reminder, 1)
	handlers := NewHandlers().MustRegister("remind", Typed(func(ctx context.Context, job *Job, r reminder) error {
		received <- r
		return nil
	}))
	require.NoError(t, sched.Start(context.Background(), handlers))

	_, err := sched.Schedule(context.Background(), Spec{
		Name:    "remind",
		Payload: reminder{Message: "stand up", Count: 3},
	})
	require.NoError(t, err)

	select {
	case r := <-received:
		assert.Equal(t, reminder{Message: "stand up", Count: 3}, r)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for typed job")
	}
}

func TestScheduler_CollectionName(t *testing.T) {
	sched := newTestScheduler(t, testConfig(NewMockStore()))
	assert.Equal(t, "jobs", sched.CollectionName())
}
