package scheduler

import (
	"context"
	"time"
)

// leaseManager implements the claim protocol on top of Store.ClaimNext.
//
// A lease is only an expiry timestamp. Nothing renews it: if the worker that
// holds a job dies, the lease runs out and any scheduler sharing the store can
// claim the job again. A live worker that outlives its lease can race with
// that second claim, so handlers must tolerate at-least-once execution.
type leaseManager struct {
	store    Store
	clock    Clock
	lifetime time.Duration

	defaultConcurrency int
	maxConcurrency     int
	defaultLockLimit   int
	lockLimit          int
}

func newLeaseManager(config Config, clock Clock) *leaseManager {
	return &leaseManager{
		store:              config.Store,
		clock:              clock,
		lifetime:           config.DefaultLockLifetime,
		defaultConcurrency: config.DefaultConcurrency,
		maxConcurrency:     config.MaxConcurrency,
		defaultLockLimit:   config.DefaultLockLimit,
		lockLimit:          config.LockLimit,
	}
}

// inflight is a point-in-time view of the jobs this process is executing.
type inflight struct {
	byName map[string]int
	total  int
	ids    []string
}

// lockUntil returns the lease expiry for a claim made at now.
func (m *leaseManager) lockUntil(now time.Time) time.Time {
	return now.Add(m.lifetime)
}

// allowance returns how many more jobs of each name, and in total, may be
// claimed in this tick without exceeding the concurrency caps or the per-tick
// lock limits.
func (m *leaseManager) allowance(names []string, current inflight) (map[string]int, int) {
	global := m.maxConcurrency - current.total
	if m.lockLimit > 0 && m.lockLimit < global {
		global = m.lockLimit
	}
	if global < 0 {
		global = 0
	}

	perName := make(map[string]int, len(names))
	for _, name := range names {
		n := m.defaultConcurrency - current.byName[name]
		if m.defaultLockLimit > 0 && m.defaultLockLimit < n {
			n = m.defaultLockLimit
		}
		if n > global {
			n = global
		}
		if n > 0 {
			perName[name] = n
		}
	}
	return perName, global
}

// claimDue claims due jobs for this tick.
//
// Registered names are claimed round-robin, one job per name per pass, so a
// backlog of one name cannot starve the others inside the global allowance.
// Whatever allowance is left then goes to jobs whose name has no handler; they
// are claimed only so the dispatcher can fail and remove them.
//
// Claims already made are returned together with any store error: their
// leases are taken and the caller must still run them.
func (m *leaseManager) claimDue(ctx context.Context, names []string, current inflight) ([]*Job, error) {
	perName, global := m.allowance(names, current)
	if global == 0 {
		return nil, nil
	}

	now := m.clock.Now()
	filter := ClaimFilter{
		Now:        now,
		LockUntil:  m.lockUntil(now),
		ExcludeIDs: append([]string(nil), current.ids...),
	}

	var claimed []*Job
	take := func(f ClaimFilter) (*Job, error) {
		job, err := m.store.ClaimNext(ctx, f)
		if err != nil || job == nil {
			return nil, err
		}
		claimed = append(claimed, job)
		filter.ExcludeIDs = append(filter.ExcludeIDs, job.ID)
		global--
		return job, nil
	}

	active := make([]string, 0, len(perName))
	for _, name := range names {
		if perName[name] > 0 {
			active = append(active, name)
		}
	}

	for global > 0 && len(active) > 0 {
		next := make([]string, 0, len(active))
		for _, name := range active {
			if global == 0 {
				break
			}
			f := filter
			f.Names = []string{name}
			job, err := take(f)
			if err != nil {
				return claimed, err
			}
			if job == nil {
				continue
			}
			perName[name]--
			if perName[name] > 0 {
				next = append(next, name)
			}
		}
		active = next
	}

	for global > 0 {
		f := filter
		f.ExcludeNames = names
		job, err := take(f)
		if err != nil {
			return claimed, err
		}
		if job == nil {
			break
		}
	}

	return claimed, nil
}
