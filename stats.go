package scheduler

import (
	"sync/atomic"
)

type schedulerStats struct {
	claimed     atomic.Int64
	succeeded   atomic.Int64
	failed      atomic.Int64
	unknown     atomic.Int64
	storeErrors atomic.Int64
}

// StatsSnapshot captures scheduler runtime counters since New.
type StatsSnapshot struct {
	Claimed     int64
	Succeeded   int64
	Failed      int64
	UnknownName int64
	StoreErrors int64

	// InFlight is the number of jobs executing right now.
	InFlight int
	// InFlightByName breaks InFlight down by job name.
	InFlightByName map[string]int
}

// Stats returns a snapshot of scheduler stats.
func (s *Scheduler) Stats() StatsSnapshot {
	snap := StatsSnapshot{
		Claimed:        s.stats.claimed.Load(),
		Succeeded:      s.stats.succeeded.Load(),
		Failed:         s.stats.failed.Load(),
		UnknownName:    s.stats.unknown.Load(),
		StoreErrors:    s.stats.storeErrors.Load(),
		InFlightByName: map[string]int{},
	}

	s.mu.Lock()
	run := s.run
	if run == nil {
		run = s.draining
	}
	s.mu.Unlock()
	if run == nil {
		return snap
	}

	current := run.snapshot()
	snap.InFlight = current.total
	for name, n := range current.byName {
		snap.InFlightByName[name] = n
	}
	return snap
}
