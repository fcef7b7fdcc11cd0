package scheduler

import (
	"context"
	"time"
)

// Store defines the persistence operations the scheduler needs.
// Any document database with an atomic conditional update can implement it.
//
// Implementations must be safe for concurrent use. ClaimNext is the only
// locking primitive: it must evaluate the claimable predicate and write the
// new lease in one atomic operation, never as a read followed by a write,
// because several scheduler processes may share the same store.
type Store interface {
	// Insert persists a new job and returns its assigned ID.
	// The job's lease fields are ignored and stored as unset.
	Insert(ctx context.Context, job *Job) (string, error)

	// ClaimNext atomically finds one job matching the filter, sets its
	// lockedUntil to filter.LockUntil and lastRunAt to filter.Now, and
	// returns the document AFTER the update.
	//
	// Returns nil job if no job could be claimed, including when another
	// worker won the race for the same document.
	ClaimNext(ctx context.Context, filter ClaimFilter) (*Job, error)

	// Replace overwrites name, payload and runAt and clears any lease.
	// Reports whether a job with that ID existed.
	Replace(ctx context.Context, id string, r Replacement) (bool, error)

	// Delete removes a job. Reports whether a document was removed.
	Delete(ctx context.Context, id string) (bool, error)

	// Release deletes a finished job, but only while it still carries the
	// lease lockedUntil written by the claim. A job that was rescheduled or
	// claimed again after its lease expired is left alone.
	// Reports whether a document was removed.
	Release(ctx context.Context, id string, lockedUntil time.Time) (bool, error)

	// FindByID returns the job or nil if it does not exist.
	FindByID(ctx context.Context, id string) (*Job, error)

	// CollectionName names the collection that holds the jobs.
	CollectionName() string
}
