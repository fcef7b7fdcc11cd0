package scheduler

import (
	"github.com/cockroachdb/errors"
)

var (
	// ErrNotRunning is returned by Schedule before Start.
	ErrNotRunning = errors.New("scheduler is not running")

	// ErrUnknownJobName marks failures of claimed jobs whose name has no handler.
	ErrUnknownJobName = errors.New("no handler registered for job name")

	// ErrHandlerFailed marks errors returned (or panics raised) by handlers.
	ErrHandlerFailed = errors.New("job handler failed")

	// ErrStoreUnavailable marks store failures during a poll tick.
	ErrStoreUnavailable = errors.New("job store unavailable")

	// ErrInvalidConfig is returned by New when the Config is unusable.
	ErrInvalidConfig = errors.New("invalid scheduler config")

	// ErrInvalidHandler is returned when a handler cannot be registered.
	ErrInvalidHandler = errors.New("invalid job handler")
)

// JobError is reported through OnError for failures isolated to one job.
type JobError struct {
	JobID   string
	Name    string
	Payload map[string]interface{}
	Err     error
}

func (e *JobError) Error() string {
	return "job " + e.JobID + " (" + e.Name + "): " + e.Err.Error()
}

func (e *JobError) Unwrap() error { return e.Err }

func unknownJobName(job *Job) error {
	return &JobError{
		JobID:   job.ID,
		Name:    job.Name,
		Payload: job.Payload,
		Err:     errors.Wrapf(ErrUnknownJobName, "%q", job.Name),
	}
}

func handlerFailed(job *Job, err error) error {
	return &JobError{
		JobID:   job.ID,
		Name:    job.Name,
		Payload: job.Payload,
		Err:     errors.Mark(err, ErrHandlerFailed),
	}
}

func storeUnavailable(err error, op string) error {
	return errors.Mark(errors.Wrap(err, op), ErrStoreUnavailable)
}
