package scheduler

import (
	"time"

	"github.com/cockroachdb/errors"
	"go.mongodb.org/mongo-driver/bson"
)

// Job represents a one-shot unit of work persisted in the store.
type Job struct {
	// ID is assigned by the store on insert and never changes.
	ID string

	// Name selects the handler that runs the job.
	Name string

	// Payload is the caller's data, passed to the handler verbatim.
	Payload map[string]interface{}

	// RunAt is the earliest time the job may execute.
	RunAt time.Time

	// LockedUntil is the lease expiry.
	// - nil means the job is not leased
	// - a past time means the lease expired and the job can be claimed again
	// - a future time means a worker currently holds the job
	LockedUntil *time.Time

	// LastRunAt is when the most recent execution attempt was claimed.
	LastRunAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Claimable reports whether the job may be claimed at now.
func (j *Job) Claimable(now time.Time) bool {
	if j.RunAt.After(now) {
		return false
	}
	return j.LockedUntil == nil || !j.LockedUntil.After(now)
}

// Spec describes a job to schedule or the new contents of a rescheduled job.
type Spec struct {
	Name  string
	RunAt time.Time

	// Payload is a map or any value that marshals to a BSON document.
	Payload interface{}
}

// Replacement holds the fields overwritten by a reschedule.
// The store always clears the lease when applying it.
type Replacement struct {
	Name    string
	Payload map[string]interface{}
	RunAt   time.Time
	Now     time.Time
}

// ClaimFilter narrows a single atomic claim.
type ClaimFilter struct {
	// Now is the instant the claimable predicate is evaluated at.
	Now time.Time

	// LockUntil is written as the new lease expiry.
	LockUntil time.Time

	// Names restricts the claim to these job names when non-empty.
	Names []string

	// ExcludeNames skips jobs with these names.
	ExcludeNames []string

	// ExcludeIDs skips jobs this process is already executing.
	ExcludeIDs []string
}

// Matches evaluates the filter against a job. Stores that cannot express the
// filter natively use it while holding their own write lock.
func (f ClaimFilter) Matches(j *Job) bool {
	if !j.Claimable(f.Now) {
		return false
	}
	if len(f.Names) > 0 && !contains(f.Names, j.Name) {
		return false
	}
	if contains(f.ExcludeNames, j.Name) {
		return false
	}
	return !contains(f.ExcludeIDs, j.ID)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// NormalizePayload converts a payload value into a document map.
func NormalizePayload(payload interface{}) (map[string]interface{}, error) {
	switch p := payload.(type) {
	case nil:
		return map[string]interface{}{}, nil
	case map[string]interface{}:
		return p, nil
	case bson.M:
		return map[string]interface{}(p), nil
	}

	raw, err := bson.Marshal(payload)
	if err != nil {
		return nil, errors.Wrapf(err, "payload of type %T is not a document", payload)
	}
	doc := map[string]interface{}{}
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return nil, errors.Wrap(err, "decode payload document")
	}
	return doc, nil
}

// DecodePayload decodes the job's payload into out.
func (j *Job) DecodePayload(out interface{}) error {
	payload := j.Payload
	if payload == nil {
		payload = map[string]interface{}{}
	}
	raw, err := bson.Marshal(payload)
	if err != nil {
		return errors.Wrapf(err, "encode payload of job %s", j.ID)
	}
	if err := bson.Unmarshal(raw, out); err != nil {
		return errors.Wrapf(err, "decode payload of job %s into %T", j.ID, out)
	}
	return nil
}
