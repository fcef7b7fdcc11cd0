// Package memstore is an in-process implementation of scheduler.Store.
//
// Claims are atomic within one process because every operation runs under a
// single mutex. It does not persist anything and cannot coordinate schedulers
// in different processes; use the mongodb package for that.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/DEEJ4Y/lease-scheduler"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
)

// DefaultCollection is the collection name reported when none is configured.
const DefaultCollection = "jobs"

// Compile-time check that Store implements scheduler.Store.
var _ scheduler.Store = (*Store)(nil)

// Store keeps jobs in a map.
type Store struct {
	mu         sync.Mutex
	jobs       map[string]*scheduler.Job
	order      []string
	collection string
}

// New creates an empty store. An empty collection name uses DefaultCollection.
func New(collection string) *Store {
	if collection == "" {
		collection = DefaultCollection
	}
	return &Store{
		jobs:       make(map[string]*scheduler.Job),
		collection: collection,
	}
}

func (s *Store) CollectionName() string { return s.collection }

func (s *Store) Insert(ctx context.Context, job *scheduler.Job) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := copyJob(job)
	stored.ID = uuid.NewString()
	stored.LockedUntil = nil
	stored.LastRunAt = nil
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = stored.CreatedAt
	}

	s.jobs[stored.ID] = stored
	s.order = append(s.order, stored.ID)
	return stored.ID, nil
}

// ClaimNext claims the oldest inserted job matching the filter.
func (s *Store) ClaimNext(ctx context.Context, filter scheduler.ClaimFilter) (*scheduler.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.order {
		job, ok := s.jobs[id]
		if !ok || !filter.Matches(job) {
			continue
		}

		lockUntil := filter.LockUntil
		lastRunAt := filter.Now
		job.LockedUntil = &lockUntil
		job.LastRunAt = &lastRunAt
		job.UpdatedAt = filter.Now
		return copyJob(job), nil
	}
	return nil, nil
}

func (s *Store) Replace(ctx context.Context, id string, r scheduler.Replacement) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return false, nil
	}
	job.Name = r.Name
	job.Payload = copyPayload(r.Payload)
	job.RunAt = r.RunAt
	job.LockedUntil = nil
	job.UpdatedAt = r.Now
	return true, nil
}

func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return false, nil
	}
	s.remove(id)
	return true, nil
}

// Release deletes the job only while it still holds the given lease.
func (s *Store) Release(ctx context.Context, id string, lockedUntil time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || job.LockedUntil == nil || !job.LockedUntil.Equal(lockedUntil) {
		return false, nil
	}
	s.remove(id)
	return true, nil
}

func (s *Store) remove(id string) {
	delete(s.jobs, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *Store) FindByID(ctx context.Context, id string) (*scheduler.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	return copyJob(job), nil
}

// Len returns the number of stored jobs.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// copyJob returns a copy that shares no mutable state with the stored job.
func copyJob(job *scheduler.Job) *scheduler.Job {
	out := *job
	out.Payload = copyPayload(job.Payload)
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

func copyPayload(payload map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		out[k] = copyValue(v)
	}
	return out
}

// copyValue copies nested maps and slices so callers never alias stored state.
func copyValue(v interface{}) interface{} {
	switch v := v.(type) {
	case map[string]interface{}:
		return copyPayload(v)
	case bson.M:
		return bson.M(copyPayload(v))
	case bson.D:
		out := make(bson.D, len(v))
		for i, e := range v {
			out[i] = bson.E{Key: e.Key, Value: copyValue(e.Value)}
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, e := range v {
			out[i] = copyValue(e)
		}
		return out
	case bson.A:
		out := make(bson.A, len(v))
		for i, e := range v {
			out[i] = copyValue(e)
		}
		return out
	case []string:
		return append([]string(nil), v...)
	case []byte:
		return append([]byte(nil), v...)
	default:
		return v
	}
}
