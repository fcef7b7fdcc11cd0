package mongodb

import (
	"context"
	"time"

	"github.com/DEEJ4Y/lease-scheduler"
	"github.com/cockroachdb/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Field names of the persisted job document.
const (
	fieldID          = "_id"
	fieldName        = "name"
	fieldPayload     = "payload"
	fieldRunAt       = "runAt"
	fieldLockedUntil = "lockedUntil"
	fieldLastRunAt   = "lastRunAt"
	fieldUpdatedAt   = "updatedAt"
)

// Compile-time check that Store implements scheduler.Store.
var _ scheduler.Store = (*Store)(nil)

// Config holds the configuration for the MongoDB job store.
type Config struct {
	// Collection is the MongoDB collection where jobs are stored.
	// Required.
	Collection *mongo.Collection

	// Condition is an optional additional filter to apply when claiming jobs.
	// This allows you to process only a subset of jobs in the collection.
	// Example: bson.M{"payload.tenant": "acme"} to only claim one tenant's jobs.
	Condition bson.M
}

// Store implements scheduler.Store for MongoDB.
type Store struct {
	collection *mongo.Collection
	condition  bson.M
}

// document is the persisted form of a job.
type document struct {
	ID          primitive.ObjectID `bson:"_id,omitempty"`
	Name        string             `bson:"name"`
	Payload     bson.M             `bson:"payload"`
	RunAt       time.Time          `bson:"runAt"`
	LockedUntil *time.Time         `bson:"lockedUntil"`
	LastRunAt   *time.Time         `bson:"lastRunAt"`
	CreatedAt   time.Time          `bson:"createdAt"`
	UpdatedAt   time.Time          `bson:"updatedAt"`
}

// NewStore creates a new MongoDB job store with the given configuration.
func NewStore(config Config) (*Store, error) {
	if config.Collection == nil {
		return nil, errors.New("collection is required")
	}
	return &Store{
		collection: config.Collection,
		condition:  config.Condition,
	}, nil
}

// CollectionName returns the name of the backing collection.
func (s *Store) CollectionName() string {
	return s.collection.Name()
}

// Insert stores a new job document with an unset lease.
func (s *Store) Insert(ctx context.Context, job *scheduler.Job) (string, error) {
	doc := document{
		ID:        primitive.NewObjectID(),
		Name:      job.Name,
		Payload:   bson.M(job.Payload),
		RunAt:     job.RunAt,
		CreatedAt: job.CreatedAt,
		UpdatedAt: job.UpdatedAt,
	}
	if doc.Payload == nil {
		doc.Payload = bson.M{}
	}

	if _, err := s.collection.InsertOne(ctx, doc); err != nil {
		return "", errors.Wrap(err, "insertOne failed")
	}
	return doc.ID.Hex(), nil
}

// ClaimNext atomically leases the next claimable job.
//
// The claimable predicate is part of the findOneAndUpdate filter, so MongoDB
// checks it against the document it is about to write. Two schedulers racing
// for the same job cannot both match it.
func (s *Store) ClaimNext(ctx context.Context, f scheduler.ClaimFilter) (*scheduler.Job, error) {
	filter := s.claimFilter(f)

	update := bson.M{
		"$set": bson.M{
			fieldLockedUntil: f.LockUntil,
			fieldLastRunAt:   f.Now,
			fieldUpdatedAt:   f.Now,
		},
	}

	// Options: oldest due job first, return document after update
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: fieldRunAt, Value: 1}}).
		SetReturnDocument(options.After)

	var doc document
	err := s.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			// No job available
			return nil, nil
		}
		return nil, errors.Wrap(err, "findOneAndUpdate failed")
	}
	return doc.toJob(), nil
}

// claimFilter builds the query matching claimable jobs.
func (s *Store) claimFilter(f scheduler.ClaimFilter) bson.M {
	and := []bson.M{
		{fieldRunAt: bson.M{"$lte": f.Now}},
		{"$or": bson.A{
			// matches null and missing
			bson.M{fieldLockedUntil: nil},
			bson.M{fieldLockedUntil: bson.M{"$lte": f.Now}},
		}},
	}

	name := bson.M{}
	if len(f.Names) > 0 {
		name["$in"] = f.Names
	}
	if len(f.ExcludeNames) > 0 {
		name["$nin"] = f.ExcludeNames
	}
	if len(name) > 0 {
		and = append(and, bson.M{fieldName: name})
	}

	if len(f.ExcludeIDs) > 0 {
		ids := make([]primitive.ObjectID, 0, len(f.ExcludeIDs))
		for _, id := range f.ExcludeIDs {
			oid, err := primitive.ObjectIDFromHex(id)
			if err != nil {
				// Not one of ours, cannot match anything in this collection.
				continue
			}
			ids = append(ids, oid)
		}
		if len(ids) > 0 {
			and = append(and, bson.M{fieldID: bson.M{"$nin": ids}})
		}
	}

	// Add custom condition if provided
	if s.condition != nil {
		and = append(and, s.condition)
	}
	return bson.M{"$and": and}
}

// Replace overwrites the job's name, payload and run time and clears its lease.
func (s *Store) Replace(ctx context.Context, id string, r scheduler.Replacement) (bool, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return false, nil
	}

	payload := bson.M(r.Payload)
	if payload == nil {
		payload = bson.M{}
	}
	update := bson.M{
		"$set": bson.M{
			fieldName:        r.Name,
			fieldPayload:     payload,
			fieldRunAt:       r.RunAt,
			fieldLockedUntil: nil,
			fieldUpdatedAt:   r.Now,
		},
	}

	result, err := s.collection.UpdateOne(ctx, bson.M{fieldID: oid}, update)
	if err != nil {
		return false, errors.Wrap(err, "updateOne failed")
	}
	return result.MatchedCount > 0, nil
}

// Delete removes a job from the store.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return false, nil
	}

	result, err := s.collection.DeleteOne(ctx, bson.M{fieldID: oid})
	if err != nil {
		return false, errors.Wrap(err, "deleteOne failed")
	}
	return result.DeletedCount > 0, nil
}

// Release deletes the job only while its lockedUntil still equals the lease
// written by the claim.
func (s *Store) Release(ctx context.Context, id string, lockedUntil time.Time) (bool, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return false, nil
	}

	result, err := s.collection.DeleteOne(ctx, bson.M{fieldID: oid, fieldLockedUntil: lockedUntil})
	if err != nil {
		return false, errors.Wrap(err, "deleteOne failed")
	}
	return result.DeletedCount > 0, nil
}

// FindByID returns the job or nil if it does not exist.
func (s *Store) FindByID(ctx context.Context, id string) (*scheduler.Job, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, nil
	}

	var doc document
	if err := s.collection.FindOne(ctx, bson.M{fieldID: oid}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "findOne failed")
	}
	return doc.toJob(), nil
}

// List returns up to limit jobs ordered by run time, for inspection.
// A limit of 0 returns every job.
func (s *Store) List(ctx context.Context, limit int64) ([]*scheduler.Job, error) {
	opts := options.Find().SetSort(bson.D{{Key: fieldRunAt, Value: 1}})
	if limit > 0 {
		opts.SetLimit(limit)
	}

	cursor, err := s.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, errors.Wrap(err, "find failed")
	}
	defer cursor.Close(ctx)

	var docs []document
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, errors.Wrap(err, "decode jobs")
	}

	jobs := make([]*scheduler.Job, 0, len(docs))
	for i := range docs {
		jobs = append(jobs, docs[i].toJob())
	}
	return jobs, nil
}

// EnsureIndexes creates the index used by the claim query.
func (s *Store) EnsureIndexes(ctx context.Context) (string, error) {
	index := mongo.IndexModel{
		Keys: bson.D{
			{Key: fieldName, Value: 1},
			{Key: fieldRunAt, Value: 1},
			{Key: fieldLockedUntil, Value: 1},
		},
		Options: options.Index().SetName("scheduler_claim"),
	}
	name, err := s.collection.Indexes().CreateOne(ctx, index)
	if err != nil {
		return "", errors.Wrap(err, "create claim index")
	}
	return name, nil
}

func (d *document) toJob() *scheduler.Job {
	job := &scheduler.Job{
		ID:        d.ID.Hex(),
		Name:      d.Name,
		Payload:   map[string]interface{}(d.Payload),
		RunAt:     d.RunAt,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
	if job.Payload == nil {
		job.Payload = map[string]interface{}{}
	}
	if d.LockedUntil != nil {
		t := *d.LockedUntil
		job.LockedUntil = &t
	}
	if d.LastRunAt != nil {
		t := *d.LastRunAt
		job.LastRunAt = &t
	}
	return job
}
