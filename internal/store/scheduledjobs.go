package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/imagevault/imagevault/internal/model"
)

// CreateScheduledJob inserts a new scheduled job. Neither this method nor
// its callers check FindScheduledJobByLibrary first, so at most one
// scheduled job per library is not enforced; the callers (the CLI's
// "library add" and the daemon's config seeding) create one only together
// with a newly created library. The store layer itself stays a dumb
// persistence boundary per the "no cross-document transactions" design note.
func (s *Store) CreateScheduledJob(ctx context.Context, sj *model.ScheduledJob) error {
	ts := now()
	sj.CreatedAt, sj.UpdatedAt = ts, ts

	if sj.ID.IsZero() {
		sj.ID = bson.NewObjectID()
	}

	_, err := s.scheduledJobs().InsertOne(ctx, sj)

	return errors.Wrap(err, "create scheduled job")
}

// FindScheduledJobByLibrary returns the scheduled job bound to a library,
// if any.
func (s *Store) FindScheduledJobByLibrary(ctx context.Context, libraryID bson.ObjectID) (*model.ScheduledJob, error) {
	var sj model.ScheduledJob

	err := s.scheduledJobs().FindOne(ctx, bson.M{"libraryId": libraryID}).Decode(&sj)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, errors.Wrap(err, "find scheduled job by library")
	}

	return &sj, nil
}

// ListEnabledScheduledJobs returns every enabled scheduled job, used by
// the scheduler's GetItemsFunc and by the orphan sweep.
func (s *Store) ListEnabledScheduledJobs(ctx context.Context) ([]*model.ScheduledJob, error) {
	cur, err := s.scheduledJobs().Find(ctx, bson.M{"enabled": true}, options.Find())
	if err != nil {
		return nil, errors.Wrap(err, "list scheduled jobs")
	}
	defer cur.Close(ctx)

	var jobs []*model.ScheduledJob
	if err := cur.All(ctx, &jobs); err != nil {
		return nil, errors.Wrap(err, "decode scheduled jobs")
	}

	return jobs, nil
}

// SetBinding records (or clears, with binding="") the external scheduler
// runtime binding id, used by recreateBinding/removeOrphanedBinding.
func (s *Store) SetBinding(ctx context.Context, id bson.ObjectID, binding string) error {
	_, err := s.scheduledJobs().UpdateOne(ctx, bson.M{"_id": id},
		bson.M{"$set": bson.M{"externalBinding": binding, "updatedAt": now()}})

	return errors.Wrap(err, "set binding")
}

// SetNextRunAt records the cron-computed next fire time.
func (s *Store) SetNextRunAt(ctx context.Context, id bson.ObjectID, next time.Time) error {
	_, err := s.scheduledJobs().UpdateOne(ctx, bson.M{"_id": id},
		bson.M{"$set": bson.M{"nextRunAt": next, "updatedAt": now()}})

	return errors.Wrap(err, "set next run at")
}

// RecordRun updates run bookkeeping after a library scan completes:
// lastRunAt/lastRunStatus/lastRunDuration, increments runCount and either
// successCount or failureCount, and stores the newly computed nextRunAt -
// all in one round trip.
func (s *Store) RecordRun(ctx context.Context, id bson.ObjectID, startedAt time.Time, status string, duration time.Duration, nextRunAt time.Time, success bool) error {
	counterField := "failureCount"
	if success {
		counterField = "successCount"
	}

	_, err := s.scheduledJobs().UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$set": bson.M{
			"lastRunAt":       startedAt,
			"lastRunStatus":   status,
			"lastRunDuration": duration,
			"nextRunAt":       nextRunAt,
			"updatedAt":       now(),
		},
		"$inc": bson.M{"runCount": 1, counterField: 1},
	})

	return errors.Wrap(err, "record run")
}
