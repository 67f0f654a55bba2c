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

// CreateJob initializes a Pending job with the given stages, each starting
// at status Pending with zeroed counters. Implements spec §4.3's
// createJob operator.
func (s *Store) CreateJob(ctx context.Context, jobType model.JobType, parameters map[string]string, stages []model.StageName) (*model.BackgroundJob, error) {
	ts := now()

	stageMap := make(map[model.StageName]*model.Stage, len(stages))
	for _, name := range stages {
		stageMap[name] = &model.Stage{Status: model.JobStatusPending}
	}

	job := &model.BackgroundJob{
		ID:         bson.NewObjectID(),
		JobType:    jobType,
		Status:     model.JobStatusPending,
		Stages:     stageMap,
		Parameters: parameters,
		CreatedAt:  ts,
		UpdatedAt:  ts,
	}

	if _, err := s.backgroundJobs().InsertOne(ctx, job); err != nil {
		return nil, errors.Wrap(err, "create job")
	}

	return job, nil
}

// GetJob loads a job document by id.
func (s *Store) GetJob(ctx context.Context, jobID bson.ObjectID) (*model.BackgroundJob, error) {
	var job model.BackgroundJob

	err := s.backgroundJobs().FindOne(ctx, bson.M{"_id": jobID}).Decode(&job)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, errors.Wrap(err, "get job")
	}

	return &job, nil
}

// StartJob transitions Pending -> InProgress and stamps startedAt. A no-op
// if the job is not currently Pending (idempotent against redelivery of
// whatever triggered the start).
func (s *Store) StartJob(ctx context.Context, jobID bson.ObjectID) error {
	ts := now()

	res, err := s.backgroundJobs().UpdateOne(ctx,
		bson.M{"_id": jobID, "status": model.JobStatusPending},
		bson.M{"$set": bson.M{"status": model.JobStatusInProgress, "startedAt": ts, "updatedAt": ts}},
	)
	if err != nil {
		return errors.Wrap(err, "start job")
	}

	if res.MatchedCount == 0 {
		return s.assertExists(ctx, jobID)
	}

	return nil
}

// StartStage sets a stage to InProgress with the given totalItems, stamps
// its startedAt, and recomputes the job-level totalItems as the sum of all
// declared stages' totalItems - a single round trip via the aggregation
// pipeline update form.
func (s *Store) StartStage(ctx context.Context, jobID bson.ObjectID, stage model.StageName, totalItems int64) error {
	ts := now()
	field := "stages." + string(stage)

	pipeline := mongo.Pipeline{
		bson.D{{Key: "$set", Value: bson.M{
			field + ".status":      model.JobStatusInProgress,
			field + ".totalItems":  totalItems,
			field + ".startedAt":   ts,
			"updatedAt":            ts,
		}}},
		bson.D{{Key: "$set", Value: bson.M{
			"totalItems": bson.M{"$sum": bson.M{"$map": bson.M{
				"input": bson.M{"$objectToArray": "$stages"},
				"as":    "s",
				"in":    bson.M{"$ifNull": bson.A{"$$s.v.totalItems", 0}},
			}}},
		}}},
	}

	res, err := s.backgroundJobs().UpdateOne(ctx, bson.M{"_id": jobID}, pipeline)
	if err != nil {
		return errors.Wrap(err, "start stage")
	}

	if res.MatchedCount == 0 {
		return ErrNotFound
	}

	return nil
}

// IncrementStage atomically adds deltaCompleted/deltaFailed to a stage's
// counters and to the job-level totals, in a single $inc. This is the
// operator §4.3 requires to be non-read-modify-write: callers must never
// load the job, add in Go, and write it back.
func (s *Store) IncrementStage(ctx context.Context, jobID bson.ObjectID, stage model.StageName, deltaCompleted, deltaFailed int64) error {
	if deltaCompleted == 0 && deltaFailed == 0 {
		return nil
	}

	field := "stages." + string(stage)
	ts := now()

	res, err := s.backgroundJobs().UpdateOne(ctx,
		bson.M{"_id": jobID},
		bson.M{
			"$inc": bson.M{
				field + ".completedItems": deltaCompleted,
				field + ".failedItems":    deltaFailed,
				"completedItems":          deltaCompleted,
				"failedItems":             deltaFailed,
			},
			"$set": bson.M{"updatedAt": ts},
		},
	)
	if err != nil {
		return errors.Wrap(err, "increment stage")
	}

	if res.MatchedCount == 0 {
		return ErrNotFound
	}

	return nil
}

// CompleteStage marks a stage Completed and, if every declared stage is
// now Completed, transitions the job to Completed too - computed via an
// aggregation-pipeline update so the "are all stages done" check and the
// write happen in the same round trip.
func (s *Store) CompleteStage(ctx context.Context, jobID bson.ObjectID, stage model.StageName, message string) error {
	ts := now()
	field := "stages." + string(stage)

	pipeline := mongo.Pipeline{
		bson.D{{Key: "$set", Value: bson.M{
			field + ".status":      model.JobStatusCompleted,
			field + ".completedAt": ts,
			field + ".message":     message,
			"updatedAt":            ts,
		}}},
		bson.D{{Key: "$set", Value: bson.M{
			"status": bson.M{"$cond": bson.A{
				allStagesInState(model.JobStatusCompleted),
				model.JobStatusCompleted,
				"$status",
			}},
			"completedAt": bson.M{"$cond": bson.A{
				allStagesInState(model.JobStatusCompleted),
				ts,
				"$completedAt",
			}},
		}}},
	}

	res, err := s.backgroundJobs().UpdateOne(ctx, bson.M{"_id": jobID}, pipeline)
	if err != nil {
		return errors.Wrap(err, "complete stage")
	}

	if res.MatchedCount == 0 {
		return ErrNotFound
	}

	return nil
}

// FailStage marks a stage Failed. If no stage remains InProgress, the job
// itself transitions to Failed, with errorMessage recording the first
// fatal stage error; subsequent calls append a short tag instead of
// overwriting it.
func (s *Store) FailStage(ctx context.Context, jobID bson.ObjectID, stage model.StageName, errMsg string) error {
	ts := now()
	field := "stages." + string(stage)

	noneInProgress := bson.M{"$not": bson.M{"$anyElementTrue": bson.M{"$map": bson.M{
		"input": bson.M{"$objectToArray": "$stages"},
		"as":    "s",
		"in":    bson.M{"$eq": bson.A{"$$s.v.status", model.JobStatusInProgress}},
	}}}}

	pipeline := mongo.Pipeline{
		bson.D{{Key: "$set", Value: bson.M{
			field + ".status":  model.JobStatusFailed,
			field + ".message": errMsg,
			"updatedAt":        ts,
		}}},
		bson.D{{Key: "$set", Value: bson.M{
			"status": bson.M{"$cond": bson.A{noneInProgress, model.JobStatusFailed, "$status"}},
			"errorMessage": bson.M{"$cond": bson.A{
				bson.M{"$eq": bson.A{bson.M{"$ifNull": bson.A{"$errorMessage", ""}}, ""}},
				errMsg,
				bson.M{"$concat": bson.A{"$errorMessage", "; ", stage, ": ", errMsg}},
			}},
		}}},
	}

	res, err := s.backgroundJobs().UpdateOne(ctx, bson.M{"_id": jobID}, pipeline)
	if err != nil {
		return errors.Wrap(err, "fail stage")
	}

	if res.MatchedCount == 0 {
		return ErrNotFound
	}

	return nil
}

// SetStageCounts overwrites a stage's completedItems/failedItems and the
// job-level totals to match externally computed ground truth - the
// corrective write the reconciler (C9) issues in spec §4.9 step 3, as a
// plain $set rather than $inc since the caller already knows the absolute
// value, not a delta.
func (s *Store) SetStageCounts(ctx context.Context, jobID bson.ObjectID, stage model.StageName, completedItems, failedItems int64) error {
	field := "stages." + string(stage)
	ts := now()

	pipeline := mongo.Pipeline{
		bson.D{{Key: "$set", Value: bson.M{
			field + ".completedItems": completedItems,
			field + ".failedItems":    failedItems,
			"updatedAt":               ts,
		}}},
		bson.D{{Key: "$set", Value: bson.M{
			"completedItems": bson.M{"$sum": bson.M{"$map": bson.M{
				"input": bson.M{"$objectToArray": "$stages"},
				"as":    "s",
				"in":    bson.M{"$ifNull": bson.A{"$$s.v.completedItems", 0}},
			}}},
			"failedItems": bson.M{"$sum": bson.M{"$map": bson.M{
				"input": bson.M{"$objectToArray": "$stages"},
				"as":    "s",
				"in":    bson.M{"$ifNull": bson.A{"$$s.v.failedItems", 0}},
			}}},
		}}},
	}

	res, err := s.backgroundJobs().UpdateOne(ctx, bson.M{"_id": jobID}, pipeline)
	if err != nil {
		return errors.Wrap(err, "set stage counts")
	}

	if res.MatchedCount == 0 {
		return ErrNotFound
	}

	return nil
}

// AbandonJob force-transitions a job straight to Failed regardless of its
// stages' individual statuses, used by the reconciler's fatal-staleness
// path (spec §4.9 step 5) where a job has made no ground-truth progress
// across two consecutive checks.
func (s *Store) AbandonJob(ctx context.Context, jobID bson.ObjectID, errMsg string) error {
	ts := now()

	res, err := s.backgroundJobs().UpdateOne(ctx,
		bson.M{"_id": jobID, "status": bson.M{"$in": bson.A{model.JobStatusPending, model.JobStatusInProgress}}},
		bson.M{"$set": bson.M{"status": model.JobStatusFailed, "errorMessage": errMsg, "completedAt": ts, "updatedAt": ts}},
	)
	if err != nil {
		return errors.Wrap(err, "abandon job")
	}

	if res.MatchedCount == 0 {
		return ErrNotFound
	}

	return nil
}

// CancelJob sets status=Cancelled only if the job is currently Pending or
// InProgress; terminal states are immutable. Returns (false, nil) if the
// job was already terminal, so callers can distinguish "already done" from
// a store error.
func (s *Store) CancelJob(ctx context.Context, jobID bson.ObjectID) (bool, error) {
	ts := now()

	res, err := s.backgroundJobs().UpdateOne(ctx,
		bson.M{"_id": jobID, "status": bson.M{"$in": bson.A{model.JobStatusPending, model.JobStatusInProgress}}},
		bson.M{"$set": bson.M{"status": model.JobStatusCancelled, "updatedAt": ts}},
	)
	if err != nil {
		return false, errors.Wrap(err, "cancel job")
	}

	return res.ModifiedCount > 0, nil
}

// ListStaleCollectionScanJobs returns collection-scan jobs in a
// non-terminal status whose updatedAt is older than olderThan - the query
// the reconciler (C9) runs on the (jobType, status, updatedAt) index.
func (s *Store) ListStaleCollectionScanJobs(ctx context.Context, olderThan time.Time) ([]*model.BackgroundJob, error) {
	cur, err := s.backgroundJobs().Find(ctx, bson.M{
		"jobType": model.JobTypeCollectionScan,
		"status":  bson.M{"$in": bson.A{model.JobStatusPending, model.JobStatusInProgress}},
		"updatedAt": bson.M{"$lt": olderThan},
	}, options.Find())
	if err != nil {
		return nil, errors.Wrap(err, "list stale jobs")
	}
	defer cur.Close(ctx)

	var jobs []*model.BackgroundJob
	if err := cur.All(ctx, &jobs); err != nil {
		return nil, errors.Wrap(err, "decode stale jobs")
	}

	return jobs, nil
}

func allStagesInState(status model.JobStatus) bson.M {
	return bson.M{"$allElementsTrue": bson.M{"$map": bson.M{
		"input": bson.M{"$objectToArray": "$stages"},
		"as":    "s",
		"in":    bson.M{"$eq": bson.A{"$$s.v.status", status}},
	}}}
}

func (s *Store) assertExists(ctx context.Context, jobID bson.ObjectID) error {
	n, err := s.backgroundJobs().CountDocuments(ctx, bson.M{"_id": jobID})
	if err != nil {
		return errors.Wrap(err, "assert exists")
	}

	if n == 0 {
		return ErrNotFound
	}

	return nil
}
