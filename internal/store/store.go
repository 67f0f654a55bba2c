// Package store is the single source of truth described in spec §4.3 and
// §6: a thin layer over MongoDB exposing the atomic operators every
// worker uses to mutate job, collection, library, scheduled-job and
// cache-folder documents. No caller ever reads a document, mutates the Go
// struct, and writes it back - every mutation here is a single
// FindOneAndUpdate (or equivalent) round trip, per §6's requirement that
// the operators in §4.3 map to one round trip per call.
//
// This generalizes the teacher's own discipline of small, single-purpose,
// round-trip-bounded document mutators (e.g. repo/maintenance's
// GetSchedule/SetSchedule pair, which reads or writes exactly one document
// per call) to every document kind named in the data model.
package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/imagevault/imagevault/internal/clock"
	"github.com/imagevault/imagevault/internal/logging"
)

var log = logging.Module("imagevault/store")

// ErrNotFound is returned when a document referenced by id does not exist.
var ErrNotFound = errors.New("document not found")

// Store wraps a MongoDB database handle with the collections named in
// spec §6's persisted state layout: one per library, scheduled job,
// collection, background job, file-processing job state, cache folder.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

// Config configures the store connection.
type Config struct {
	URI      string
	Database string
}

// Connect dials the document store and ensures the indexes named in
// spec §6 exist: (jobType, status, updatedAt) on background jobs,
// (libraryId) on collections, (collectionId) on file-processing job
// state, (parameters.LibraryId) on scheduled jobs.
func Connect(ctx context.Context, cfg Config) (*Store, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, errors.Wrap(err, "connect")
	}

	if err := client.Ping(ctx, nil); err != nil {
		return nil, errors.Wrap(err, "ping")
	}

	s := &Store{client: client, db: client.Database(cfg.Database)}

	if err := s.ensureIndexes(ctx); err != nil {
		return nil, errors.Wrap(err, "ensure indexes")
	}

	return s, nil
}

// Close disconnects the underlying client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	jobIdx := mongo.IndexModel{
		Keys: bson.D{{Key: "jobType", Value: 1}, {Key: "status", Value: 1}, {Key: "updatedAt", Value: 1}},
	}
	if _, err := s.backgroundJobs().Indexes().CreateOne(ctx, jobIdx); err != nil {
		return err
	}

	collIdx := mongo.IndexModel{Keys: bson.D{{Key: "libraryId", Value: 1}}}
	if _, err := s.collections().Indexes().CreateOne(ctx, collIdx); err != nil {
		return err
	}

	fpsIdx := mongo.IndexModel{Keys: bson.D{{Key: "collectionId", Value: 1}}}
	if _, err := s.fileProcessingState().Indexes().CreateOne(ctx, fpsIdx); err != nil {
		return err
	}

	sjIdx := mongo.IndexModel{Keys: bson.D{{Key: "parameters.LibraryId", Value: 1}}}
	if _, err := s.scheduledJobs().Indexes().CreateOne(ctx, sjIdx); err != nil {
		return err
	}

	return nil
}

func (s *Store) libraries() *mongo.Collection           { return s.db.Collection("library") }
func (s *Store) scheduledJobs() *mongo.Collection       { return s.db.Collection("scheduled_job") }
func (s *Store) collections() *mongo.Collection         { return s.db.Collection("collection") }
func (s *Store) backgroundJobs() *mongo.Collection      { return s.db.Collection("background_job") }
func (s *Store) fileProcessingState() *mongo.Collection { return s.db.Collection("file_processing_job_state") }
func (s *Store) cacheFolders() *mongo.Collection        { return s.db.Collection("cache_folder") }

func now() time.Time { return clock.Now().UTC() }
