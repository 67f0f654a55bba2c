package store

import (
	"context"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/imagevault/imagevault/internal/model"
)

// FindFileProcessingState looks up the resumable state for a collection, if
// one exists from a prior run.
func (s *Store) FindFileProcessingState(ctx context.Context, collectionID bson.ObjectID) (*model.FileProcessingJobState, error) {
	var st model.FileProcessingJobState

	err := s.fileProcessingState().FindOne(ctx, bson.M{"collectionId": collectionID}).Decode(&st)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, errors.Wrap(err, "find file processing state")
	}

	return &st, nil
}

// CreateFileProcessingState opens a new resumable run for a collection,
// declaring totalImages and outputFolderId up front per spec §4.5/§4.6
// step 1.
func (s *Store) CreateFileProcessingState(ctx context.Context, st *model.FileProcessingJobState) error {
	ts := now()
	st.CreatedAt, st.UpdatedAt = ts, ts

	if st.ID.IsZero() {
		st.ID = bson.NewObjectID()
	}

	st.RemainingImages = st.TotalImages
	st.CanResume = true

	_, err := s.fileProcessingState().InsertOne(ctx, st)

	return errors.Wrap(err, "create file processing state")
}

// AdvanceFileProcessingState atomically records the outcome of one
// processed image: completed or failed, decrementing remainingImages and
// incrementing the matching counter in a single $inc, per the
// non-read-modify-write rule that governs every progress mutator in this
// package.
func (s *Store) AdvanceFileProcessingState(ctx context.Context, id bson.ObjectID, completed, failed, skipped int64) error {
	_, err := s.fileProcessingState().UpdateOne(ctx, bson.M{"_id": id},
		bson.M{
			"$inc": bson.M{
				"completedImages": completed,
				"failedImages":    failed,
				"skippedImages":   skipped,
				"remainingImages": -(completed + failed + skipped),
			},
			"$set": bson.M{"updatedAt": now()},
		},
	)

	return errors.Wrap(err, "advance file processing state")
}

// CloseFileProcessingState marks a run as no longer resumable and stamps
// closedAt, called once remainingImages reaches zero or the run is
// abandoned deliberately (e.g. superseded by overwriteExisting=true).
func (s *Store) CloseFileProcessingState(ctx context.Context, id bson.ObjectID) error {
	ts := now()

	_, err := s.fileProcessingState().UpdateOne(ctx, bson.M{"_id": id},
		bson.M{"$set": bson.M{"canResume": false, "closedAt": ts, "updatedAt": ts}},
	)

	return errors.Wrap(err, "close file processing state")
}

// DeleteFileProcessingState removes the resumable record entirely, used
// when overwriteExisting=true discards any prior partial run before
// CreateFileProcessingState starts a fresh one.
func (s *Store) DeleteFileProcessingState(ctx context.Context, collectionID bson.ObjectID) error {
	_, err := s.fileProcessingState().DeleteOne(ctx, bson.M{"collectionId": collectionID})
	return errors.Wrap(err, "delete file processing state")
}
