package store

import (
	"context"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/imagevault/imagevault/internal/model"
)

// CreateCollection inserts a new collection document.
func (s *Store) CreateCollection(ctx context.Context, c *model.Collection) error {
	ts := now()
	c.CreatedAt, c.UpdatedAt = ts, ts

	if c.ID.IsZero() {
		c.ID = bson.NewObjectID()
	}

	_, err := s.collections().InsertOne(ctx, c)

	return errors.Wrap(err, "create collection")
}

// GetCollection loads a collection by id.
func (s *Store) GetCollection(ctx context.Context, id bson.ObjectID) (*model.Collection, error) {
	var c model.Collection

	err := s.collections().FindOne(ctx, bson.M{"_id": id}).Decode(&c)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, errors.Wrap(err, "get collection")
	}

	return &c, nil
}

// FindCollectionByPath looks up a collection by (libraryId, path), used by
// the bulk ingester and orchestrator to upsert-by-identity.
func (s *Store) FindCollectionByPath(ctx context.Context, libraryID bson.ObjectID, path string) (*model.Collection, error) {
	var c model.Collection

	err := s.collections().FindOne(ctx, bson.M{"libraryId": libraryID, "path": path}).Decode(&c)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, errors.Wrap(err, "find collection by path")
	}

	return &c, nil
}

// ResetCollectionArrays clears images/thumbnails/cacheImages and
// statistics, used when overwriteExisting=true (spec §4.7 step 1).
func (s *Store) ResetCollectionArrays(ctx context.Context, id bson.ObjectID) error {
	_, err := s.collections().UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$set": bson.M{
			"images":      bson.A{},
			"thumbnails":  bson.A{},
			"cacheImages": bson.A{},
			"statistics":  model.CollectionStatistics{},
			"updatedAt":   now(),
		},
	})

	return errors.Wrap(err, "reset collection arrays")
}

// UpsertImage appends ref to images if no element with the same imageId
// already exists - the "$push with $not $elemMatch" idiom named in spec
// §4.7 step 4, implemented here as a single UpdateOne whose filter excludes
// documents already holding that imageId, so the presence check and the
// write are one round trip.
func (s *Store) UpsertImage(ctx context.Context, collectionID bson.ObjectID, ref model.ImageRef) (inserted bool, err error) {
	return s.upsertImageRefInArray(ctx, collectionID, "images", "totalImages", ref)
}

// UpsertThumbnail appends ref to thumbnails by the same idiom, used by the
// thumbnail worker (C5) in step 5 of spec §4.5.
func (s *Store) UpsertThumbnail(ctx context.Context, collectionID bson.ObjectID, ref model.ImageRef) (inserted bool, err error) {
	return s.upsertImageRefInArray(ctx, collectionID, "thumbnails", "totalThumbnails", ref)
}

// UpsertCacheImage appends ref to cacheImages by the same idiom, used by
// the cache worker (C6).
func (s *Store) UpsertCacheImage(ctx context.Context, collectionID bson.ObjectID, ref model.ImageRef) (inserted bool, err error) {
	return s.upsertImageRefInArray(ctx, collectionID, "cacheImages", "totalCacheImages", ref)
}

func (s *Store) upsertImageRefInArray(ctx context.Context, collectionID bson.ObjectID, arrayField, statField string, ref model.ImageRef) (bool, error) {
	ref.CreatedAt = now()

	// Conditional push: only append when no element with this imageId
	// exists yet. The "$ne" filter and the push are one UpdateOne scoped to
	// a single document by _id, so it stays effect-idempotent under retry:
	// a repeated call matches no document and modifies nothing.
	res, err := s.collections().UpdateOne(ctx,
		bson.M{"_id": collectionID, arrayField + ".imageId": bson.M{"$ne": ref.ImageID}},
		bson.M{
			"$push": bson.M{arrayField: ref},
			"$inc":  bson.M{"statistics." + statField: 1},
			"$set":  bson.M{"updatedAt": now()},
		},
	)
	if err != nil {
		return false, errors.Wrap(err, "upsert image ref")
	}

	return res.ModifiedCount > 0, nil
}

// RemoveImageRef removes an entry from thumbnails or cacheImages by
// imageId and decrements the matching statistics counter. The reconciler
// (C9) does not call it: it corrects stage counters only and does not check
// whether referenced files exist on disk.
func (s *Store) RemoveImageRef(ctx context.Context, collectionID bson.ObjectID, arrayField, statField, imageID string) error {
	_, err := s.collections().UpdateOne(ctx,
		bson.M{"_id": collectionID},
		bson.M{
			"$pull": bson.M{arrayField: bson.M{"imageId": imageID}},
			"$inc":  bson.M{"statistics." + statField: -1},
			"$set":  bson.M{"updatedAt": now()},
		},
	)

	return errors.Wrap(err, "remove image ref")
}
