package store

import (
	"context"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/imagevault/imagevault/internal/model"
)

// ListActiveCacheFolders returns every active cache folder, the candidate
// set C1's selection policy draws from.
func (s *Store) ListActiveCacheFolders(ctx context.Context) ([]*model.CacheFolder, error) {
	cur, err := s.cacheFolders().Find(ctx, bson.M{"isActive": true}, options.Find())
	if err != nil {
		return nil, errors.Wrap(err, "list cache folders")
	}
	defer cur.Close(ctx)

	var folders []*model.CacheFolder
	if err := cur.All(ctx, &folders); err != nil {
		return nil, errors.Wrap(err, "decode cache folders")
	}

	return folders, nil
}

// CreateCacheFolder inserts a new cache folder document.
func (s *Store) CreateCacheFolder(ctx context.Context, f *model.CacheFolder) error {
	ts := now()
	f.CreatedAt, f.UpdatedAt = ts, ts

	if f.ID.IsZero() {
		f.ID = bson.NewObjectID()
	}

	_, err := s.cacheFolders().InsertOne(ctx, f)

	return errors.Wrap(err, "create cache folder")
}

// BindCollection appends collectionID to a folder's cachedCollectionIds
// via $addToSet, implementing the stickiness invariant from spec §4.1.
func (s *Store) BindCollection(ctx context.Context, folderID, collectionID bson.ObjectID) error {
	_, err := s.cacheFolders().UpdateOne(ctx, bson.M{"_id": folderID},
		bson.M{"$addToSet": bson.M{"cachedCollectionIds": collectionID}, "$set": bson.M{"updatedAt": now()}})

	return errors.Wrap(err, "bind collection")
}

// AccountWrite atomically increments currentSizeBytes, per spec §4.1.
func (s *Store) AccountWrite(ctx context.Context, folderID bson.ObjectID, bytes int64) error {
	_, err := s.cacheFolders().UpdateOne(ctx, bson.M{"_id": folderID},
		bson.M{"$inc": bson.M{"currentSizeBytes": bytes}, "$set": bson.M{"updatedAt": now()}})

	return errors.Wrap(err, "account write")
}

// AccountDelete atomically decrements currentSizeBytes, clamped at zero via
// a pipeline update so the clamp happens server-side in the same round
// trip as the decrement.
func (s *Store) AccountDelete(ctx context.Context, folderID bson.ObjectID, bytes int64) error {
	pipeline := mongo.Pipeline{
		bson.D{{Key: "$set", Value: bson.M{
			"currentSizeBytes": bson.M{"$max": bson.A{0, bson.M{"$subtract": bson.A{"$currentSizeBytes", bytes}}}},
			"updatedAt":        now(),
		}}},
	}

	_, err := s.cacheFolders().UpdateOne(ctx, bson.M{"_id": folderID}, pipeline)

	return errors.Wrap(err, "account delete")
}

// RecalculateSize overwrites currentSizeBytes with an admin-computed value
// after a disk walk, correcting accounting drift (spec §4.1's "Failure
// semantics" recalculation operation).
func (s *Store) RecalculateSize(ctx context.Context, folderID bson.ObjectID, actualBytes int64) error {
	_, err := s.cacheFolders().UpdateOne(ctx, bson.M{"_id": folderID},
		bson.M{"$set": bson.M{"currentSizeBytes": actualBytes, "updatedAt": now()}})

	return errors.Wrap(err, "recalculate size")
}

// GetCacheFolder loads one cache folder by id, used by the sticky-folder
// lookup path in C1.
func (s *Store) GetCacheFolder(ctx context.Context, id bson.ObjectID) (*model.CacheFolder, error) {
	var f model.CacheFolder

	err := s.cacheFolders().FindOne(ctx, bson.M{"_id": id}).Decode(&f)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, errors.Wrap(err, "get cache folder")
	}

	return &f, nil
}
