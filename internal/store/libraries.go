package store

import (
	"context"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/imagevault/imagevault/internal/model"
)

// CreateLibrary inserts a new library document.
func (s *Store) CreateLibrary(ctx context.Context, l *model.Library) error {
	ts := now()
	l.CreatedAt, l.UpdatedAt = ts, ts

	if l.ID.IsZero() {
		l.ID = bson.NewObjectID()
	}

	_, err := s.libraries().InsertOne(ctx, l)

	return errors.Wrap(err, "create library")
}

// GetLibrary loads a library by id.
func (s *Store) GetLibrary(ctx context.Context, id bson.ObjectID) (*model.Library, error) {
	var l model.Library

	err := s.libraries().FindOne(ctx, bson.M{"_id": id}).Decode(&l)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, errors.Wrap(err, "get library")
	}

	return &l, nil
}

// DeleteLibrary removes a library document. Its bound scheduled job is not
// deleted, here or by any caller: the scheduled job references the library
// by id rather than vice versa, and it stays in place.
func (s *Store) DeleteLibrary(ctx context.Context, id bson.ObjectID) error {
	_, err := s.libraries().DeleteOne(ctx, bson.M{"_id": id})
	return errors.Wrap(err, "delete library")
}

// ListLibraries returns every library, used by the daemon's config seeding
// and by the CLI's "library list" command.
func (s *Store) ListLibraries(ctx context.Context) ([]*model.Library, error) {
	cur, err := s.libraries().Find(ctx, bson.M{}, options.Find())
	if err != nil {
		return nil, errors.Wrap(err, "list libraries")
	}
	defer cur.Close(ctx)

	var libs []*model.Library
	if err := cur.All(ctx, &libs); err != nil {
		return nil, errors.Wrap(err, "decode libraries")
	}

	return libs, nil
}
