package cachefolder

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/imagevault/imagevault/internal/errs"
	"github.com/imagevault/imagevault/internal/model"
)

type fakeStore struct {
	folders []*model.CacheFolder
	bound   map[bson.ObjectID]bson.ObjectID
}

func newFakeStore(folders ...*model.CacheFolder) *fakeStore {
	return &fakeStore{folders: folders, bound: map[bson.ObjectID]bson.ObjectID{}}
}

func (f *fakeStore) ListActiveCacheFolders(ctx context.Context) ([]*model.CacheFolder, error) {
	return f.folders, nil
}

func (f *fakeStore) GetCacheFolder(ctx context.Context, id bson.ObjectID) (*model.CacheFolder, error) {
	for _, folder := range f.folders {
		if folder.ID == id {
			return folder, nil
		}
	}

	return nil, errs.New(errs.KindFatal, "not found")
}

func (f *fakeStore) BindCollection(ctx context.Context, folderID, collectionID bson.ObjectID) error {
	f.bound[collectionID] = folderID

	for _, folder := range f.folders {
		if folder.ID == folderID {
			folder.CachedCollectionIDs = append(folder.CachedCollectionIDs, collectionID)
		}
	}

	return nil
}

func (f *fakeStore) AccountWrite(ctx context.Context, folderID bson.ObjectID, bytes int64) error {
	for _, folder := range f.folders {
		if folder.ID == folderID {
			folder.CurrentSizeBytes += bytes
		}
	}

	return nil
}

func (f *fakeStore) AccountDelete(ctx context.Context, folderID bson.ObjectID, bytes int64) error {
	for _, folder := range f.folders {
		if folder.ID == folderID {
			folder.CurrentSizeBytes -= bytes
			if folder.CurrentSizeBytes < 0 {
				folder.CurrentSizeBytes = 0
			}
		}
	}

	return nil
}

func folder(priority int, maxSize, current int64) *model.CacheFolder {
	return &model.CacheFolder{
		ID:               bson.NewObjectID(),
		Priority:         priority,
		MaxSizeBytes:     maxSize,
		CurrentSizeBytes: current,
		IsActive:         true,
	}
}

func TestPickStickiness(t *testing.T) {
	collectionID := bson.NewObjectID()

	sticky := folder(1, 1000, 100)
	sticky.CachedCollectionIDs = []bson.ObjectID{collectionID}

	other := folder(100, 1000, 0)

	st := newFakeStore(sticky, other)
	reg := New(st, 1)

	chosen, err := reg.Pick(context.Background(), collectionID, 50)
	require.NoError(t, err)
	require.Equal(t, sticky.ID, chosen.ID)
}

func TestPickNoCapacity(t *testing.T) {
	full := folder(1, 1000, 1000)

	st := newFakeStore(full)
	reg := New(st, 1)

	_, err := reg.Pick(context.Background(), bson.NewObjectID(), 10)
	require.Error(t, err)
	require.Equal(t, errs.KindNoCapacity, errs.KindOf(err))
}

func TestPickWeightedAmongCandidatesBindsCollection(t *testing.T) {
	a := folder(1, 1000, 0)
	b := folder(1, 1000, 0)

	st := newFakeStore(a, b)
	reg := New(st, 42)

	collectionID := bson.NewObjectID()
	chosen, err := reg.Pick(context.Background(), collectionID, 10)
	require.NoError(t, err)
	require.Contains(t, []bson.ObjectID{a.ID, b.ID}, chosen.ID)
	require.Contains(t, chosen.CachedCollectionIDs, collectionID)
}

func TestPickAllZeroPriorityTreatedUniform(t *testing.T) {
	a := folder(0, 1000, 0)
	b := folder(0, 1000, 0)

	st := newFakeStore(a, b)
	reg := New(st, 7)

	chosen, err := reg.Pick(context.Background(), bson.NewObjectID(), 10)
	require.NoError(t, err)
	require.NotNil(t, chosen)
}

func TestAccountWriteAndDeleteClampsAtZero(t *testing.T) {
	f := folder(1, 1000, 50)
	st := newFakeStore(f)
	reg := New(st, 1)

	require.NoError(t, reg.AccountWrite(context.Background(), f.ID, 20))
	require.Equal(t, int64(70), f.CurrentSizeBytes)

	require.NoError(t, reg.AccountDelete(context.Background(), f.ID, 1000))
	require.Equal(t, int64(0), f.CurrentSizeBytes)
}
