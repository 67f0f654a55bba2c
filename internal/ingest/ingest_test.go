package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/imagevault/imagevault/internal/broker"
	"github.com/imagevault/imagevault/internal/model"
)

var errNotFound = errors.New("not found")

type fakeStore struct {
	collections       map[string]*model.Collection
	createdCollection int
	completedStage    bool
	startedTotal      int64
	incCompleted      int64
	incFailed         int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{collections: map[string]*model.Collection{}}
}

func (f *fakeStore) FindCollectionByPath(_ context.Context, _ bson.ObjectID, path string) (*model.Collection, error) {
	if c, ok := f.collections[path]; ok {
		return c, nil
	}

	return nil, errNotFound
}

func (f *fakeStore) CreateCollection(_ context.Context, c *model.Collection) error {
	f.collections[c.Path] = c
	f.createdCollection++

	return nil
}

func (f *fakeStore) IncrementStage(_ context.Context, _ bson.ObjectID, _ model.StageName, deltaCompleted, deltaFailed int64) error {
	f.incCompleted += deltaCompleted
	f.incFailed += deltaFailed

	return nil
}

func (f *fakeStore) StartStage(_ context.Context, _ bson.ObjectID, _ model.StageName, totalItems int64) error {
	f.startedTotal = totalItems
	return nil
}

func (f *fakeStore) CompleteStage(_ context.Context, _ bson.ObjectID, _ model.StageName, _ string) error {
	f.completedStage = true
	return nil
}

func (f *fakeStore) CreateJob(_ context.Context, jobType model.JobType, _ map[string]string, _ []model.StageName) (*model.BackgroundJob, error) {
	return &model.BackgroundJob{ID: bson.NewObjectID(), JobType: jobType}, nil
}

type fakePublisher struct {
	published []broker.Kind
}

func (f *fakePublisher) Publish(_ context.Context, k broker.Kind, _ []byte) error {
	f.published = append(f.published, k)
	return nil
}

func TestHandleUpsertsOneCollectionPerCandidate(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "Vacation"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "Comics.cbz"), []byte("x"), 0o644))

	fs := newFakeStore()
	pub := &fakePublisher{}
	w := NewWorker(fs, pub)

	jobID := bson.NewObjectID()
	err := w.handle(context.Background(), Message{
		RootPath:    root,
		LibraryID:   bson.NewObjectID(),
		TriggerScan: true,
		JobID:       jobID,
	})
	require.NoError(t, err)

	require.Equal(t, 2, fs.createdCollection)
	require.True(t, fs.completedStage)
	require.EqualValues(t, 2, fs.startedTotal)
	require.EqualValues(t, 2, fs.incCompleted)
	require.Len(t, pub.published, 2)

	for _, k := range pub.published {
		require.Equal(t, broker.KindCollectionScan, k)
	}
}

func TestHandleSkipsScanWhenTriggerScanFalse(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "Vacation"), 0o755))

	fs := newFakeStore()
	pub := &fakePublisher{}
	w := NewWorker(fs, pub)

	err := w.handle(context.Background(), Message{
		RootPath:  root,
		LibraryID: bson.NewObjectID(),
		JobID:     bson.NewObjectID(),
	})
	require.NoError(t, err)

	require.Equal(t, 1, fs.createdCollection)
	require.Empty(t, pub.published)
}

func TestHandleSkipsExistingCollectionButStillScans(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "Vacation"), 0o755))

	fs := newFakeStore()
	existingPath := filepath.Join(root, "Vacation")
	fs.collections[existingPath] = &model.Collection{ID: bson.NewObjectID(), Path: existingPath}

	pub := &fakePublisher{}
	w := NewWorker(fs, pub)

	err := w.handle(context.Background(), Message{
		RootPath:    root,
		LibraryID:   bson.NewObjectID(),
		TriggerScan: true,
		JobID:       bson.NewObjectID(),
	})
	require.NoError(t, err)

	require.Equal(t, 0, fs.createdCollection)
	require.Len(t, pub.published, 1)
}
