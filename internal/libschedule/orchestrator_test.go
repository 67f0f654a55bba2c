package libschedule

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

type fakeOrchStore struct {
	library     *model.Library
	collections map[string]*model.Collection
	created     int
}

func (f *fakeOrchStore) GetLibrary(context.Context, bson.ObjectID) (*model.Library, error) {
	return f.library, nil
}

func (f *fakeOrchStore) FindCollectionByPath(_ context.Context, _ bson.ObjectID, path string) (*model.Collection, error) {
	if c, ok := f.collections[path]; ok {
		return c, nil
	}

	return nil, errNotFound
}

func (f *fakeOrchStore) CreateCollection(_ context.Context, c *model.Collection) error {
	f.collections[c.Path] = c
	f.created++

	return nil
}

func (f *fakeOrchStore) CreateJob(_ context.Context, jobType model.JobType, _ map[string]string, _ []model.StageName) (*model.BackgroundJob, error) {
	return &model.BackgroundJob{ID: bson.NewObjectID(), JobType: jobType}, nil
}

type fakeOrchPublisher struct {
	published int
}

func (f *fakeOrchPublisher) Publish(context.Context, broker.Kind, []byte) error {
	f.published++
	return nil
}

func TestOrchestratorRunWalksAndTriggersScans(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "Trip"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "Comics.cbz"), []byte("x"), 0o644))

	lib := &model.Library{ID: bson.NewObjectID(), RootPath: root}
	store := &fakeOrchStore{library: lib, collections: map[string]*model.Collection{}}
	pub := &fakeOrchPublisher{}

	orch := NewOrchestrator(store, pub)
	sj := &model.ScheduledJob{ID: bson.NewObjectID(), LibraryID: lib.ID}

	require.NoError(t, orch.Run(context.Background(), sj))
	require.Equal(t, 2, store.created)
	require.Equal(t, 2, pub.published)
}
