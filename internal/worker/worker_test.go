package worker

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/imagevault/imagevault/internal/broker"
	"github.com/imagevault/imagevault/internal/model"
)

func solidTestJPEG(t *testing.T) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, 40, 40))
	for y := 0; y < 40; y++ {
		for x := 0; x < 40; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 64, A: 255})
		}
	}

	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))

	return buf.Bytes()
}

type fakeLoader struct {
	data []byte
	err  error
}

func (f fakeLoader) Load(ctx context.Context, path string) ([]byte, error) {
	return f.data, f.err
}

type fakeJobStore struct {
	job          *model.BackgroundJob
	coll         *model.Collection
	incCompleted int64
	incFailed    int64
	upserted     []model.ImageRef
}

func (f *fakeJobStore) GetJob(ctx context.Context, jobID bson.ObjectID) (*model.BackgroundJob, error) {
	return f.job, nil
}

func (f *fakeJobStore) GetCollection(ctx context.Context, id bson.ObjectID) (*model.Collection, error) {
	return f.coll, nil
}

func (f *fakeJobStore) UpsertThumbnail(ctx context.Context, collectionID bson.ObjectID, ref model.ImageRef) (bool, error) {
	f.upserted = append(f.upserted, ref)
	return true, nil
}

func (f *fakeJobStore) UpsertCacheImage(ctx context.Context, collectionID bson.ObjectID, ref model.ImageRef) (bool, error) {
	f.upserted = append(f.upserted, ref)
	return true, nil
}

func (f *fakeJobStore) IncrementStage(ctx context.Context, jobID bson.ObjectID, stage model.StageName, deltaCompleted, deltaFailed int64) error {
	f.incCompleted += deltaCompleted
	f.incFailed += deltaFailed
	return nil
}

func fixedLoader(l SourceLoader) LoaderResolver {
	return func(*model.Collection) SourceLoader { return l }
}

type fakeFolderPicker struct {
	folder         *model.CacheFolder
	accountedBytes int64
}

func (f *fakeFolderPicker) Pick(ctx context.Context, collectionID bson.ObjectID, requiredBytes int64) (*model.CacheFolder, error) {
	return f.folder, nil
}

func (f *fakeFolderPicker) GetCacheFolder(ctx context.Context, id bson.ObjectID) (*model.CacheFolder, error) {
	return f.folder, nil
}

func (f *fakeFolderPicker) AccountWrite(ctx context.Context, folderID bson.ObjectID, bytes int64) error {
	f.accountedBytes += bytes
	return nil
}

func TestStageWorkerSkipsTerminalParentJob(t *testing.T) {
	store := &fakeJobStore{job: &model.BackgroundJob{Status: model.JobStatusCompleted}, coll: &model.Collection{}}
	w := &stageWorker{store: store, loader: fixedLoader(fakeLoader{}), stage: thumbnailStage}

	err := w.Handle(context.Background(), broker.Delivery{}, Message{ScanJobID: bson.NewObjectID()})
	require.NoError(t, err)
	require.Empty(t, store.upserted)
	require.Zero(t, store.incCompleted)
}

func TestStageWorkerProcessesAndIncrementsOnSuccess(t *testing.T) {
	dir := t.TempDir()

	src := solidTestJPEG(t)

	store := &fakeJobStore{job: &model.BackgroundJob{Status: model.JobStatusInProgress}, coll: &model.Collection{}}
	folderID := bson.NewObjectID()
	folders := &fakeFolderPicker{folder: &model.CacheFolder{ID: folderID, Path: dir}}
	w := &stageWorker{store: store, loader: fixedLoader(fakeLoader{data: src}), folders: folders, stage: thumbnailStage}

	msg := Message{
		ImageID:        "img-1",
		CollectionID:   bson.NewObjectID(),
		SourcePath:     "a/b.jpg",
		OutputFolderID: folderID,
		Settings:       model.JobSettings{TargetWidth: 100, TargetHeight: 100, Quality: 80, Format: "jpeg"},
		ScanJobID:      bson.NewObjectID(),
	}

	require.NoError(t, w.Handle(context.Background(), broker.Delivery{}, msg))
	require.Len(t, store.upserted, 1)
	require.EqualValues(t, 1, store.incCompleted)
	require.EqualValues(t, 0, store.incFailed)
	require.NotZero(t, folders.accountedBytes)

	_, statErr := os.Stat(store.upserted[0].OutputPath)
	require.NoError(t, statErr)
	require.Equal(t, folderID, store.upserted[0].OutputFolderID)
}

func TestStageWorkerIdempotentWhenFilePresent(t *testing.T) {
	dir := t.TempDir()
	existingPath := filepath.Join(dir, "existing.jpg")
	require.NoError(t, os.WriteFile(existingPath, []byte("data"), 0o644))

	coll := &model.Collection{Thumbnails: []model.ImageRef{{ImageID: "img-1", OutputPath: existingPath}}}
	store := &fakeJobStore{job: &model.BackgroundJob{Status: model.JobStatusInProgress}, coll: coll}
	w := &stageWorker{store: store, loader: fixedLoader(fakeLoader{}), stage: thumbnailStage}

	msg := Message{ImageID: "img-1", CollectionID: bson.NewObjectID(), ScanJobID: bson.NewObjectID()}

	require.NoError(t, w.Handle(context.Background(), broker.Delivery{}, msg))
	require.EqualValues(t, 1, store.incCompleted)
	require.Empty(t, store.upserted)
}

func TestOutputFilenameSanitizesImageID(t *testing.T) {
	require.Equal(t, "abc_def.jpg", outputFilename("abc/def", "jpg"))
}
