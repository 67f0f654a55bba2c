package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/imagevault/imagevault/internal/clock"
	"github.com/imagevault/imagevault/internal/faketime"
	"github.com/imagevault/imagevault/internal/model"
)

type fakeStore struct {
	jobs            []*model.BackgroundJob
	collections     map[bson.ObjectID]*model.Collection
	setCounts       map[model.StageName][2]int64
	completedStages []model.StageName
	abandoned       bool
	abandonMessage  string
}

func (f *fakeStore) ListStaleCollectionScanJobs(_ context.Context, _ time.Time) ([]*model.BackgroundJob, error) {
	return f.jobs, nil
}

func (f *fakeStore) GetCollection(_ context.Context, id bson.ObjectID) (*model.Collection, error) {
	return f.collections[id], nil
}

func (f *fakeStore) SetStageCounts(_ context.Context, _ bson.ObjectID, stage model.StageName, completed, failed int64) error {
	if f.setCounts == nil {
		f.setCounts = map[model.StageName][2]int64{}
	}

	f.setCounts[stage] = [2]int64{completed, failed}

	return nil
}

func (f *fakeStore) CompleteStage(_ context.Context, _ bson.ObjectID, stage model.StageName, _ string) error {
	f.completedStages = append(f.completedStages, stage)
	return nil
}

func (f *fakeStore) AbandonJob(_ context.Context, _ bson.ObjectID, errMsg string) error {
	f.abandoned = true
	f.abandonMessage = errMsg

	return nil
}

func jobWithStages() (*model.BackgroundJob, bson.ObjectID) {
	collID := bson.NewObjectID()
	jobID := bson.NewObjectID()

	job := &model.BackgroundJob{
		ID:         jobID,
		JobType:    model.JobTypeCollectionScan,
		Status:     model.JobStatusInProgress,
		Parameters: map[string]string{"collectionId": collID.Hex()},
		Stages: map[model.StageName]*model.Stage{
			model.StageScan:      {Status: model.JobStatusInProgress, TotalItems: 2, CompletedItems: 1},
			model.StageThumbnail: {Status: model.JobStatusInProgress, TotalItems: 2, CompletedItems: 0},
			model.StageCache:     {Status: model.JobStatusInProgress, TotalItems: 2, CompletedItems: 0},
		},
	}

	return job, collID
}

func TestSweepCorrectsDriftedStage(t *testing.T) {
	job, collID := jobWithStages()

	fs := &fakeStore{
		jobs: []*model.BackgroundJob{job},
		collections: map[bson.ObjectID]*model.Collection{
			collID: {
				ID:     collID,
				Images: []model.ImageRef{{ImageID: "a"}, {ImageID: "b"}},
			},
		},
	}

	r := New(fs, time.Minute, time.Hour)
	r.Sweep(context.Background())

	require.Equal(t, [2]int64{2, 0}, fs.setCounts[model.StageScan])
	require.Contains(t, fs.completedStages, model.StageScan)
}

func TestSweepNoopWhenAlreadyMatchingGroundTruth(t *testing.T) {
	job, collID := jobWithStages()
	job.Stages[model.StageScan].CompletedItems = 2

	fs := &fakeStore{
		jobs: []*model.BackgroundJob{job},
		collections: map[bson.ObjectID]*model.Collection{
			collID: {ID: collID, Images: []model.ImageRef{{ImageID: "a"}, {ImageID: "b"}}},
		},
	}

	r := New(fs, time.Minute, time.Hour)
	r.Sweep(context.Background())

	require.Empty(t, fs.setCounts[model.StageScan])
}

func TestSweepAbandonsAfterNoProgressAcrossTwoChecks(t *testing.T) {
	job, collID := jobWithStages()

	fs := &fakeStore{
		jobs: []*model.BackgroundJob{job},
		collections: map[bson.ObjectID]*model.Collection{
			collID: {ID: collID},
		},
	}

	r := New(fs, time.Minute, time.Millisecond)

	fakeClock := faketime.NewTimeAdvance(time.Now())
	defer clock.SetNowFunc(fakeClock.NowFunc())()

	r.Sweep(context.Background())
	require.False(t, fs.abandoned)

	fakeClock.Advance(2 * time.Millisecond)
	r.Sweep(context.Background())

	require.True(t, fs.abandoned)
	require.Equal(t, "No progress — presumed abandoned", fs.abandonMessage)
}
