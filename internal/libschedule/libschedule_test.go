package libschedule

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/imagevault/imagevault/internal/model"
)

type fakeJobStore struct {
	jobs     []*model.ScheduledJob
	bindings map[bson.ObjectID]string
	runs     int
}

func (f *fakeJobStore) ListEnabledScheduledJobs(context.Context) ([]*model.ScheduledJob, error) {
	return f.jobs, nil
}

func (f *fakeJobStore) FindScheduledJobByLibrary(context.Context, bson.ObjectID) (*model.ScheduledJob, error) {
	return nil, nil
}

func (f *fakeJobStore) CreateScheduledJob(context.Context, *model.ScheduledJob) error { return nil }

func (f *fakeJobStore) SetBinding(_ context.Context, id bson.ObjectID, binding string) error {
	if f.bindings == nil {
		f.bindings = map[bson.ObjectID]string{}
	}

	f.bindings[id] = binding

	for _, sj := range f.jobs {
		if sj.ID == id {
			sj.ExternalBinding = binding
		}
	}

	return nil
}

func (f *fakeJobStore) SetNextRunAt(context.Context, bson.ObjectID, time.Time) error { return nil }

func (f *fakeJobStore) RecordRun(_ context.Context, _ bson.ObjectID, _ time.Time, _ string, _ time.Duration, _ time.Time, _ bool) error {
	f.runs++
	return nil
}

func TestSweepOrphansRecreatesBinding(t *testing.T) {
	sj := &model.ScheduledJob{ID: bson.NewObjectID(), Enabled: true, CronExpression: "0 * * * *"}
	fs := &fakeJobStore{jobs: []*model.ScheduledJob{sj}}

	require.True(t, sj.IsOrphaned())

	SweepOrphans(context.Background(), fs)

	require.NotEmpty(t, fs.bindings[sj.ID])
	require.False(t, sj.IsOrphaned())
}

func TestSweepOrphansSkipsBoundJobs(t *testing.T) {
	sj := &model.ScheduledJob{ID: bson.NewObjectID(), Enabled: true, ExternalBinding: "scheduler:x", CronExpression: "0 * * * *"}
	fs := &fakeJobStore{jobs: []*model.ScheduledJob{sj}}

	SweepOrphans(context.Background(), fs)

	require.Empty(t, fs.bindings)
}

func TestNextRunAtFallsBackOnInvalidCron(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	next := nextRunAt("not a cron", now)

	require.Equal(t, now.Add(time.Hour), next)
}

type fakeRunner struct {
	ran int
}

func (f *fakeRunner) Run(context.Context, *model.ScheduledJob) error {
	f.ran++
	return nil
}

func TestFireRecordsRun(t *testing.T) {
	sj := &model.ScheduledJob{ID: bson.NewObjectID(), CronExpression: "0 * * * *"}
	fs := &fakeJobStore{jobs: []*model.ScheduledJob{sj}}
	runner := &fakeRunner{}

	s := New(fs, runner)
	s.fire(context.Background(), sj)

	require.Equal(t, 1, runner.ran)
	require.Equal(t, 1, fs.runs)
}
