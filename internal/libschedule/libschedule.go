// Package libschedule implements C10 (Library Scheduler) and C11 (Library
// Scan Orchestrator): a table of ScheduledJobs bound to a recurring
// execution via internal/scheduler, an orphan sweep that re-registers
// missing bindings, and the orchestrator that walks a library root and
// kicks off per-collection scans on trigger.
//
// Directly grounded on kopia's internal/scheduler package contract
// (scheduler.Item{Description, NextTime, Trigger}, scheduler.Start, the
// refresh channel, TriggerNames for log messages - exercised by
// internal/scheduler/scheduler_test.go), generalized from kopia's single
// in-process snapshot scheduler to a fleet of ScheduledJob documents.
package libschedule

import (
	"context"
	"time"

	"github.com/hashicorp/cronexpr"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/imagevault/imagevault/internal/clock"
	"github.com/imagevault/imagevault/internal/logging"
	"github.com/imagevault/imagevault/internal/model"
	"github.com/imagevault/imagevault/internal/scheduler"
)

var log = logging.Module("imagevault/libschedule")

// DefaultOrphanSweepInterval is how often the orphan sweep runs.
const DefaultOrphanSweepInterval = 5 * time.Minute

// jobStore is the subset of *store.Store this package needs for the
// scheduled-job table itself.
type jobStore interface {
	ListEnabledScheduledJobs(ctx context.Context) ([]*model.ScheduledJob, error)
	FindScheduledJobByLibrary(ctx context.Context, libraryID bson.ObjectID) (*model.ScheduledJob, error)
	CreateScheduledJob(ctx context.Context, sj *model.ScheduledJob) error
	SetBinding(ctx context.Context, id bson.ObjectID, binding string) error
	SetNextRunAt(ctx context.Context, id bson.ObjectID, next time.Time) error
	RecordRun(ctx context.Context, id bson.ObjectID, startedAt time.Time, status string, duration time.Duration, nextRunAt time.Time, success bool) error
}

// Runner invokes the C11 orchestrator for a single scheduled job. Kept as
// a narrow interface so the Scheduler doesn't need to import the
// orchestrator's own store/publisher dependencies.
type Runner interface {
	Run(ctx context.Context, sj *model.ScheduledJob) error
}

// Scheduler owns the ScheduledJob table, the orphan sweep, and the
// underlying generic scheduler.Scheduler loop.
type Scheduler struct {
	store   jobStore
	runner  Runner
	refresh chan string
	inner   *scheduler.Scheduler
}

// New constructs a Scheduler. Call Start to begin firing triggers; the
// binding sweep is run separately by RunOrphanSweep
// (DefaultOrphanSweepInterval, 5 minutes).
func New(store jobStore, runner Runner) *Scheduler {
	return &Scheduler{store: store, runner: runner, refresh: make(chan string, 1)}
}

// Start launches the underlying generic scheduler, evaluating the
// ScheduledJob table's nextRunAt values every time it is (re)asked.
func (s *Scheduler) Start(ctx context.Context) {
	s.inner = scheduler.Start(ctx, s.getItems, scheduler.Options{
		RefreshChannel: s.refresh,
	})
}

// Stop halts the scheduler loop.
func (s *Scheduler) Stop() {
	if s.inner != nil {
		s.inner.Stop()
	}
}

// Refresh forces an immediate re-evaluation of the schedule, so a changed
// ScheduledJob table is picked up without waiting for the idle-wait
// timeout. No code in this repository calls it.
func (s *Scheduler) Refresh(reason string) {
	select {
	case s.refresh <- reason:
	default:
	}
}

func (s *Scheduler) getItems(ctx context.Context, now time.Time) []scheduler.Item {
	jobs, err := s.store.ListEnabledScheduledJobs(ctx)
	if err != nil {
		log.Errorw("list enabled scheduled jobs failed", "error", err)
		return nil
	}

	items := make([]scheduler.Item, 0, len(jobs))

	for _, sj := range jobs {
		if sj.IsOrphaned() {
			// Orphans are picked up by the sweep, not fired directly.
			continue
		}

		next := sj.NextRunAt
		if next == nil || next.IsZero() {
			computed := nextRunAt(sj.CronExpression, now)
			next = &computed
		}

		sj := sj // capture for the closure below

		items = append(items, scheduler.Item{
			Description: "library:" + sj.LibraryID.Hex(),
			NextTime:    *next,
			Trigger: func() {
				s.fire(ctx, sj)
			},
		})
	}

	return items
}

func (s *Scheduler) fire(ctx context.Context, sj *model.ScheduledJob) {
	started := clock.Now()

	err := s.runner.Run(ctx, sj)

	status := "success"
	if err != nil {
		status = "failure"
		log.Errorw("orchestrator run failed", "scheduledJobId", sj.ID, "error", err)
	}

	next := nextRunAt(sj.CronExpression, clock.Now())

	if recErr := s.store.RecordRun(ctx, sj.ID, started, status, clock.Now().Sub(started), next, err == nil); recErr != nil {
		log.Errorw("record run failed", "scheduledJobId", sj.ID, "error", recErr)
	}
}

// nextRunAt computes the next fire time from a cron expression, falling
// back to one hour out if the expression fails to parse (a malformed
// cronExpression should never wedge the whole scheduler loop).
func nextRunAt(cronExpression string, after time.Time) time.Time {
	expr, err := cronexpr.Parse(cronExpression)
	if err != nil {
		log.Warnw("invalid cron expression, defaulting to hourly", "cron", cronExpression, "error", err)
		return after.Add(time.Hour)
	}

	return expr.Next(after)
}

// RecreateBinding is the operator-facing recreateBinding(jobId) operation
// (spec §4.10): marks the scheduled job bound so the scheduler will start
// firing it again.
func RecreateBinding(ctx context.Context, store jobStore, jobID bson.ObjectID) error {
	return store.SetBinding(ctx, jobID, "scheduler:"+jobID.Hex())
}

// RemoveOrphanedBinding is the operator-facing removeOrphanedBinding(jobId)
// operation: clears the binding, returning the job to orphan status.
func RemoveOrphanedBinding(ctx context.Context, store jobStore, jobID bson.ObjectID) error {
	return store.SetBinding(ctx, jobID, "")
}

// SweepOrphans attempts to (re)register a binding for every enabled
// scheduled job whose externalBinding is empty (spec §4.10's orphan
// sweep). Intended to run on DefaultOrphanSweepInterval.
func SweepOrphans(ctx context.Context, store jobStore) {
	jobs, err := store.ListEnabledScheduledJobs(ctx)
	if err != nil {
		log.Errorw("list enabled scheduled jobs failed", "error", err)
		return
	}

	for _, sj := range jobs {
		if !sj.IsOrphaned() {
			continue
		}

		if err := RecreateBinding(ctx, store, sj.ID); err != nil {
			log.Errorw("recreate binding failed", "scheduledJobId", sj.ID, "error", err)
			continue
		}

		log.Infow("recreated orphaned scheduled job binding", "scheduledJobId", sj.ID)
	}
}

// RunOrphanSweep blocks, sweeping every interval until ctx is cancelled.
func RunOrphanSweep(ctx context.Context, store jobStore, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultOrphanSweepInterval
	}

	for {
		SweepOrphans(ctx, store)

		if !clock.SleepInterruptibly(ctx, interval) {
			return
		}
	}
}
