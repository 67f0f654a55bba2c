// Package reconciler implements C9, the Job Reconciler: a ticker loop that
// compares a collection-scan job's recorded progress against ground truth
// read from its collection document, correcting drift and abandoning jobs
// that have stopped making progress. Grounded on kopia's own
// maintenance-scheduling idiom of persisting a schedule and re-evaluating
// it on a fixed interval (repo/maintenance), generalized here from a
// single schedule to a sweep over every stale job.
package reconciler

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/imagevault/imagevault/internal/clock"
	"github.com/imagevault/imagevault/internal/logging"
	"github.com/imagevault/imagevault/internal/model"
)

var log = logging.Module("imagevault/reconciler")

const (
	// DefaultInterval is how often the reconciler sweeps for stale jobs.
	DefaultInterval = 60 * time.Second

	// DefaultStaleness is how long a collection-scan job can sit without a
	// progress update before the reconciler examines it.
	DefaultStaleness = 5 * time.Minute

	// DefaultFatalStaleness is how long a job can go without ground-truth
	// progress before it is presumed abandoned.
	DefaultFatalStaleness = 30 * time.Minute

	// collectionIDParam is the BackgroundJob.Parameters key carrying the
	// collection a collection-scan job is tracking.
	collectionIDParam = "collectionId"
)

// jobStore is the subset of *store.Store this package needs.
type jobStore interface {
	ListStaleCollectionScanJobs(ctx context.Context, olderThan time.Time) ([]*model.BackgroundJob, error)
	GetCollection(ctx context.Context, id bson.ObjectID) (*model.Collection, error)
	SetStageCounts(ctx context.Context, jobID bson.ObjectID, stage model.StageName, completedItems, failedItems int64) error
	CompleteStage(ctx context.Context, jobID bson.ObjectID, stage model.StageName, message string) error
	AbandonJob(ctx context.Context, jobID bson.ObjectID, errMsg string) error
}

// Reconciler runs the sweep loop. It holds no persisted state of its own:
// the "progress between two checks" comparison named in spec §4.9 step 5
// is tracked in an in-process map, since a reconciler sweep that restarts
// mid-job simply starts a fresh abandonment clock - acceptable because
// abandonment is a conservative, idempotent correction, not a safety
// invariant.
type Reconciler struct {
	store           jobStore
	staleness       time.Duration
	fatalStaleness  time.Duration
	lastGroundTruth map[bson.ObjectID]groundTruth
}

type groundTruth struct {
	scan, thumb, cache int64
	observedAt         time.Time
}

// New constructs a Reconciler with the given staleness thresholds.
func New(store jobStore, staleness, fatalStaleness time.Duration) *Reconciler {
	if staleness <= 0 {
		staleness = DefaultStaleness
	}

	if fatalStaleness <= 0 {
		fatalStaleness = DefaultFatalStaleness
	}

	return &Reconciler{
		store:           store,
		staleness:       staleness,
		fatalStaleness:  fatalStaleness,
		lastGroundTruth: map[bson.ObjectID]groundTruth{},
	}
}

// Run blocks, sweeping every interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}

	for {
		r.Sweep(ctx)

		if !clock.SleepInterruptibly(ctx, interval) {
			return
		}
	}
}

// Sweep runs one reconciliation pass over every stale collection-scan job.
func (r *Reconciler) Sweep(ctx context.Context) {
	now := clock.Now()

	jobs, err := r.store.ListStaleCollectionScanJobs(ctx, now.Add(-r.staleness))
	if err != nil {
		log.Errorw("list stale jobs failed", "error", err)
		return
	}

	for _, job := range jobs {
		r.reconcile(ctx, job, now)
	}
}

func (r *Reconciler) reconcile(ctx context.Context, job *model.BackgroundJob, now time.Time) {
	collIDHex, ok := job.Parameters[collectionIDParam]
	if !ok {
		log.Warnw("stale job missing collectionId parameter", "jobId", job.ID)
		return
	}

	collID, err := bson.ObjectIDFromHex(collIDHex)
	if err != nil {
		log.Warnw("stale job has invalid collectionId parameter", "jobId", job.ID, "error", err)
		return
	}

	coll, err := r.store.GetCollection(ctx, collID)
	if err != nil {
		log.Warnw("stale job references missing collection", "jobId", job.ID, "collectionId", collID, "error", err)
		return
	}

	// Step 2: compute ground truth.
	truth := groundTruth{
		scan:       int64(len(coll.Images)),
		thumb:      int64(len(coll.Thumbnails)),
		cache:      int64(len(coll.CacheImages)),
		observedAt: now,
	}

	// Step 3: correct any stage whose recorded completion lags ground truth.
	r.correctStage(ctx, job, model.StageScan, truth.scan)
	r.correctStage(ctx, job, model.StageThumbnail, truth.thumb)
	r.correctStage(ctx, job, model.StageCache, truth.cache)

	// Step 5: fatal-staleness abandonment, checked before re-recording the
	// snapshot below so "no progress since last check" compares against the
	// prior sweep's observation.
	if prev, seen := r.lastGroundTruth[job.ID]; seen {
		noProgress := truth.scan == prev.scan && truth.thumb == prev.thumb && truth.cache == prev.cache
		if noProgress && now.Sub(prev.observedAt) >= r.fatalStaleness {
			if err := r.store.AbandonJob(ctx, job.ID, "No progress — presumed abandoned"); err != nil {
				log.Errorw("abandon job failed", "jobId", job.ID, "error", err)
			} else {
				log.Warnw("job abandoned after no progress", "jobId", job.ID)
			}

			delete(r.lastGroundTruth, job.ID)

			return
		}
	}

	r.lastGroundTruth[job.ID] = truth
}

func (r *Reconciler) correctStage(ctx context.Context, job *model.BackgroundJob, stage model.StageName, groundTruthCount int64) {
	st, ok := job.Stages[stage]
	if !ok {
		return
	}

	// Step 3/4: a stage is behind if its recorded completions don't match
	// ground truth; bring it up to date and complete it if it has reached
	// its declared total and isn't already Completed.
	if st.CompletedItems != groundTruthCount {
		if err := r.store.SetStageCounts(ctx, job.ID, stage, groundTruthCount, st.FailedItems); err != nil {
			log.Errorw("correct stage counts failed", "jobId", job.ID, "stage", stage, "error", err)
			return
		}

		st.CompletedItems = groundTruthCount
	}

	if st.Status != model.JobStatusCompleted && groundTruthCount > 0 && groundTruthCount+st.FailedItems >= st.TotalItems {
		if err := r.store.CompleteStage(ctx, job.ID, stage, "reconciled from ground truth"); err != nil {
			log.Errorw("complete stage failed", "jobId", job.ID, "stage", stage, "error", err)
		}
	}
}
