package libschedule

import (
	"context"
	"encoding/json"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/imagevault/imagevault/internal/broker"
	"github.com/imagevault/imagevault/internal/model"
	"github.com/imagevault/imagevault/internal/scanner"
	"github.com/imagevault/imagevault/internal/walkone"
)

// orchestratorStore is the subset of *store.Store the orchestrator needs,
// distinct from jobStore above since it touches libraries/collections/jobs
// rather than the scheduled-job table.
type orchestratorStore interface {
	GetLibrary(ctx context.Context, id bson.ObjectID) (*model.Library, error)
	FindCollectionByPath(ctx context.Context, libraryID bson.ObjectID, path string) (*model.Collection, error)
	CreateCollection(ctx context.Context, c *model.Collection) error
	CreateJob(ctx context.Context, jobType model.JobType, parameters map[string]string, stages []model.StageName) (*model.BackgroundJob, error)
}

// Publisher is the subset of broker.Broker the orchestrator needs.
type Publisher interface {
	Publish(ctx context.Context, k broker.Kind, body []byte) error
}

// Orchestrator is C11: on trigger, walks a library root one level deep (as
// C8 does, per spec §4.10 step 2) and emits one collection-scan per entry.
type Orchestrator struct {
	store     orchestratorStore
	publisher Publisher
}

// NewOrchestrator constructs a C11 orchestrator.
func NewOrchestrator(store orchestratorStore, publisher Publisher) *Orchestrator {
	return &Orchestrator{store: store, publisher: publisher}
}

// Run implements the Runner interface the Scheduler invokes per trigger
// fire. It deliberately does not itself record lastRunAt/runCount/
// lastRunStatus: those are folded into the single RecordRun call the
// Scheduler makes after Run returns, keeping step 1 and step 4 of spec
// §4.10 as one round trip rather than two, per the store's own
// single-round-trip-per-mutation discipline.
func (o *Orchestrator) Run(ctx context.Context, sj *model.ScheduledJob) error {
	lib, err := o.store.GetLibrary(ctx, sj.LibraryID)
	if err != nil {
		return err
	}

	candidates, err := walkone.Walk(lib.RootPath)
	if err != nil {
		return err
	}

	for _, c := range candidates {
		coll, err := o.store.FindCollectionByPath(ctx, lib.ID, c.Path)
		if err != nil {
			coll = &model.Collection{
				ID:        bson.NewObjectID(),
				LibraryID: lib.ID,
				Name:      c.Name,
				Path:      c.Path,
				Type:      c.Type,
			}

			if createErr := o.store.CreateCollection(ctx, coll); createErr != nil {
				log.Errorw("create collection failed", "path", c.Path, "error", createErr)
				continue
			}
		}

		o.triggerScan(ctx, coll.ID)
	}

	return nil
}

func (o *Orchestrator) triggerScan(ctx context.Context, collectionID bson.ObjectID) {
	job, err := o.store.CreateJob(ctx, model.JobTypeCollectionScan,
		map[string]string{"collectionId": collectionID.Hex()},
		[]model.StageName{model.StageScan, model.StageThumbnail, model.StageCache})
	if err != nil {
		log.Errorw("create collection-scan job failed", "collectionId", collectionID, "error", err)
		return
	}

	body, err := json.Marshal(scanner.Message{
		CollectionID: collectionID,
		ScanJobID:    job.ID,
		Options:      scanner.ScanOptions{ResumeIncomplete: true},
	})
	if err != nil {
		log.Errorw("marshal scan message failed", "error", err)
		return
	}

	if err := o.publisher.Publish(ctx, broker.KindCollectionScan, body); err != nil {
		log.Errorw("publish scan message failed", "error", err)
	}
}
