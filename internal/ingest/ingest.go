// Package ingest implements C8, the Bulk Ingester: discovers collections
// under a root and emits one collection-scan per entry, sharing the
// one-level-walk helper with C11 per spec §4.10 step 2.
package ingest

import (
	"context"
	"encoding/json"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/imagevault/imagevault/internal/broker"
	"github.com/imagevault/imagevault/internal/errs"
	"github.com/imagevault/imagevault/internal/logging"
	"github.com/imagevault/imagevault/internal/model"
	"github.com/imagevault/imagevault/internal/scanner"
	"github.com/imagevault/imagevault/internal/walkone"
)

var log = logging.Module("imagevault/ingest")

// jobStore is the subset of *store.Store this package needs.
type jobStore interface {
	FindCollectionByPath(ctx context.Context, libraryID bson.ObjectID, path string) (*model.Collection, error)
	CreateCollection(ctx context.Context, c *model.Collection) error
	IncrementStage(ctx context.Context, jobID bson.ObjectID, stage model.StageName, deltaCompleted, deltaFailed int64) error
	StartStage(ctx context.Context, jobID bson.ObjectID, stage model.StageName, totalItems int64) error
	CompleteStage(ctx context.Context, jobID bson.ObjectID, stage model.StageName, message string) error
	CreateJob(ctx context.Context, jobType model.JobType, parameters map[string]string, stages []model.StageName) (*model.BackgroundJob, error)
}

// Publisher is the subset of broker.Broker the ingester needs.
type Publisher interface {
	Publish(ctx context.Context, k broker.Kind, body []byte) error
}

// Message is the wire shape of a bulk-add message (spec §4.8).
type Message struct {
	RootPath          string
	LibraryID         bson.ObjectID
	Prefix            string
	OverwriteExisting bool
	AutoAdd           bool
	TriggerScan       bool
	JobID             bson.ObjectID
}

// Worker is C8: consumes bulk-add messages.
type Worker struct {
	store     jobStore
	publisher Publisher
}

// NewWorker constructs a C8 bulk ingester worker.
func NewWorker(store jobStore, publisher Publisher) *Worker {
	return &Worker{store: store, publisher: publisher}
}

// Handle implements broker.Handler.
func (w *Worker) Handle(ctx context.Context, d broker.Delivery) error {
	var msg Message
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		return errs.Wrap(errs.KindFatal, err, "decode bulk-add message")
	}

	return w.handle(ctx, msg)
}

func (w *Worker) handle(ctx context.Context, msg Message) error {
	// Step 1: walk rootPath one level deep.
	candidates, err := walkone.Walk(msg.RootPath)
	if err != nil {
		return errs.Wrap(errs.KindTransientIO, err, "walk root")
	}

	if err := w.store.StartStage(ctx, msg.JobID, model.StageScan, int64(len(candidates))); err != nil {
		log.Errorw("start stage failed", "jobId", msg.JobID, "error", err)
	}

	for _, c := range candidates {
		name := c.Name
		if msg.Prefix != "" {
			name = msg.Prefix + name
		}

		// Step 2: upsert a collection document per candidate.
		coll, err := w.store.FindCollectionByPath(ctx, msg.LibraryID, c.Path)
		if err != nil {
			coll = &model.Collection{
				ID:        bson.NewObjectID(),
				LibraryID: msg.LibraryID,
				Name:      name,
				Path:      c.Path,
				Type:      c.Type,
			}

			if createErr := w.store.CreateCollection(ctx, coll); createErr != nil {
				if incErr := w.store.IncrementStage(ctx, msg.JobID, model.StageScan, 0, 1); incErr != nil {
					log.Errorw("increment stage (failure) failed", "jobId", msg.JobID, "error", incErr)
				}

				continue
			}
		}

		if incErr := w.store.IncrementStage(ctx, msg.JobID, model.StageScan, 1, 0); incErr != nil {
			log.Errorw("increment stage failed", "jobId", msg.JobID, "error", incErr)
		}

		// Step 3: exactly one collection-scan per entry, only if
		// triggerScan - deliberately never triggered from the upsert path
		// itself (spec §4.8 forbids double-scan). Each entry gets its own
		// collection-scan job so C9 can reconcile it against that one
		// collection's ground truth.
		if msg.TriggerScan {
			w.triggerScan(ctx, coll.ID, scanner.ScanOptions{ResumeIncomplete: msg.AutoAdd, OverwriteExisting: msg.OverwriteExisting})
		}
	}

	// Step 4: bulk-add job's own scan-stage completes once every
	// candidate has been upserted; the per-collection scans it triggered
	// run as independent collection-scan jobs.
	if err := w.store.CompleteStage(ctx, msg.JobID, model.StageScan, ""); err != nil {
		log.Errorw("complete stage failed", "jobId", msg.JobID, "error", err)
	}

	return nil
}

func (w *Worker) triggerScan(ctx context.Context, collectionID bson.ObjectID, options scanner.ScanOptions) {
	job, err := w.store.CreateJob(ctx, model.JobTypeCollectionScan,
		map[string]string{"collectionId": collectionID.Hex()},
		[]model.StageName{model.StageScan, model.StageThumbnail, model.StageCache})
	if err != nil {
		log.Errorw("create collection-scan job failed", "collectionId", collectionID, "error", err)
		return
	}

	body, err := json.Marshal(scanner.Message{CollectionID: collectionID, ScanJobID: job.ID, Options: options})
	if err != nil {
		log.Errorw("marshal scan message failed", "error", err)
		return
	}

	if err := w.publisher.Publish(ctx, broker.KindCollectionScan, body); err != nil {
		log.Errorw("publish scan message failed", "error", err)
	}
}
