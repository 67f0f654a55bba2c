package libschedule

import (
	"context"
	"encoding/json"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/imagevault/imagevault/internal/broker"
	"github.com/imagevault/imagevault/internal/errs"
	"github.com/imagevault/imagevault/internal/model"
)

// LibraryScanMessage is the wire shape of a library-scan message (spec
// §4.4's `library-scan` durable queue): it carries just enough of the
// triggering ScheduledJob for the consumer to re-run the walk without a
// second store round trip for fields the orchestrator doesn't use.
type LibraryScanMessage struct {
	ScheduledJobID bson.ObjectID
	LibraryID      bson.ObjectID
}

// QueueRunner implements Runner by publishing to the library-scan queue
// instead of invoking the C11 orchestrator in-process, so C10 and C11
// communicate the way every other component pair in this system does -
// through a durable queue, not a direct call.
type QueueRunner struct {
	publisher Publisher
}

// NewQueueRunner constructs a QueueRunner.
func NewQueueRunner(publisher Publisher) *QueueRunner {
	return &QueueRunner{publisher: publisher}
}

// Run publishes a library-scan message for sj. Its error/success reflects
// whether the trigger was durably enqueued, not whether the orchestrator's
// walk has completed - spec §4.10 step 4's lastRunStatus/lastRunDuration
// describe the walk's own completion, observed separately via C3 once
// collection-scan jobs reach terminal state.
func (r *QueueRunner) Run(ctx context.Context, sj *model.ScheduledJob) error {
	body, err := json.Marshal(LibraryScanMessage{ScheduledJobID: sj.ID, LibraryID: sj.LibraryID})
	if err != nil {
		return errs.Wrap(errs.KindFatal, err, "marshal library-scan message")
	}

	return r.publisher.Publish(ctx, broker.KindLibraryScan, body)
}

// LibraryScanWorker is the library-scan queue's consumer: it decodes the
// message QueueRunner publishes and delegates to the C11 orchestrator.
type LibraryScanWorker struct {
	orch *Orchestrator
}

// NewLibraryScanWorker constructs a consumer for the library-scan queue.
func NewLibraryScanWorker(orch *Orchestrator) *LibraryScanWorker {
	return &LibraryScanWorker{orch: orch}
}

// Handle implements broker.Handler.
func (w *LibraryScanWorker) Handle(ctx context.Context, d broker.Delivery) error {
	var msg LibraryScanMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		return errs.Wrap(errs.KindFatal, err, "decode library-scan message")
	}

	return w.orch.Run(ctx, &model.ScheduledJob{ID: msg.ScheduledJobID, LibraryID: msg.LibraryID})
}
