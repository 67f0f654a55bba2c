package cli

import (
	"context"
	"encoding/json"

	"github.com/alecthomas/kingpin/v2"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/imagevault/imagevault/internal/broker"
	"github.com/imagevault/imagevault/internal/ingest"
	"github.com/imagevault/imagevault/internal/model"
	"github.com/imagevault/imagevault/internal/store"
)

type commandBulkAdd struct {
	libraryID         string
	rootPath          string
	prefix            string
	overwriteExisting bool
	autoAdd           bool
	triggerScan       bool
}

func (c *commandBulkAdd) setup(app *App, parent *kingpin.Application) {
	cmd := parent.Command("bulk-add", "Enqueue a bulk ingest of a library root").Action(app.connectedActionWithBroker(c.run))
	cmd.Arg("library-id", "Library id").Required().StringVar(&c.libraryID)
	cmd.Arg("root-path", "Root path to enumerate").Required().StringVar(&c.rootPath)
	cmd.Flag("prefix", "Name prefix applied to every discovered collection").StringVar(&c.prefix)
	cmd.Flag("overwrite-existing", "Discard and re-discover already-known images").BoolVar(&c.overwriteExisting)
	cmd.Flag("auto-add", "Only process images not already recorded").Default("true").BoolVar(&c.autoAdd)
	cmd.Flag("trigger-scan", "Emit a collection-scan for every discovered entry").Default("true").BoolVar(&c.triggerScan)
}

func (c *commandBulkAdd) run(ctx context.Context, st *store.Store, br broker.Broker) error {
	libID, err := bson.ObjectIDFromHex(c.libraryID)
	if err != nil {
		return errors.Wrap(err, "parse library id")
	}

	job, err := st.CreateJob(ctx, model.JobTypeBulkAdd, map[string]string{"libraryId": c.libraryID}, []model.StageName{model.StageScan})
	if err != nil {
		return errors.Wrap(err, "create bulk-add job")
	}

	if err := st.StartJob(ctx, job.ID); err != nil {
		return errors.Wrap(err, "start bulk-add job")
	}

	body, err := json.Marshal(ingest.Message{
		RootPath:          c.rootPath,
		LibraryID:         libID,
		Prefix:            c.prefix,
		OverwriteExisting: c.overwriteExisting,
		AutoAdd:           c.autoAdd,
		TriggerScan:       c.triggerScan,
		JobID:             job.ID,
	})
	if err != nil {
		return errors.Wrap(err, "marshal bulk-add message")
	}

	if err := br.Publish(ctx, broker.KindBulkAdd, body); err != nil {
		return errors.Wrap(err, "publish bulk-add message")
	}

	log.Infow("enqueued bulk add", "jobId", job.ID.Hex(), "rootPath", c.rootPath)

	return nil
}
