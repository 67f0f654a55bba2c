package cli

import (
	"context"

	"github.com/alecthomas/kingpin/v2"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/imagevault/imagevault/internal/libschedule"
	"github.com/imagevault/imagevault/internal/store"
)

type commandScheduler struct {
	recreateID string
	removeID   string
}

func (c *commandScheduler) setup(app *App, parent *kingpin.Application) {
	cmd := parent.Command("scheduler", "Manage scheduled-job bindings")

	recreate := cmd.Command("recreate-binding", "Force-rebind a scheduled job to the runtime").Action(app.connectedAction(c.runRecreate))
	recreate.Arg("id", "Scheduled job id").Required().StringVar(&c.recreateID)

	remove := cmd.Command("remove-orphaned-binding", "Clear a scheduled job's binding").Action(app.connectedAction(c.runRemove))
	remove.Arg("id", "Scheduled job id").Required().StringVar(&c.removeID)

	cmd.Command("list-orphans", "List enabled scheduled jobs with no live binding").Action(app.connectedAction(c.runListOrphans))
}

func (c *commandScheduler) runRecreate(ctx context.Context, st *store.Store) error {
	id, err := bson.ObjectIDFromHex(c.recreateID)
	if err != nil {
		return errors.Wrap(err, "parse scheduled job id")
	}

	return errors.Wrap(libschedule.RecreateBinding(ctx, st, id), "recreate binding")
}

func (c *commandScheduler) runRemove(ctx context.Context, st *store.Store) error {
	id, err := bson.ObjectIDFromHex(c.removeID)
	if err != nil {
		return errors.Wrap(err, "parse scheduled job id")
	}

	return errors.Wrap(libschedule.RemoveOrphanedBinding(ctx, st, id), "remove orphaned binding")
}

func (c *commandScheduler) runListOrphans(ctx context.Context, st *store.Store) error {
	jobs, err := st.ListEnabledScheduledJobs(ctx)
	if err != nil {
		return errors.Wrap(err, "list enabled scheduled jobs")
	}

	for _, sj := range jobs {
		if sj.IsOrphaned() {
			log.Warnw("orphaned scheduled job", "id", sj.ID.Hex(), "libraryId", sj.LibraryID.Hex())
		}
	}

	return nil
}
