package cli

import (
	"context"

	"github.com/alecthomas/kingpin/v2"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/imagevault/imagevault/internal/model"
	"github.com/imagevault/imagevault/internal/store"
)

type commandLibrary struct {
	addName     string
	addRoot     string
	addAutoScan bool
	addCron     string
}

func (c *commandLibrary) setup(app *App, parent *kingpin.Application) {
	cmd := parent.Command("library", "Manage libraries")

	add := cmd.Command("add", "Register a new library").Action(app.connectedAction(c.runAdd))
	add.Arg("name", "Library name").Required().StringVar(&c.addName)
	add.Arg("root-path", "Root path on disk").Required().StringVar(&c.addRoot)
	add.Flag("auto-scan", "Create a bound scheduled job").BoolVar(&c.addAutoScan)
	add.Flag("cron", "Cron expression for auto-scan").Default("0 * * * *").StringVar(&c.addCron)

	cmd.Command("list", "List libraries").Action(app.connectedAction(c.runList))
}

func (c *commandLibrary) runAdd(ctx context.Context, st *store.Store) error {
	lib := &model.Library{
		ID:       bson.NewObjectID(),
		Name:     c.addName,
		RootPath: c.addRoot,
		AutoScan: c.addAutoScan,
		Cron:     c.addCron,
	}

	if err := st.CreateLibrary(ctx, lib); err != nil {
		return errors.Wrap(err, "create library")
	}

	if c.addAutoScan {
		sj := &model.ScheduledJob{
			ID:             bson.NewObjectID(),
			LibraryID:      lib.ID,
			CronExpression: c.addCron,
			Enabled:        true,
		}

		if err := st.CreateScheduledJob(ctx, sj); err != nil {
			return errors.Wrap(err, "create scheduled job")
		}
	}

	return nil
}

func (c *commandLibrary) runList(ctx context.Context, st *store.Store) error {
	libs, err := st.ListLibraries(ctx)
	if err != nil {
		return errors.Wrap(err, "list libraries")
	}

	for _, l := range libs {
		log.Infow("library", "id", l.ID.Hex(), "name", l.Name, "rootPath", l.RootPath, "autoScan", l.AutoScan)
	}

	return nil
}
