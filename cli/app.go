// Package cli implements the imagevaultctl operator commands.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/alecthomas/kingpin/v2"
	"github.com/fatih/color"
	"github.com/mattn/go-colorable"
	"github.com/pkg/errors"

	"github.com/imagevault/imagevault/internal/broker"
	"github.com/imagevault/imagevault/internal/config"
	"github.com/imagevault/imagevault/internal/logging"
	"github.com/imagevault/imagevault/internal/store"
)

var log = logging.Module("imagevault/cli")

//nolint:gochecknoglobals
var (
	errorColor = color.New(color.FgHiRed)
	noteColor  = color.New(color.FgHiCyan)
)

// App holds per-invocation flags and the lazily connected store/broker
// handles shared by every subcommand, mirroring the teacher's own App
// struct (cli_app.go) that threads a single set of service handles through
// every command's Action closure instead of each command dialing its own
// connections.
type App struct {
	configPath string

	stdoutWriter io.Writer
	stderrWriter io.Writer
	rootctx      context.Context //nolint:containedctx

	cfg *config.Config
	st  *store.Store
	br  broker.Broker

	library     commandLibrary
	cacheFolder commandCacheFolder
	scheduler   commandScheduler
	bulkAdd     commandBulkAdd
}

// NewApp constructs an App with the default I/O writers.
func NewApp() *App {
	return &App{
		stdoutWriter: colorable.NewColorableStdout(),
		stderrWriter: colorable.NewColorableStderr(),
		rootctx:      context.Background(),
	}
}

// Attach wires every subcommand onto the kingpin application.
func (a *App) Attach(app *kingpin.Application) {
	app.Flag("config-file", "Path to the imagevaultctl configuration file").
		Default(config.DefaultPath()).Envar("IMAGEVAULT_CONFIG_PATH").StringVar(&a.configPath)

	a.library.setup(a, app)
	a.cacheFolder.setup(a, app)
	a.scheduler.setup(a, app)
	a.bulkAdd.setup(a, app)
}

// connectedAction wraps act so every subcommand gets a connected *store.Store
// without repeating the dial/close boilerplate, the same shape as the
// teacher's maybeRepositoryAction. Subcommands that also need a
// broker.Broker use connectedActionWithBroker.
func (a *App) connectedAction(act func(ctx context.Context, st *store.Store) error) func(*kingpin.ParseContext) error {
	return func(*kingpin.ParseContext) error {
		ctx := a.rootctx

		cfg, err := config.Load(a.configPath)
		if err != nil {
			return a.fail(errors.Wrap(err, "load config"))
		}

		a.cfg = cfg

		st, err := store.Connect(ctx, store.Config{URI: cfg.Store.URI, Database: cfg.Store.Database})
		if err != nil {
			return a.fail(errors.Wrap(err, "connect to store"))
		}
		defer st.Close(ctx) //nolint:errcheck

		a.st = st

		if err := act(ctx, st); err != nil {
			return a.fail(err)
		}

		return nil
	}
}

// connectedActionWithBroker is connectedAction plus a dialed broker.Broker,
// for commands (bulk-add) that publish a message rather than only mutating
// the store directly.
func (a *App) connectedActionWithBroker(act func(ctx context.Context, st *store.Store, br broker.Broker) error) func(*kingpin.ParseContext) error {
	return func(*kingpin.ParseContext) error {
		ctx := a.rootctx

		cfg, err := config.Load(a.configPath)
		if err != nil {
			return a.fail(errors.Wrap(err, "load config"))
		}

		a.cfg = cfg

		st, err := store.Connect(ctx, store.Config{URI: cfg.Store.URI, Database: cfg.Store.Database})
		if err != nil {
			return a.fail(errors.Wrap(err, "connect to store"))
		}
		defer st.Close(ctx) //nolint:errcheck

		br, err := broker.DialAMQP(cfg.Broker.URL)
		if err != nil {
			return a.fail(errors.Wrap(err, "connect to broker"))
		}
		defer br.Close() //nolint:errcheck

		a.st, a.br = st, br

		if err := act(ctx, st, br); err != nil {
			return a.fail(err)
		}

		return nil
	}
}

func (a *App) fail(err error) error {
	_, _ = errorColor.Fprintf(a.stderrWriter, "error: %v\n", err)
	os.Exit(1)

	return nil
}

func (a *App) printf(format string, args ...interface{}) {
	fmt.Fprintf(a.stdoutWriter, format, args...)
}

func init() { //nolint:gochecknoinits
	kingpin.EnableFileExpansion = false
}
