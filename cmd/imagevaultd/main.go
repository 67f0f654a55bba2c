// Command imagevaultd is the long-running worker/scheduler daemon: it
// consumes every queue named in spec §4.4, runs the C9 reconciler and the
// C10/C11 library scheduler in the background, and seeds any libraries or
// cache folders declared in its configuration file.
package main

import (
	"context"
	"flag"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/imagevault/imagevault/internal/broker"
	"github.com/imagevault/imagevault/internal/cachefolder"
	"github.com/imagevault/imagevault/internal/config"
	"github.com/imagevault/imagevault/internal/ingest"
	"github.com/imagevault/imagevault/internal/libschedule"
	"github.com/imagevault/imagevault/internal/logging"
	"github.com/imagevault/imagevault/internal/model"
	"github.com/imagevault/imagevault/internal/observability"
	"github.com/imagevault/imagevault/internal/reconciler"
	"github.com/imagevault/imagevault/internal/scanner"
	"github.com/imagevault/imagevault/internal/store"
	"github.com/imagevault/imagevault/internal/worker"
)

var log = logging.Module("imagevault/imagevaultd")

func main() {
	configPath := flag.String("config-file", config.DefaultPath(), "path to the imagevaultd configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		log.Fatalw("imagevaultd exited", "error", err)
	}
}

func run(configPath string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(configPath)
	if err != nil {
		return errors.Wrap(err, "load config")
	}

	cfg.WithDefaults()

	st, err := store.Connect(ctx, store.Config{URI: cfg.Store.URI, Database: cfg.Store.Database})
	if err != nil {
		return errors.Wrap(err, "connect to store")
	}
	defer st.Close(context.Background()) //nolint:errcheck

	br, err := broker.DialAMQP(cfg.Broker.URL)
	if err != nil {
		return errors.Wrap(err, "connect to broker")
	}
	defer br.Close() //nolint:errcheck

	obs, err := observability.Start(observability.Options{
		ListenAddr:  cfg.Observability.MetricsListenAddr,
		EnablePProf: cfg.Observability.EnablePProf,
	})
	if err != nil {
		return errors.Wrap(err, "start observability server")
	}

	if err := seed(ctx, st, cfg); err != nil {
		return errors.Wrap(err, "seed configured libraries/cache folders")
	}

	folders := cachefolder.New(st, time.Now().UnixNano())

	scanWorker := scanner.NewWorker(st, br, folders, cfg.ThumbnailSettings, cfg.CacheSettings)
	thumbWorker := worker.NewThumbnailWorker(st, scanner.LoaderFor, folders)
	cacheWorker := worker.NewCacheWorker(st, scanner.LoaderFor, folders)
	ingestWorker := ingest.NewWorker(st, br)

	recon := reconciler.New(st, 0, 0)
	orch := libschedule.NewOrchestrator(st, br)
	libScanWorker := libschedule.NewLibraryScanWorker(orch)
	sched := libschedule.New(st, libschedule.NewQueueRunner(br))

	var wg sync.WaitGroup

	consume := func(k broker.Kind, handler broker.Handler) {
		wg.Add(1)

		go func() {
			defer wg.Done()

			if err := br.Consume(ctx, k, broker.DefaultPrefetch(k), handler); err != nil {
				log.Errorw("consumer exited", "kind", k, "error", err)
			}
		}()
	}

	consume(broker.KindLibraryScan, libScanWorker.Handle)
	consume(broker.KindBulkAdd, ingestWorker.Handle)
	consume(broker.KindCollectionScan, scanWorker.Handle)
	consume(broker.KindThumbnail, thumbWorker.Handle)
	consume(broker.KindCache, cacheWorker.Handle)

	wg.Add(1)

	go func() {
		defer wg.Done()
		recon.Run(ctx, reconciler.DefaultInterval)
	}()

	wg.Add(1)

	go func() {
		defer wg.Done()
		sched.Start(ctx)
	}()

	wg.Add(1)

	go func() {
		defer wg.Done()
		libschedule.RunOrphanSweep(ctx, st, libschedule.DefaultOrphanSweepInterval)
	}()

	log.Infow("imagevaultd started")

	<-ctx.Done()

	log.Infow("shutting down")

	sched.Stop()

	if obs != nil {
		if err := obs.Stop(context.Background()); err != nil {
			log.Warnw("observability server shutdown failed", "error", err)
		}
	}

	wg.Wait()

	return nil
}

// seed creates the libraries and cache folders declared in the config
// file if they are not already present, so a freshly deployed daemon comes
// up with its intended inventory without a separate imagevaultctl pass.
func seed(ctx context.Context, st *store.Store, cfg *config.Config) error {
	existingLibs, err := st.ListLibraries(ctx)
	if err != nil {
		return errors.Wrap(err, "list libraries")
	}

	knownRoots := make(map[string]bool, len(existingLibs))
	for _, l := range existingLibs {
		knownRoots[l.RootPath] = true
	}

	for _, lc := range cfg.Libraries {
		if knownRoots[lc.RootPath] {
			continue
		}

		lib := &model.Library{
			ID:       bson.NewObjectID(),
			Name:     lc.Name,
			RootPath: lc.RootPath,
			AutoScan: lc.AutoScan,
			Cron:     lc.Cron,
		}

		if err := st.CreateLibrary(ctx, lib); err != nil {
			return errors.Wrapf(err, "create seeded library %q", lc.Name)
		}

		if lc.AutoScan {
			sj := &model.ScheduledJob{
				ID:             bson.NewObjectID(),
				LibraryID:      lib.ID,
				CronExpression: lc.Cron,
				Enabled:        true,
			}

			if err := st.CreateScheduledJob(ctx, sj); err != nil {
				return errors.Wrapf(err, "create scheduled job for seeded library %q", lc.Name)
			}
		}

		log.Infow("seeded library", "name", lc.Name, "rootPath", lc.RootPath)
	}

	existingFolders, err := st.ListActiveCacheFolders(ctx)
	if err != nil {
		return errors.Wrap(err, "list cache folders")
	}

	knownPaths := make(map[string]bool, len(existingFolders))
	for _, f := range existingFolders {
		knownPaths[f.Path] = true
	}

	for _, fc := range cfg.CacheFolders {
		if knownPaths[fc.Path] {
			continue
		}

		f := &model.CacheFolder{
			ID:           bson.NewObjectID(),
			Name:         fc.Name,
			Path:         fc.Path,
			Priority:     fc.Priority,
			MaxSizeBytes: fc.MaxSizeBytes,
			IsActive:     true,
		}

		if err := st.CreateCacheFolder(ctx, f); err != nil {
			return errors.Wrapf(err, "create seeded cache folder %q", fc.Name)
		}

		log.Infow("seeded cache folder", "name", fc.Name, "path", fc.Path)
	}

	return nil
}
