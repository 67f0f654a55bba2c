package scanner

import (
	"context"
	"encoding/json"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/imagevault/imagevault/internal/broker"
	"github.com/imagevault/imagevault/internal/errs"
	"github.com/imagevault/imagevault/internal/logging"
	"github.com/imagevault/imagevault/internal/model"
	"github.com/imagevault/imagevault/internal/worker"
)

var log = logging.Module("imagevault/scanner")

// jobStore is the subset of *store.Store this package needs.
type jobStore interface {
	GetCollection(ctx context.Context, id bson.ObjectID) (*model.Collection, error)
	ResetCollectionArrays(ctx context.Context, id bson.ObjectID) error
	UpsertImage(ctx context.Context, collectionID bson.ObjectID, ref model.ImageRef) (bool, error)
	IncrementStage(ctx context.Context, jobID bson.ObjectID, stage model.StageName, deltaCompleted, deltaFailed int64) error
	StartStage(ctx context.Context, jobID bson.ObjectID, stage model.StageName, totalItems int64) error
	CompleteStage(ctx context.Context, jobID bson.ObjectID, stage model.StageName, message string) error
	FailStage(ctx context.Context, jobID bson.ObjectID, stage model.StageName, errMsg string) error
}

// Message is the wire shape of a collection-scan message (spec §4.7).
type Message struct {
	CollectionID bson.ObjectID
	ScanJobID    bson.ObjectID
	Options      ScanOptions
}

// ScanOptions controls how aggressively a rescan touches existing state.
type ScanOptions struct {
	ResumeIncomplete  bool
	OverwriteExisting bool
}

// Publisher is the subset of broker.Broker the scanner needs to emit
// per-image thumbnail/cache work.
type Publisher interface {
	Publish(ctx context.Context, k broker.Kind, body []byte) error
}

// folderPicker is the subset of *cachefolder.Registry this package needs
// to resolve an output folder for emitted thumbnail messages (spec §4.1's
// "sticky cache folder" applies to any artifact for a collection, not
// only cache images).
type folderPicker interface {
	Pick(ctx context.Context, collectionID bson.ObjectID, requiredBytes int64) (*model.CacheFolder, error)
}

// Worker is C7: consumes collection-scan messages, enumerates entries,
// registers them in the collection document, and emits thumbnail/cache
// messages for new entries.
type Worker struct {
	store         jobStore
	publisher     Publisher
	folders       folderPicker
	thumbSettings model.JobSettings
	cacheSettings model.JobSettings
}

// NewWorker constructs a C7 scan worker. thumbSettings/cacheSettings supply
// the distinct thumbnail and cache job settings (spec §6's
// thumbnail.default.* vs cache.default.* config groups - they produce
// differently sized artifacts from the same source image) attached to
// every emitted message of each kind.
func NewWorker(store jobStore, publisher Publisher, folders folderPicker, thumbSettings, cacheSettings model.JobSettings) *Worker {
	return &Worker{store: store, publisher: publisher, folders: folders, thumbSettings: thumbSettings, cacheSettings: cacheSettings}
}

// Handle implements broker.Handler.
func (w *Worker) Handle(ctx context.Context, d broker.Delivery) error {
	var msg Message
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		return errs.Wrap(errs.KindFatal, err, "decode scan message")
	}

	return w.handle(ctx, msg)
}

func (w *Worker) handle(ctx context.Context, msg Message) error {
	coll, err := w.store.GetCollection(ctx, msg.CollectionID)
	if err != nil {
		return errs.Wrap(errs.KindMissingParent, err, "load collection")
	}

	// Step 1: honor overwriteExisting.
	if msg.Options.OverwriteExisting {
		if err := w.store.ResetCollectionArrays(ctx, msg.CollectionID); err != nil {
			return errs.Wrap(errs.KindFatal, err, "reset collection arrays")
		}

		coll.Images, coll.Thumbnails, coll.CacheImages = nil, nil, nil
	}

	enumerator := enumeratorFor(coll)

	// Step 2-3: enumerate and compute stable imageIds.
	entries, err := enumerator.Enumerate(ctx, coll.Path, coll.ID)
	if err != nil {
		if failErr := w.store.FailStage(ctx, msg.ScanJobID, model.StageScan, err.Error()); failErr != nil {
			log.Errorw("fail stage failed", "jobId", msg.ScanJobID, "error", failErr)
		}

		return nil
	}

	if err := w.store.StartStage(ctx, msg.ScanJobID, model.StageScan, int64(len(entries))); err != nil {
		log.Errorw("start stage failed", "jobId", msg.ScanJobID, "error", err)
	}

	existingThumb := indexByID(coll.Thumbnails)
	existingCache := indexByID(coll.CacheImages)

	// Thumbnails are written under a C1-picked folder just like cache
	// images (spec §4.1's stickiness applies to "any artifact" for a
	// collection); picked once per collection, not per entry, so every
	// thumbnail in the run lands in the same folder.
	var thumbFolderID bson.ObjectID

	thumbFolder, err := w.folders.Pick(ctx, coll.ID, 0)
	if err != nil {
		log.Warnw("pick thumbnail output folder failed", "collectionId", coll.ID, "error", err)
	} else {
		thumbFolderID = thumbFolder.ID
	}

	var scanFailed int64

	for _, e := range entries {
		ref := model.ImageRef{ImageID: e.ImageID, RelativePath: e.RelativePath, SizeBytes: e.SizeBytes}

		// Step 4: append/upsert atomically by id.
		if _, err := w.store.UpsertImage(ctx, coll.ID, ref); err != nil {
			scanFailed++
			continue
		}

		if err := w.store.IncrementStage(ctx, msg.ScanJobID, model.StageScan, 1, 0); err != nil {
			log.Errorw("increment scan stage failed", "jobId", msg.ScanJobID, "error", err)
		}

		// Step 5: emit thumbnail/cache messages, honoring resumeIncomplete.
		needThumb, needCache := true, true

		if msg.Options.ResumeIncomplete {
			_, thumbDone := existingThumb[e.ImageID]
			_, cacheDone := existingCache[e.ImageID]
			needThumb, needCache = !thumbDone, !cacheDone
		}

		if needThumb {
			w.publishWorkerMessage(ctx, broker.KindThumbnail, e, coll, msg.ScanJobID, thumbFolderID, w.thumbSettings)
		}

		if needCache {
			// The cache worker resolves its own output folder at write
			// time against the actual encoded size (spec §4.6), so no
			// folder is pre-assigned here.
			w.publishWorkerMessage(ctx, broker.KindCache, e, coll, msg.ScanJobID, bson.ObjectID{}, w.cacheSettings)
		}
	}

	if scanFailed > 0 {
		if err := w.store.IncrementStage(ctx, msg.ScanJobID, model.StageScan, 0, scanFailed); err != nil {
			log.Errorw("increment scan stage (failures) failed", "jobId", msg.ScanJobID, "error", err)
		}
	}

	// Step 6: scan stage completes independently of thumbnail/cache.
	if err := w.store.CompleteStage(ctx, msg.ScanJobID, model.StageScan, ""); err != nil {
		log.Errorw("complete scan stage failed", "jobId", msg.ScanJobID, "error", err)
	}

	return nil
}

func (w *Worker) publishWorkerMessage(ctx context.Context, kind broker.Kind, e Entry, coll *model.Collection, scanJobID, outputFolderID bson.ObjectID, settings model.JobSettings) {
	body, err := json.Marshal(worker.Message{
		ImageID:        e.ImageID,
		CollectionID:   coll.ID,
		SourcePath:     e.RelativePath,
		OutputFolderID: outputFolderID,
		Settings:       settings,
		ScanJobID:      scanJobID,
	})
	if err != nil {
		log.Errorw("marshal worker message failed", "error", err)
		return
	}

	if err := w.publisher.Publish(ctx, kind, body); err != nil {
		log.Errorw("publish worker message failed", "kind", kind, "error", err)
	}
}

// LoaderFor resolves the worker.SourceLoader a thumbnail/cache worker
// should use for a given collection, mirroring the enumerator choice made
// here so C5/C6 read entries the same way C7 discovered them.
func LoaderFor(coll *model.Collection) worker.SourceLoader {
	if coll.Type == model.CollectionTypeArchive {
		return ArchiveLoader{ArchivePath: coll.Path}
	}

	return DirectoryLoader{Root: coll.Path}
}

func enumeratorFor(coll *model.Collection) Enumerator {
	if coll.Type == model.CollectionTypeArchive {
		return ArchiveEnumerator{}
	}

	return DirectoryEnumerator{}
}

func indexByID(refs []model.ImageRef) map[string]struct{} {
	m := make(map[string]struct{}, len(refs))

	for _, r := range refs {
		if r.OutputPath != "" {
			m[r.ImageID] = struct{}{}
		}
	}

	return m
}
