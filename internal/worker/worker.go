// Package worker implements C5 (thumbnail) and C6 (cache) as two
// instances of one generic stage worker, grounded on the teacher's
// disk_block_cache.go shape: a small struct wrapping a backing store with
// a get-or-populate method, generalized here from "read through a local
// cache directory" to "check idempotence on the collection document, call
// the image processor, persist via atomic rename, then register."
package worker

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"regexp"

	atomicfile "github.com/natefinch/atomic"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/imagevault/imagevault/internal/broker"
	"github.com/imagevault/imagevault/internal/errs"
	"github.com/imagevault/imagevault/internal/imaging"
	"github.com/imagevault/imagevault/internal/logging"
	"github.com/imagevault/imagevault/internal/model"
)

var log = logging.Module("imagevault/worker")

// SourceLoader opens either a filesystem path or an archive entry and
// returns the raw source bytes, abstracting away C7's directory-vs-archive
// distinction from C5/C6, which only ever need the bytes.
type SourceLoader interface {
	Load(ctx context.Context, sourcePath string) ([]byte, error)
}

// LoaderResolver picks the right SourceLoader for a collection, since a
// single worker process handles both directory and archive collections
// interleaved on the same queue (internal/scanner's LoaderFor implements
// this by switching on model.Collection.Type).
type LoaderResolver func(coll *model.Collection) SourceLoader

// jobStore is the subset of *store.Store this package needs.
type jobStore interface {
	GetJob(ctx context.Context, jobID bson.ObjectID) (*model.BackgroundJob, error)
	GetCollection(ctx context.Context, id bson.ObjectID) (*model.Collection, error)
	UpsertThumbnail(ctx context.Context, collectionID bson.ObjectID, ref model.ImageRef) (bool, error)
	UpsertCacheImage(ctx context.Context, collectionID bson.ObjectID, ref model.ImageRef) (bool, error)
	IncrementStage(ctx context.Context, jobID bson.ObjectID, stage model.StageName, deltaCompleted, deltaFailed int64) error
}

// folderPicker is the subset of *cachefolder.Registry this package needs.
type folderPicker interface {
	Pick(ctx context.Context, collectionID bson.ObjectID, requiredBytes int64) (*model.CacheFolder, error)
	GetCacheFolder(ctx context.Context, id bson.ObjectID) (*model.CacheFolder, error)
	AccountWrite(ctx context.Context, folderID bson.ObjectID, bytes int64) error
}

// Message is the shared wire shape of both thumbnail and cache messages
// (spec §4.5/§4.6): identical fields, dispatched to different stages and
// array fields.
type Message struct {
	ImageID        string
	CollectionID   bson.ObjectID
	SourcePath     string
	OutputFolderID bson.ObjectID
	Settings       model.JobSettings
	ScanJobID      bson.ObjectID
}

// stage identifies which of the two symmetric pipelines a worker runs.
// resolveFolder differs between the two per spec §4.5/§4.6: a thumbnail
// message already carries a C7-assigned outputFolderId (spec §4.5's
// message schema), while the cache worker picks its own folder at write
// time against the artifact's actual encoded size (spec §4.6 "Additional
// concerns").
type stage struct {
	name          model.StageName
	arrayField    string // "thumbnails" or "cacheImages", for logging only
	upsert        func(ctx context.Context, store jobStore, collectionID bson.ObjectID, ref model.ImageRef) (bool, error)
	resolveFolder func(ctx context.Context, folders folderPicker, msg Message, artifactSize int64) (*model.CacheFolder, error)
}

var thumbnailStage = stage{
	name:       model.StageThumbnail,
	arrayField: "thumbnails",
	upsert: func(ctx context.Context, s jobStore, collectionID bson.ObjectID, ref model.ImageRef) (bool, error) {
		return s.UpsertThumbnail(ctx, collectionID, ref)
	},
	resolveFolder: func(ctx context.Context, folders folderPicker, msg Message, _ int64) (*model.CacheFolder, error) {
		if msg.OutputFolderID.IsZero() {
			return nil, errs.New(errs.KindFatal, "thumbnail message missing outputFolderId")
		}

		return folders.GetCacheFolder(ctx, msg.OutputFolderID)
	},
}

var cacheStage = stage{
	name:       model.StageCache,
	arrayField: "cacheImages",
	upsert: func(ctx context.Context, s jobStore, collectionID bson.ObjectID, ref model.ImageRef) (bool, error) {
		return s.UpsertCacheImage(ctx, collectionID, ref)
	},
	resolveFolder: func(ctx context.Context, folders folderPicker, msg Message, artifactSize int64) (*model.CacheFolder, error) {
		return folders.Pick(ctx, msg.CollectionID, artifactSize)
	},
}

// stageWorker implements the shared step sequence of spec §4.5/§4.6.
type stageWorker struct {
	store   jobStore
	loader  LoaderResolver
	folders folderPicker
	stage   stage
}

var sanitizeFilename = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

// outputFilename derives a short, portable output filename from only the
// image id - never the archive/source relative path, per spec §4.5 step 4
// ("Filenames must not embed archive container paths").
func outputFilename(imageID, format string) string {
	return sanitizeFilename.ReplaceAllString(imageID, "_") + "." + format
}

// Handle implements broker.Handler for this stage.
func (w *stageWorker) Handle(ctx context.Context, _ broker.Delivery, msg Message) error {
	// Step 1: parent-job gate.
	if !msg.ScanJobID.IsZero() {
		job, err := w.store.GetJob(ctx, msg.ScanJobID)
		if err != nil {
			log.Warnw("parent job missing, dropping message", "jobId", msg.ScanJobID, "imageId", msg.ImageID)
			return nil
		}

		switch job.Status {
		case model.JobStatusCancelled, model.JobStatusFailed, model.JobStatusCompleted:
			return nil
		}
	}

	// Step 2: idempotence check against the collection document.
	coll, err := w.store.GetCollection(ctx, msg.CollectionID)
	if err != nil {
		return errs.Wrap(errs.KindFatal, err, "load collection")
	}

	if existing, ok := findExisting(coll, w.stage.name, msg.ImageID); ok {
		if fileExists(existing.OutputPath) {
			return w.finish(ctx, msg)
		}
	}

	// Step 3: decode + process via C2. The loader is resolved per-collection
	// since directory and archive collections are interleaved on one queue.
	src, err := w.loader(coll).Load(ctx, msg.SourcePath)
	if err != nil {
		return w.fail(ctx, msg, errs.Wrap(errs.KindTransientIO, err, "load source"))
	}

	artifact, err := imaging.Process(src, msg.Settings)
	if err != nil {
		return w.fail(ctx, msg, err)
	}

	// Resolve the real output folder (and its on-disk Path) via C1.
	folder, err := w.stage.resolveFolder(ctx, w.folders, msg, int64(len(artifact.Bytes)))
	if err != nil {
		return w.fail(ctx, msg, err)
	}

	// Step 4: persist via write-to-temp-then-rename.
	outputPath := filepath.Join(outputDirFor(folder, msg.CollectionID), outputFilename(msg.ImageID, artifact.Format))

	if err := atomicfile.WriteFile(outputPath, bytes.NewReader(artifact.Bytes)); err != nil {
		return w.fail(ctx, msg, errs.Wrap(errs.KindTransientIO, err, "write artifact"))
	}

	if err := w.folders.AccountWrite(ctx, folder.ID, int64(len(artifact.Bytes))); err != nil {
		log.Warnw("account write failed", "folderId", folder.ID, "error", err)
	}

	// Step 5: register.
	ref := model.ImageRef{
		ImageID:        msg.ImageID,
		RelativePath:   msg.SourcePath,
		SizeBytes:      int64(len(artifact.Bytes)),
		Width:          artifact.Width,
		Height:         artifact.Height,
		Format:         artifact.Format,
		OutputPath:     outputPath,
		OutputFolderID: folder.ID,
	}

	if _, err := w.stage.upsert(ctx, w.store, msg.CollectionID, ref); err != nil {
		return errs.Wrap(errs.KindFatal, err, "upsert image ref")
	}

	// Steps 6-7: progress, then ack (ack is the caller's/broker's
	// responsibility - returning nil here signals success).
	return w.finish(ctx, msg)
}

func (w *stageWorker) finish(ctx context.Context, msg Message) error {
	if msg.ScanJobID.IsZero() {
		return nil
	}

	if err := w.store.IncrementStage(ctx, msg.ScanJobID, w.stage.name, 1, 0); err != nil {
		log.Errorw("increment stage failed", "jobId", msg.ScanJobID, "stage", w.stage.name, "error", err)
	}

	return nil
}

func (w *stageWorker) fail(ctx context.Context, msg Message, cause error) error {
	if errs.IsRetryable(cause) {
		return cause
	}

	if !msg.ScanJobID.IsZero() {
		if err := w.store.IncrementStage(ctx, msg.ScanJobID, w.stage.name, 0, 1); err != nil {
			log.Errorw("increment stage (failure) failed", "jobId", msg.ScanJobID, "stage", w.stage.name, "error", err)
		}
	}

	log.Warnw("item failed permanently", "imageId", msg.ImageID, "stage", w.stage.name, "cause", cause)

	return nil
}

func findExisting(coll *model.Collection, stageName model.StageName, imageID string) (model.ImageRef, bool) {
	var arr []model.ImageRef

	switch stageName {
	case model.StageThumbnail:
		arr = coll.Thumbnails
	case model.StageCache:
		arr = coll.CacheImages
	}

	for _, ref := range arr {
		if ref.ImageID == imageID {
			return ref, true
		}
	}

	return model.ImageRef{}, false
}

// outputDirFor joins onto the cache folder's real configured disk path
// (model.CacheFolder.Path) rather than a fabricated relative directory, so
// C1's weighted distribution across disks actually takes effect. The
// collection-id subdirectory keeps two collections sharing one folder from
// colliding on imageId-derived filenames.
func outputDirFor(folder *model.CacheFolder, collectionID bson.ObjectID) string {
	return filepath.Join(folder.Path, collectionID.Hex())
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}

	info, err := os.Stat(path)

	return err == nil && info.Size() > 0
}
