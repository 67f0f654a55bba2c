package worker

import (
	"context"
	"encoding/json"

	"github.com/imagevault/imagevault/internal/broker"
	"github.com/imagevault/imagevault/internal/errs"
)

// ThumbnailWorker is C5: consumes thumbnail messages, produces a thumbnail
// artifact, and increments the thumbnail stage of the parent job.
type ThumbnailWorker struct {
	inner *stageWorker
}

// NewThumbnailWorker constructs a C5 worker. store is narrowed to the
// interface this package needs, so callers pass *store.Store directly.
// loaderFor resolves the directory-vs-archive loader per message (callers
// pass internal/scanner's LoaderFor). folders resolves the C7-assigned
// outputFolderId to its real on-disk CacheFolder.
func NewThumbnailWorker(store jobStore, loaderFor LoaderResolver, folders folderPicker) *ThumbnailWorker {
	return &ThumbnailWorker{inner: &stageWorker{store: store, loader: loaderFor, folders: folders, stage: thumbnailStage}}
}

// Handle implements broker.Handler, decoding the message body before
// delegating to the shared stage pipeline.
func (w *ThumbnailWorker) Handle(ctx context.Context, d broker.Delivery) error {
	var msg Message
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		return errs.Wrap(errs.KindFatal, err, "decode thumbnail message")
	}

	return w.inner.Handle(ctx, d, msg)
}
