package worker

import (
	"context"
	"encoding/json"

	"github.com/imagevault/imagevault/internal/broker"
	"github.com/imagevault/imagevault/internal/errs"
)

// CacheWorker is C6: consumes cache messages, produces a resized cache
// artifact placed via the cache folder registry, and increments the cache
// stage of the parent job.
type CacheWorker struct {
	inner *stageWorker
}

// NewCacheWorker constructs a C6 worker. folders resolves placement via
// C1's pick/accountWrite contract. loaderFor resolves the directory-vs-archive
// loader per message (callers pass internal/scanner's LoaderFor).
func NewCacheWorker(store jobStore, loaderFor LoaderResolver, folders folderPicker) *CacheWorker {
	return &CacheWorker{inner: &stageWorker{store: store, loader: loaderFor, folders: folders, stage: cacheStage}}
}

// Handle implements broker.Handler.
func (w *CacheWorker) Handle(ctx context.Context, d broker.Delivery) error {
	var msg Message
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		return errs.Wrap(errs.KindFatal, err, "decode cache message")
	}

	return w.inner.Handle(ctx, d, msg)
}
