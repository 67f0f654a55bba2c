// Package cachefolder implements the C1 Cache Folder Registry: weighted
// selection and capacity accounting for output storage, grounded on the
// teacher's disk_block_cache.go pattern of a small struct wrapping a
// persistence handle with selection/accounting methods, generalized from
// one fixed cache directory to a registry of many competing ones.
package cachefolder

import (
	"context"
	"math/rand"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/imagevault/imagevault/internal/errs"
	"github.com/imagevault/imagevault/internal/logging"
	"github.com/imagevault/imagevault/internal/model"
)

var log = logging.Module("imagevault/cachefolder")

// jobStore is the subset of *store.Store the registry needs, kept narrow
// so this package doesn't import internal/store and create a cycle.
type jobStore interface {
	ListActiveCacheFolders(ctx context.Context) ([]*model.CacheFolder, error)
	GetCacheFolder(ctx context.Context, id bson.ObjectID) (*model.CacheFolder, error)
	BindCollection(ctx context.Context, folderID, collectionID bson.ObjectID) error
	AccountWrite(ctx context.Context, folderID bson.ObjectID, bytes int64) error
	AccountDelete(ctx context.Context, folderID bson.ObjectID, bytes int64) error
}

// Registry implements the pick/accountWrite/accountDelete/bind contract of
// spec §4.1 against a document store.
type Registry struct {
	store jobStore
	rand  *rand.Rand
}

// New constructs a Registry. rngSeed is exposed so tests can make the
// weighted-choice step deterministic; production callers pass a
// time-derived seed.
func New(store jobStore, rngSeed int64) *Registry {
	return &Registry{store: store, rand: rand.New(rand.NewSource(rngSeed))} //nolint:gosec
}

// Pick selects a cache folder for collectionID that has at least
// requiredBytes available, per spec §4.1's four-step selection policy.
// Returns an errs.KindNoCapacity error if no folder qualifies.
func (r *Registry) Pick(ctx context.Context, collectionID bson.ObjectID, requiredBytes int64) (*model.CacheFolder, error) {
	folders, err := r.store.ListActiveCacheFolders(ctx)
	if err != nil {
		return nil, err
	}

	// Step 1: stickiness - a folder already caching this collection wins
	// outright if it still has room, regardless of priority weighting.
	for _, f := range folders {
		if !containsID(f.CachedCollectionIDs, collectionID) {
			continue
		}

		if !f.IsFull() && f.AvailableSpaceBytes() >= requiredBytes {
			return f, nil
		}
	}

	// Step 2: candidates are active, not full, with enough room.
	candidates := make([]*model.CacheFolder, 0, len(folders))

	for _, f := range folders {
		if f.IsActive && !f.IsFull() && f.AvailableSpaceBytes() >= requiredBytes {
			candidates = append(candidates, f)
		}
	}

	if len(candidates) == 0 {
		return nil, errs.New(errs.KindNoCapacity, "no cache folder has sufficient capacity")
	}

	chosen := r.weightedChoice(candidates)

	if err := r.store.BindCollection(ctx, chosen.ID, collectionID); err != nil {
		return nil, err
	}

	return chosen, nil
}

// weightedChoice performs a weighted random draw with weight = priority,
// treating an all-zero-priority candidate set as uniform weight 1 (spec
// §4.1 step 3's "priority 0 is selectable only as last resort... treated
// as weight 1 if all candidates are 0").
func (r *Registry) weightedChoice(candidates []*model.CacheFolder) *model.CacheFolder {
	total := 0

	for _, f := range candidates {
		total += effectiveWeight(f, candidates)
	}

	if total <= 0 {
		return candidates[r.rand.Intn(len(candidates))]
	}

	roll := r.rand.Intn(total)

	for _, f := range candidates {
		w := effectiveWeight(f, candidates)
		if roll < w {
			return f
		}

		roll -= w
	}

	// Unreachable under correct accounting, but return the last candidate
	// rather than nil if floating accounting ever drifts.
	return candidates[len(candidates)-1]
}

// effectiveWeight returns f's weight for the draw: its priority, unless
// every candidate in the set has priority 0, in which case every
// candidate is weighted 1 (uniform).
func effectiveWeight(f *model.CacheFolder, candidates []*model.CacheFolder) int {
	if f.Priority > 0 {
		return f.Priority
	}

	for _, c := range candidates {
		if c.Priority > 0 {
			return 0
		}
	}

	return 1
}

// GetCacheFolder fetches a single cache folder by id, used by callers that
// already hold a pre-assigned folder id (e.g. a thumbnail message's
// outputFolderId) and need its real on-disk Path rather than a fresh pick.
func (r *Registry) GetCacheFolder(ctx context.Context, id bson.ObjectID) (*model.CacheFolder, error) {
	return r.store.GetCacheFolder(ctx, id)
}

// AccountWrite records that bytes were written to folderID's output path.
func (r *Registry) AccountWrite(ctx context.Context, folderID bson.ObjectID, bytes int64) error {
	return r.store.AccountWrite(ctx, folderID, bytes)
}

// AccountDelete records that bytes were removed from folderID's output
// path, clamped at zero by the store layer.
func (r *Registry) AccountDelete(ctx context.Context, folderID bson.ObjectID, bytes int64) error {
	return r.store.AccountDelete(ctx, folderID, bytes)
}

// Bind associates collectionID with folderID directly, bypassing
// selection - used when a caller has already chosen a folder (e.g.
// reprocessing an item that must land back where it was before).
func (r *Registry) Bind(ctx context.Context, folderID, collectionID bson.ObjectID) error {
	return r.store.BindCollection(ctx, folderID, collectionID)
}

func containsID(ids []bson.ObjectID, target bson.ObjectID) bool {
	for _, id := range ids {
		if id == target {
			return true
		}
	}

	return false
}
