package scanner

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/imagevault/imagevault/internal/errs"
)

// DirectoryEnumerator walks a directory tree with filepath.WalkDir,
// matching the teacher's own stdlib-filepath-based approach to local
// filesystem traversal (cli/command_restore.go).
type DirectoryEnumerator struct{}

// Enumerate recursively walks root, returning every image-like file found,
// with paths relative to root.
func (DirectoryEnumerator) Enumerate(ctx context.Context, root string, collectionID bson.ObjectID) ([]Entry, error) {
	var entries []Entry

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err != nil {
			// Per-file errors during enumeration skip that entry and are not
			// fatal to the walk; they are not counted in the scan stage's
			// failedItems.
			return nil //nolint:nilerr
		}

		if d.IsDir() || !isImageLike(d.Name()) {
			return nil
		}

		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			rel = path
		}

		info, statErr := d.Info()
		if statErr != nil {
			return nil
		}

		entries = append(entries, Entry{
			ImageID:      ImageID(collectionID, rel),
			RelativePath: rel,
			SizeBytes:    info.Size(),
		})

		return nil
	})
	if err != nil {
		return nil, errs.Wrap(errs.KindTransientIO, err, "walk directory")
	}

	return entries, nil
}

// DirectoryLoader reads sourcePath relative to a directory collection's root.
type DirectoryLoader struct {
	Root string
}

// Load implements worker.SourceLoader for directory-rooted collections.
func (l DirectoryLoader) Load(ctx context.Context, sourcePath string) ([]byte, error) {
	b, err := os.ReadFile(filepath.Join(l.Root, sourcePath))
	if err != nil {
		return nil, errors.Wrap(err, "read source file")
	}

	return b, nil
}
