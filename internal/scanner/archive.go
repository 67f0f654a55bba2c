package scanner

import (
	"archive/zip"
	"context"
	"io"
	"path/filepath"
	"strings"

	"github.com/nwaples/rardecode/v2"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/imagevault/imagevault/internal/errs"
)

// ArchiveEnumerator opens a ZIP/CBZ or RAR/CBR archive and enumerates its
// image-like entries without extracting them, per spec §4.7 step 2.
type ArchiveEnumerator struct{}

// Enumerate lists image-like entries inside the archive at root.
func (ArchiveEnumerator) Enumerate(ctx context.Context, root string, collectionID bson.ObjectID) ([]Entry, error) {
	switch strings.ToLower(filepath.Ext(root)) {
	case ".zip", ".cbz":
		return enumerateZip(root, collectionID)
	case ".rar", ".cbr":
		return enumerateRar(root, collectionID)
	default:
		return nil, errs.New(errs.KindUnsupportedFormat, "unsupported archive extension: "+root)
	}
}

func enumerateZip(path string, collectionID bson.ObjectID) ([]Entry, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, errs.Wrap(errs.KindDecode, err, "open zip")
	}
	defer r.Close()

	var entries []Entry

	for _, f := range r.File {
		if f.FileInfo().IsDir() || !isImageLike(f.Name) {
			continue
		}

		entries = append(entries, Entry{
			ImageID:      ImageID(collectionID, f.Name),
			RelativePath: f.Name,
			SizeBytes:    int64(f.UncompressedSize64), //nolint:gosec
		})
	}

	return entries, nil
}

func enumerateRar(path string, collectionID bson.ObjectID) ([]Entry, error) {
	r, err := rardecode.OpenReader(path, "")
	if err != nil {
		return nil, errs.Wrap(errs.KindDecode, err, "open rar")
	}
	defer r.Close()

	var entries []Entry

	for {
		hdr, err := r.Next()
		if err == io.EOF {
			break
		}

		if err != nil {
			return nil, errs.Wrap(errs.KindDecode, err, "read rar entry")
		}

		if hdr.IsDir || !isImageLike(hdr.Name) {
			continue
		}

		entries = append(entries, Entry{
			ImageID:      ImageID(collectionID, hdr.Name),
			RelativePath: hdr.Name,
			SizeBytes:    hdr.UnPackedSize,
		})
	}

	return entries, nil
}

// ArchiveLoader reads a single entry's bytes out of an archive by relative
// path, re-opening the archive per read - archives are not kept open
// across the lifetime of a worker process since C5/C6 are independent,
// horizontally-scaled consumers (spec §5's "workers are independent
// processes").
type ArchiveLoader struct {
	ArchivePath string
}

// Load implements worker.SourceLoader for archive-rooted collections.
func (l ArchiveLoader) Load(ctx context.Context, sourcePath string) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(l.ArchivePath)) {
	case ".zip", ".cbz":
		return loadFromZip(l.ArchivePath, sourcePath)
	case ".rar", ".cbr":
		return loadFromRar(l.ArchivePath, sourcePath)
	default:
		return nil, errs.New(errs.KindUnsupportedFormat, "unsupported archive extension: "+l.ArchivePath)
	}
}

func loadFromZip(archivePath, entryName string) ([]byte, error) {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, errs.Wrap(errs.KindDecode, err, "open zip")
	}
	defer r.Close()

	for _, f := range r.File {
		if f.Name != entryName {
			continue
		}

		rc, err := f.Open()
		if err != nil {
			return nil, errs.Wrap(errs.KindDecode, err, "open zip entry")
		}
		defer rc.Close()

		return io.ReadAll(rc)
	}

	return nil, errs.New(errs.KindDecode, "entry not found in zip: "+entryName)
}

func loadFromRar(archivePath, entryName string) ([]byte, error) {
	r, err := rardecode.OpenReader(archivePath, "")
	if err != nil {
		return nil, errs.Wrap(errs.KindDecode, err, "open rar")
	}
	defer r.Close()

	for {
		hdr, err := r.Next()
		if err == io.EOF {
			break
		}

		if err != nil {
			return nil, errs.Wrap(errs.KindDecode, err, "read rar entry")
		}

		if hdr.Name != entryName {
			continue
		}

		return io.ReadAll(r)
	}

	return nil, errs.New(errs.KindDecode, "entry not found in rar: "+entryName)
}
