// Package walkone implements the single one-level directory walk shared by
// C8 (Bulk Ingester) and C11 (Orchestrator): spec §4.10 step 2 says the
// orchestrator "walks the library root one level deep, as C8 does" - both
// components call this helper rather than duplicating the classification
// logic.
package walkone

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/imagevault/imagevault/internal/model"
)

// Candidate is one top-level entry found under a root: either an archive
// file or a subdirectory, each a candidate collection.
type Candidate struct {
	Name string
	Path string
	Type model.CollectionType
}

// archiveExtensions mirrors internal/scanner's set; duplicated rather than
// imported to avoid a dependency cycle (scanner depends on nothing here,
// and this package is lower-level than scanner).
var archiveExtensions = map[string]bool{
	".zip": true, ".cbz": true, ".rar": true, ".cbr": true,
}

// Walk lists rootPath's direct children, classifying archive-extension
// files as CollectionTypeArchive and subdirectories as
// CollectionTypeDirectory. Other files are skipped.
func Walk(rootPath string) ([]Candidate, error) {
	entries, err := os.ReadDir(rootPath)
	if err != nil {
		return nil, errors.Wrap(err, "read library root")
	}

	var candidates []Candidate

	for _, e := range entries {
		path := filepath.Join(rootPath, e.Name())

		if e.IsDir() {
			candidates = append(candidates, Candidate{Name: e.Name(), Path: path, Type: model.CollectionTypeDirectory})
			continue
		}

		if archiveExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			name := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
			candidates = append(candidates, Candidate{Name: name, Path: path, Type: model.CollectionTypeArchive})
		}
	}

	return candidates, nil
}
