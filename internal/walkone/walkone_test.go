package walkone

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/imagevault/imagevault/internal/model"
)

func TestWalkClassifiesArchivesAndDirectories(t *testing.T) {
	root := t.TempDir()

	require.NoError(t, os.Mkdir(filepath.Join(root, "Vacation Photos"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "Comic Run.cbz"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("x"), 0o644))

	candidates, err := Walk(root)
	require.NoError(t, err)
	require.Len(t, candidates, 2)

	byName := map[string]Candidate{}
	for _, c := range candidates {
		byName[c.Name] = c
	}

	require.Equal(t, model.CollectionTypeDirectory, byName["Vacation Photos"].Type)
	require.Equal(t, model.CollectionTypeArchive, byName["Comic Run"].Type)
}
