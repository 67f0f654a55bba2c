package scanner

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
)

func TestImageIDDeterministic(t *testing.T) {
	collectionID := bson.NewObjectID()

	a := ImageID(collectionID, "foo/bar.jpg")
	b := ImageID(collectionID, "foo/bar.jpg")

	require.Equal(t, a, b)
	require.NotEqual(t, a, ImageID(collectionID, "foo/baz.jpg"))
}

func TestIsArchiveExtension(t *testing.T) {
	require.True(t, IsArchiveExtension("book.cbz"))
	require.True(t, IsArchiveExtension("archive.RAR"))
	require.False(t, IsArchiveExtension("photo.jpg"))
}

func TestDirectoryEnumeratorFindsImages(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.jpg"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "readme.txt"), []byte("x"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "b.png"), []byte("yy"), 0o644))

	entries, err := DirectoryEnumerator{}.Enumerate(context.Background(), dir, bson.NewObjectID())
	require.NoError(t, err)
	require.Len(t, entries, 2)

	names := map[string]bool{}
	for _, e := range entries {
		names[e.RelativePath] = true
	}

	require.True(t, names["a.jpg"])
	require.True(t, names[filepath.Join("sub", "b.png")])
}

func TestDirectoryLoaderReadsFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.jpg"), []byte("hello"), 0o644))

	loader := DirectoryLoader{Root: dir}
	data, err := loader.Load(context.Background(), "a.jpg")
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), data)
}
