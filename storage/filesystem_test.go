package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFilesystemBackend_PutGetRoundTrip(t *testing.T) {
	root := t.TempDir()
	b, err := NewFilesystemBackend(root)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.Put(ctx, "studies/1.2.3/series/4.5.6/instance.dcm", []byte("payload")))

	got, err := b.Get(ctx, "studies/1.2.3/series/4.5.6/instance.dcm")
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), got)
}

func TestFilesystemBackend_List(t *testing.T) {
	root := t.TempDir()
	b, err := NewFilesystemBackend(root)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.Put(ctx, "a/1.dcm", []byte("x")))
	require.NoError(t, b.Put(ctx, "a/2.dcm", []byte("y")))
	require.NoError(t, b.Put(ctx, "b/3.dcm", []byte("z")))

	keys, err := b.List(ctx, "a/")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a/1.dcm", "a/2.dcm"}, keys)
}

func TestFilesystemBackend_Delete(t *testing.T) {
	root := t.TempDir()
	b, err := NewFilesystemBackend(root)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.Put(ctx, "gone.dcm", []byte("x")))
	require.NoError(t, b.Delete(ctx, "gone.dcm"))

	_, err = b.Get(ctx, "gone.dcm")
	require.Error(t, err)

	// deleting an already-absent key is not an error
	require.NoError(t, b.Delete(ctx, "gone.dcm"))
}

func TestFilesystemBackend_PutCreatesNestedDirs(t *testing.T) {
	root := t.TempDir()
	b, err := NewFilesystemBackend(root)
	require.NoError(t, err)

	err = b.Put(context.Background(), "deep/nested/path/file.dcm", []byte("x"))
	require.NoError(t, err)
	require.FileExists(t, filepath.Join(root, "deep/nested/path/file.dcm"))
}
