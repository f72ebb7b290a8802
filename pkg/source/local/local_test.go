package local

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataloft/tabflow/pkg/source"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := New(dir)
	require.NoError(t, err)
	return store, dir
}

func TestFetch(t *testing.T) {
	store, dir := newTestStore(t)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "uploads"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "uploads", "sales.csv"), []byte("name\nada\n"), 0o644))

	rc, info, err := store.Fetch(context.Background(), "uploads/sales.csv")
	require.NoError(t, err)
	defer rc.Close()

	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "name\nada\n", string(body))
	assert.Equal(t, "uploads/sales.csv", info.Key)
	assert.Equal(t, int64(len(body)), info.Size)

	_, _, err = store.Fetch(context.Background(), "uploads/missing.csv")
	require.True(t, source.IsNotFound(err))

	var serr *source.StoreError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "Fetch", serr.Op)
	assert.Equal(t, "local", serr.Store)
}

func TestStat(t *testing.T) {
	store, dir := newTestStore(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sales.csv"), []byte("x"), 0o644))

	info, err := store.Stat(context.Background(), "sales.csv")
	require.NoError(t, err)
	assert.Equal(t, int64(1), info.Size)

	_, err = store.Stat(context.Background(), "nope.csv")
	require.True(t, source.IsNotFound(err))
}

func TestList(t *testing.T) {
	store, dir := newTestStore(t)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "a"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a", "one.csv"), []byte("1"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "two.csv"), []byte("2"), 0o644))

	all, err := store.List(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	scoped, err := store.List(context.Background(), "a/")
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	assert.Equal(t, "a/one.csv", scoped[0].Key)
}

func TestResolveRejectsTraversal(t *testing.T) {
	store, _ := newTestStore(t)

	_, _, err := store.Fetch(context.Background(), "../outside.csv")
	require.Error(t, err)

	_, err = store.Stat(context.Background(), "../../etc/passwd")
	require.Error(t, err)
}
