package local_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/tenderscan/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("CreatesMissingDir", func(t *testing.T) {
		t.Parallel()
		dir := filepath.Join(t.TempDir(), "archive", "nested")
		store, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
		assert.Equal(t, dir, store.BaseDir())
	})

	t.Run("MissingBaseDir", func(t *testing.T) {
		t.Parallel()
		_, err := local.New(local.Config{})
		assert.Error(t, err)
	})

	t.Run("BaseDirIsAFile", func(t *testing.T) {
		t.Parallel()
		file := filepath.Join(t.TempDir(), "plain")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		assert.ErrorContains(t, err, "not a directory")
	})
}

func TestPutObject(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), "run-1/SPA1/abc.pdf", "application/pdf", strings.NewReader("%PDF"))
	require.NoError(t, err)
	want := filepath.Join(dir, "run-1", "SPA1", "abc.pdf")
	assert.Equal(t, "file://"+filepath.ToSlash(want), uri)

	got, err := os.ReadFile(want)
	require.NoError(t, err)
	assert.Equal(t, "%PDF", string(got))

	entries, err := os.ReadDir(filepath.Dir(want))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no partial files are left behind")
}

func TestPutObjectRejectsBadPaths(t *testing.T) {
	t.Parallel()

	store, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	for _, path := range []string{"", "  ", "../escape.pdf", "a/../../escape.pdf", "/etc/passwd"} {
		_, err := store.PutObject(context.Background(), path, "", strings.NewReader("x"))
		assert.Error(t, err, path)
	}
}

func TestPutObjectHonoursCancellation(t *testing.T) {
	t.Parallel()

	store, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = store.PutObject(ctx, "a.pdf", "", strings.NewReader("x"))
	assert.ErrorIs(t, err, context.Canceled)
}
