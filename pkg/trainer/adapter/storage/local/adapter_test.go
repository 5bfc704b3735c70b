package local

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalAdapter_UploadDownloadDelete(t *testing.T) {
	base := t.TempDir()
	conn, err := NewLocalAdapter(base)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, conn.Upload(ctx, "runs", "r1/result.json", strings.NewReader(`{"ok":true}`), "application/json"))
	data, err := os.ReadFile(filepath.Join(base, "runs", "r1", "result.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(data))

	// Overwrite replaces the content atomically and leaves no temp file behind.
	require.NoError(t, conn.Upload(ctx, "runs", "r1/result.json", strings.NewReader(`{"ok":false}`), "application/json"))
	entries, err := os.ReadDir(filepath.Join(base, "runs", "r1"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	rc, err := conn.Download(ctx, "runs", "r1/result.json")
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, rc.Close())
	require.NoError(t, err)
	assert.Equal(t, `{"ok":false}`, string(got))

	var names []string
	require.NoError(t, conn.ListObjects(ctx, "runs", "r1/", func(name string) error {
		names = append(names, name)
		return nil
	}))
	assert.Equal(t, []string{"r1/result.json"}, names)

	require.NoError(t, conn.DeleteObject(ctx, "runs", "r1/result.json"))
	require.NoError(t, conn.DeleteObject(ctx, "runs", "r1/result.json"), "deleting a missing object is not an error")
	_, err = os.Stat(filepath.Join(base, "runs", "r1", "result.json"))
	assert.True(t, os.IsNotExist(err))
}

func TestLocalAdapter_RejectsEscapingPaths(t *testing.T) {
	conn, err := NewLocalAdapter(t.TempDir())
	require.NoError(t, err)
	err = conn.Upload(context.Background(), "..", "escape.json", strings.NewReader("x"), "text/plain")
	assert.ErrorContains(t, err, "outside of BaseDir")
}

func TestLocalAdapter_Unconfined(t *testing.T) {
	dir := t.TempDir()
	conn, err := NewLocalAdapter("")
	require.NoError(t, err)
	require.NoError(t, conn.Upload(context.Background(), dir, "result.json", strings.NewReader("{}"), "application/json"))
	_, err = os.Stat(filepath.Join(dir, "result.json"))
	assert.NoError(t, err)
}

func TestNewLocalAdapter_BaseDirIsFile(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(f, nil, 0o644))
	_, err := NewLocalAdapter(f)
	assert.ErrorContains(t, err, "is not a directory")
}
