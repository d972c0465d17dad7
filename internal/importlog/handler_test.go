package importlog

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileName(t *testing.T) {
	day := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	assert.Equal(t, "import-details-2026-05-01.log", FileName(day, ""))
	assert.Equal(t, "import-details-2026-05-01-7.log", FileName(day, "/feeds/7.csv"))
}

func TestHandlerWritesPerFileEntries(t *testing.T) {
	dir := t.TempDir()
	h := NewHandler(dir, slog.LevelInfo)
	logger := slog.New(h)

	logger.With(FileKey, "/feeds/3.csv").Error("row failed", "row", 4, "error", errors.New("bad price"))
	logger.Info("run finished", "imported", 2)
	logger.Debug("dropped")

	files, err := ListFiles(dir)
	require.NoError(t, err)
	require.Len(t, files, 2)

	var perFile, general string
	for _, f := range files {
		content, err := ReadFile(dir, f.Name)
		require.NoError(t, err)
		if f.FeedFile == "3" {
			perFile = content
		} else {
			general = content
		}
	}

	assert.Contains(t, perFile, "[ERROR] row failed | Data: {")
	assert.Contains(t, perFile, `"error": "bad price"`)
	assert.Contains(t, perFile, `"row": 4`)
	assert.NotContains(t, perFile, FileKey)
	assert.True(t, strings.HasSuffix(perFile, strings.Repeat("-", 80)+"\n"))

	assert.Contains(t, general, "[INFO] run finished")
	assert.NotContains(t, general, "dropped")
}

func TestReadFileRejectsForeignNames(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "secrets.txt"), []byte("x"), 0644))

	for _, name := range []string{"secrets.txt", "../import-details-2026-01-01.log", "import-details-2026-01-01/../x.log"} {
		_, err := ReadFile(dir, name)
		assert.ErrorIs(t, err, ErrInvalidName, name)
	}
}

func TestListFilesNewestFirstAndClear(t *testing.T) {
	dir := t.TempDir()
	older := filepath.Join(dir, "import-details-2026-01-01.log")
	newer := filepath.Join(dir, "import-details-2026-01-02-5.log")
	require.NoError(t, os.WriteFile(older, []byte("a"), 0644))
	require.NoError(t, os.WriteFile(newer, []byte("b"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.log"), []byte("c"), 0644))

	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(older, past, past))

	files, err := ListFiles(dir)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "import-details-2026-01-02-5.log", files[0].Name)
	assert.Equal(t, "5", files[0].FeedFile)

	n, err := Clear(dir)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	_, err = os.Stat(filepath.Join(dir, "other.log"))
	assert.NoError(t, err)
}

func TestListFilesMissingDir(t *testing.T) {
	files, err := ListFiles(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestTeeAndContextLogger(t *testing.T) {
	var buf bytes.Buffer
	dir := t.TempDir()
	logger := slog.New(Tee{slog.NewTextHandler(&buf, nil), NewHandler(dir, nil)})

	ctx := ContextWithLogger(context.Background(), logger)
	FromContext(ctx, slog.Default()).Info("hello")

	assert.Contains(t, buf.String(), "msg=hello")
	files, err := ListFiles(dir)
	require.NoError(t, err)
	assert.Len(t, files, 1)

	fallback := slog.Default()
	assert.Same(t, fallback, FromContext(context.Background(), fallback))
}
