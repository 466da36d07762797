package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kdimtricp/framesearch/internal/ingest"
	"github.com/kdimtricp/framesearch/internal/models"
)

func TestCollectPaths(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.MP4", "a.mov", "notes.txt", "c.webm", "d.mkv", "e.avi"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644))
	}
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nested", "f.mp4"), []byte("x"), 0644))

	paths, err := collectPaths(dir)
	require.NoError(t, err)
	var names []string
	for _, p := range paths {
		names = append(names, filepath.Base(p))
	}
	assert.Equal(t, []string{"a.mov", "b.MP4", "c.webm", "d.mkv", "e.avi"}, names)

	single := filepath.Join(dir, "notes.txt")
	paths, err = collectPaths(single)
	require.NoError(t, err)
	assert.Equal(t, []string{single}, paths)

	paths, err = collectPaths("https://cdn.example.com/v.mp4")
	require.NoError(t, err)
	assert.Len(t, paths, 1)

	_, err = collectPaths(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestSummarize(t *testing.T) {
	s := summarize([]ingest.Outcome{
		{Path: "a", Result: &ingest.Result{Created: true, Frames: 4}},
		{Path: "b", Result: &ingest.Result{}},
		{Path: "c", Result: &ingest.Result{Frames: 3}},
		{Path: "d", Err: &models.DecodeError{Source: "d", Err: errors.New("bad")}},
		{Path: "e", Err: ingest.ErrNoFrames},
	})
	assert.Equal(t, summary{created: 1, existing: 1, reindexed: 1, failed: 2, decodeFailed: 1}, s)
}

func TestRequirePersistentIndex(t *testing.T) {
	assert.Error(t, requirePersistentIndex("memory"))
	assert.NoError(t, requirePersistentIndex("pgvector"))
}
