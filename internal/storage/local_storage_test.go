package storage

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStorage(t *testing.T) {
	tmpDir := t.TempDir()
	storage, err := NewLocalStorage(tmpDir)
	require.NoError(t, err)

	t.Run("SaveFile", func(t *testing.T) {
		content := []byte("test video content")
		info := FileInfo{Filename: "Test.MP4", ContentType: "video/mp4", Size: int64(len(content))}

		filename, err := storage.SaveFile(bytes.NewReader(content), info)
		require.NoError(t, err)
		assert.Equal(t, ".mp4", filepath.Ext(filename))
		assert.FileExists(t, filepath.Join(tmpDir, filename))

		again, err := storage.SaveFile(bytes.NewReader(content), FileInfo{Filename: "other-name.mp4"})
		require.NoError(t, err)
		assert.Equal(t, filename, again, "same bytes map to the same name")

		other, err := storage.SaveFile(bytes.NewReader([]byte("different")), info)
		require.NoError(t, err)
		assert.NotEqual(t, filename, other)

		leftovers, err := filepath.Glob(filepath.Join(tmpDir, ".upload-*"))
		require.NoError(t, err)
		assert.Empty(t, leftovers)
	})

	t.Run("SaveFileDefaultExtension", func(t *testing.T) {
		filename, err := storage.SaveFile(bytes.NewReader([]byte("x")), FileInfo{Filename: "noext"})
		require.NoError(t, err)
		assert.Equal(t, ".mp4", filepath.Ext(filename))
	})

	t.Run("SaveBytes", func(t *testing.T) {
		name, err := storage.SaveBytes("thumbnails/a_t_12.jpg", []byte{0xff, 0xd8})
		require.NoError(t, err)
		assert.Equal(t, filepath.Join("thumbnails", "a_t_12.jpg"), name)

		name, err = storage.SaveBytes("thumbnails/a_t_12.jpg", []byte{0xff, 0xd8, 0xff})
		require.NoError(t, err)
		data, err := os.ReadFile(filepath.Join(tmpDir, name))
		require.NoError(t, err)
		assert.Len(t, data, 3)
	})

	t.Run("OpenFile", func(t *testing.T) {
		content := []byte("test video content")
		require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "test-file.mp4"), content, 0644))

		file, err := storage.OpenFile("test-file.mp4")
		require.NoError(t, err)
		defer file.Close()

		readContent, err := io.ReadAll(file)
		require.NoError(t, err)
		assert.Equal(t, content, readContent)
	})

	t.Run("DeleteFile", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "delete-me.mp4"), []byte("x"), 0644))
		require.NoError(t, storage.DeleteFile("delete-me.mp4"))
		assert.NoFileExists(t, filepath.Join(tmpDir, "delete-me.mp4"))
	})

	t.Run("PathTraversal", func(t *testing.T) {
		for _, p := range []string{"../etc/passwd", "a/../../b", "/etc/passwd", "."} {
			_, err := storage.OpenFile(p)
			assert.Error(t, err, p)
			_, err = storage.SaveBytes(p, []byte("x"))
			assert.Error(t, err, p)
			assert.Error(t, storage.DeleteFile(p), p)
		}
	})
}
