package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/lithammer/shortuuid/v4"
)

type LocalStorage struct {
	basePath string
}

func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &LocalStorage{basePath: basePath}, nil
}

// SaveFile stores the upload under a name derived from its content, so the
// same bytes always map to the same name.
func (ls *LocalStorage) SaveFile(file io.Reader, info FileInfo) (string, error) {
	ext := strings.ToLower(filepath.Ext(info.Filename))
	if ext == "" {
		ext = ".mp4"
	}

	tmpPath := filepath.Join(ls.basePath, ".upload-"+shortuuid.New())
	dst, err := os.Create(tmpPath)
	if err != nil {
		return "", fmt.Errorf("failed to create file: %w", err)
	}

	hash := sha256.New()
	if _, err := io.Copy(io.MultiWriter(dst, hash), file); err != nil {
		dst.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to save file: %w", err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to save file: %w", err)
	}

	filename := hex.EncodeToString(hash.Sum(nil))[:32] + ext
	fullPath := filepath.Join(ls.basePath, filename)
	if _, err := os.Stat(fullPath); err == nil {
		os.Remove(tmpPath)
		return filename, nil
	}
	if err := os.Rename(tmpPath, fullPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to store file: %w", err)
	}
	return filename, nil
}

// SaveBytes writes data under name, replacing any existing object.
func (ls *LocalStorage) SaveBytes(name string, data []byte) (string, error) {
	cleanPath, err := ls.clean(name)
	if err != nil {
		return "", err
	}
	fullPath := filepath.Join(ls.basePath, cleanPath)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}

	tmpPath := fullPath + ".tmp-" + shortuuid.New()
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tmpPath, fullPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to store file: %w", err)
	}
	return cleanPath, nil
}

func (ls *LocalStorage) clean(path string) (string, error) {
	cleanPath := filepath.Clean(path)
	if cleanPath == "." || strings.Contains(cleanPath, "..") || filepath.IsAbs(cleanPath) {
		return "", fmt.Errorf("invalid path")
	}
	return cleanPath, nil
}

func (ls *LocalStorage) LocalPath(path string) (string, error) {
	cleanPath, err := ls.clean(path)
	if err != nil {
		return "", err
	}
	return filepath.Join(ls.basePath, cleanPath), nil
}

func (ls *LocalStorage) OpenFile(path string) (io.ReadSeekCloser, error) {
	fullPath, err := ls.LocalPath(path)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(fullPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return file, nil
}

func (ls *LocalStorage) DeleteFile(path string) error {
	fullPath, err := ls.LocalPath(path)
	if err != nil {
		return err
	}
	if err := os.Remove(fullPath); err != nil {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}
