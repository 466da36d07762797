package storage

import (
	"io"
)

type FileInfo struct {
	Filename    string
	ContentType string
	Size        int64
}

// Storage keeps uploaded videos and generated thumbnails. Names returned by
// Save* are relative to the storage root.
type Storage interface {
	SaveFile(file io.Reader, info FileInfo) (string, error)
	SaveBytes(name string, data []byte) (string, error)
	OpenFile(path string) (io.ReadSeekCloser, error)
	DeleteFile(path string) error
	LocalPath(path string) (string, error)
}
