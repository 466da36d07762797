package models

import (
	"errors"
	"fmt"
)

// ErrVersionConflict is returned when a conditional update loses a race.
var ErrVersionConflict = errors.New("video record was modified concurrently")

// DecodeError means a video source could not be read. Fatal for that video.
type DecodeError struct {
	Source string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode video %s: %v", e.Source, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// EmbeddingError means a backend could not produce a vector for one input.
type EmbeddingError struct {
	Backend  string
	Modality string
	Err      error
}

func (e *EmbeddingError) Error() string {
	return fmt.Sprintf("%s %s embedding failed: %v", e.Backend, e.Modality, e.Err)
}

func (e *EmbeddingError) Unwrap() error { return e.Err }

// StoreWriteError is batch scoped: Count records were not written.
type StoreWriteError struct {
	Collection string
	Count      int
	Err        error
}

func (e *StoreWriteError) Error() string {
	return fmt.Sprintf("failed to write %d records to %s: %v", e.Count, e.Collection, e.Err)
}

func (e *StoreWriteError) Unwrap() error { return e.Err }

type StoreReadError struct {
	Op  string
	Err error
}

func (e *StoreReadError) Error() string {
	return fmt.Sprintf("store read %s failed: %v", e.Op, e.Err)
}

func (e *StoreReadError) Unwrap() error { return e.Err }

type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("video not found: %s", e.Path)
}

func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}
