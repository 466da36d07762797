package keyframe

import (
	"context"
	"image"
)

// VideoInfo describes the decoded video stream.
type VideoInfo struct {
	TotalFrames int
	FPS         float64
	Duration    float64
	Width       int
	Height      int
}

// FrameSource yields decoded frames in order, once. Next and Discard return
// io.EOF after the last frame.
type FrameSource interface {
	Info() VideoInfo
	Next() (image.Image, error)
	Discard() error
	Close() error
}

// Decoder opens a fresh decoding pass over a local file or URL.
type Decoder interface {
	Open(ctx context.Context, src string) (FrameSource, error)
}
