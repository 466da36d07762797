package keyframe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"

	"github.com/disintegration/imaging"

	"github.com/kdimtricp/framesearch/internal/config"
	"github.com/kdimtricp/framesearch/internal/logger"
	"github.com/kdimtricp/framesearch/internal/metrics"
	"github.com/kdimtricp/framesearch/internal/models"
)

type Options struct {
	MinFrames       int
	MaxFrames       int
	FramesPerTarget int
	ChangeThreshold float64
	// CompareSize is the square edge frames are resized to before diffing.
	// Zero compares at decoded resolution. Box downscaling can only lower the
	// difference, so a non-zero size keeps fewer frames.
	CompareSize int
}

func DefaultOptions() Options {
	return Options{
		MinFrames:       4,
		MaxFrames:       80,
		FramesPerTarget: 30,
		ChangeThreshold: 30,
	}
}

func OptionsFromConfig(cfg config.ExtractorConfig) Options {
	return Options{
		MinFrames:       cfg.MinFrames,
		MaxFrames:       cfg.MaxFrames,
		FramesPerTarget: cfg.FramesPerTarget,
		ChangeThreshold: cfg.ChangeThreshold,
		CompareSize:     cfg.CompareSize,
	}
}

// KeyFrame is a kept frame and the whole second it appears at.
type KeyFrame struct {
	Index     int
	AtSeconds int32
	Image     image.Image
}

// JPEG encodes the frame for the embedding backend.
func (k KeyFrame) JPEG() ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, k.Image, imaging.JPEG, imaging.JPEGQuality(90)); err != nil {
		return nil, fmt.Errorf("failed to encode frame %d: %w", k.Index, err)
	}
	return buf.Bytes(), nil
}

type Extractor struct {
	decoder Decoder
	opts    Options
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewExtractor(decoder Decoder, opts Options, m *metrics.Metrics, log *slog.Logger) *Extractor {
	if opts.MinFrames < 1 {
		opts.MinFrames = 1
	}
	if opts.MaxFrames < opts.MinFrames {
		opts.MaxFrames = opts.MinFrames
	}
	if opts.FramesPerTarget < 1 {
		opts.FramesPerTarget = 1
	}
	return &Extractor{
		decoder: decoder,
		opts:    opts,
		metrics: m,
		logger:  logger.OrDefault(log),
	}
}

// Plan returns the target frame count and sampling interval for a video of
// total frames.
func (o Options) Plan(total int) (target, interval int) {
	target = total / o.FramesPerTarget
	if target < o.MinFrames {
		target = o.MinFrames
	}
	if target > o.MaxFrames {
		target = o.MaxFrames
	}
	interval = total / target
	if interval < 1 {
		interval = 1
	}
	return target, interval
}

// Extract samples src at a fixed interval and keeps frames that differ
// visibly from the previous kept frame. When too few survive, a second pass
// keeps evenly spaced frames regardless of content. Any decode failure
// discards everything.
func (e *Extractor) Extract(ctx context.Context, src string) ([]KeyFrame, error) {
	frames, info, err := e.changePass(ctx, src)
	if err != nil {
		return nil, err
	}

	if len(frames) < e.opts.MinFrames {
		e.logger.Debug("too few distinct frames, resampling evenly",
			"source", src, "kept", len(frames), "min", e.opts.MinFrames)
		frames, err = e.uniformPass(ctx, src, info)
		if err != nil {
			return nil, err
		}
	}

	e.metrics.FramesKept(len(frames))
	e.logger.Info("extracted key frames", "source", src, "total", info.TotalFrames, "kept", len(frames))
	return frames, nil
}

func (e *Extractor) changePass(ctx context.Context, src string) ([]KeyFrame, VideoInfo, error) {
	fs, err := e.decoder.Open(ctx, src)
	if err != nil {
		return nil, VideoInfo{}, asDecodeError(src, err)
	}
	defer fs.Close()

	info := fs.Info()
	if info.TotalFrames <= 0 {
		return nil, info, &models.DecodeError{Source: src, Err: fmt.Errorf("video has no frames")}
	}
	_, interval := e.opts.Plan(info.TotalFrames)

	var (
		kept      []KeyFrame
		lastThumb *image.NRGBA
	)
	for idx := 0; len(kept) < e.opts.MaxFrames; idx++ {
		if err := ctx.Err(); err != nil {
			return nil, info, err
		}
		if idx%interval != 0 {
			if err := fs.Discard(); err != nil {
				if errors.Is(err, io.EOF) {
					break
				}
				return nil, info, asDecodeError(src, err)
			}
			continue
		}

		img, err := fs.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, info, asDecodeError(src, err)
		}

		thumb := e.comparable(img)
		if lastThumb != nil && MeanAbsDiff(lastThumb, thumb) <= e.opts.ChangeThreshold {
			continue
		}
		kept = append(kept, KeyFrame{Index: idx, AtSeconds: atSeconds(idx, info.FPS), Image: img})
		lastThumb = thumb
	}
	return kept, info, nil
}

func (e *Extractor) uniformPass(ctx context.Context, src string, info VideoInfo) ([]KeyFrame, error) {
	fs, err := e.decoder.Open(ctx, src)
	if err != nil {
		return nil, asDecodeError(src, err)
	}
	defer fs.Close()

	interval := info.TotalFrames / e.opts.MinFrames
	if interval < 1 {
		interval = 1
	}

	var kept []KeyFrame
	for idx := 0; len(kept) < e.opts.MaxFrames; idx++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if idx%interval != 0 {
			err = fs.Discard()
		} else {
			var img image.Image
			img, err = fs.Next()
			if err == nil {
				kept = append(kept, KeyFrame{Index: idx, AtSeconds: atSeconds(idx, info.FPS), Image: img})
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, asDecodeError(src, err)
		}
	}
	return kept, nil
}

func (e *Extractor) comparable(img image.Image) *image.NRGBA {
	if e.opts.CompareSize > 0 {
		return imaging.Resize(img, e.opts.CompareSize, e.opts.CompareSize, imaging.Box)
	}
	return imaging.Clone(img)
}

func atSeconds(idx int, fps float64) int32 {
	if fps <= 0 {
		return 0
	}
	return int32(float64(idx) / fps)
}

func asDecodeError(src string, err error) error {
	var de *models.DecodeError
	if errors.As(err, &de) {
		return err
	}
	return &models.DecodeError{Source: src, Err: err}
}

// MeanAbsDiff is the mean absolute difference over the RGB channels of two
// equally sized images, on a 0-255 scale.
func MeanAbsDiff(a, b *image.NRGBA) float64 {
	if a.Bounds().Size() != b.Bounds().Size() {
		return 255
	}
	w, h := a.Bounds().Dx(), a.Bounds().Dy()
	if w == 0 || h == 0 {
		return 0
	}
	var sum int64
	for y := 0; y < h; y++ {
		ra := a.Pix[y*a.Stride : y*a.Stride+w*4]
		rb := b.Pix[y*b.Stride : y*b.Stride+w*4]
		for i := 0; i < len(ra); i += 4 {
			for c := 0; c < 3; c++ {
				d := int64(ra[i+c]) - int64(rb[i+c])
				if d < 0 {
					d = -d
				}
				sum += d
			}
		}
	}
	return float64(sum) / float64(w*h*3)
}
