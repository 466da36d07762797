package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/google/uuid"
	pgvector "github.com/pgvector/pgvector-go"
	"golang.org/x/sync/errgroup"

	"github.com/kdimtricp/framesearch/internal/database"
	"github.com/kdimtricp/framesearch/internal/embedding"
	"github.com/kdimtricp/framesearch/internal/keyframe"
	"github.com/kdimtricp/framesearch/internal/logger"
	"github.com/kdimtricp/framesearch/internal/metrics"
	"github.com/kdimtricp/framesearch/internal/models"
	"github.com/kdimtricp/framesearch/internal/vectorstore"
)

// ErrNoFrames means every key frame failed to embed, so no record was made.
var ErrNoFrames = errors.New("no frames could be embedded")

type FrameExtractor interface {
	Extract(ctx context.Context, src string) ([]keyframe.KeyFrame, error)
}

type Thumbnailer interface {
	Thumbnail(ctx context.Context, src string, atSeconds int) ([]byte, error)
}

type ObjectStore interface {
	SaveBytes(name string, data []byte) (string, error)
}

type VideoStore interface {
	GetByPath(ctx context.Context, path string) (*models.VideoRecord, error)
	Create(ctx context.Context, video *models.VideoRecord) error
	Modify(ctx context.Context, path string, mutate func(*models.VideoRecord) error) (*models.VideoRecord, error)
}

type Deps struct {
	Extractor   FrameExtractor
	Backend     embedding.Backend
	Index       vectorstore.Index
	Videos      VideoStore
	Thumbnailer Thumbnailer
	Objects     ObjectStore
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

type Pipeline struct {
	extractor   FrameExtractor
	backend     embedding.Backend
	index       vectorstore.Index
	videos      VideoStore
	thumbnailer Thumbnailer
	objects     ObjectStore
	batchSize   int
	concurrency int
	locks       *KeyedMutex
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

func NewPipeline(deps Deps, batchSize, concurrency int) *Pipeline {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Pipeline{
		extractor:   deps.Extractor,
		backend:     deps.Backend,
		index:       deps.Index,
		videos:      deps.Videos,
		thumbnailer: deps.Thumbnailer,
		objects:     deps.Objects,
		batchSize:   batchSize,
		concurrency: concurrency,
		locks:       NewKeyedMutex(),
		metrics:     deps.Metrics,
		logger:      logger.OrDefault(deps.Logger),
	}
}

type Request struct {
	// Path is the record key and the location ffmpeg reads from.
	Path  string
	Title string
}

type Result struct {
	Video   *models.VideoRecord
	Created bool
	Frames  int
	Written int
	Failed  int
}

// Ingest registers a video once per path. An existing record is returned
// untouched. Otherwise frames are extracted, embedded and indexed, and a
// record is created whose embedding is the normalised mean of the frames.
func (p *Pipeline) Ingest(ctx context.Context, req Request) (*Result, error) {
	if req.Path == "" {
		return nil, fmt.Errorf("video path is required")
	}
	unlock := p.locks.Lock(req.Path)
	defer unlock()

	existing, err := p.videos.GetByPath(ctx, req.Path)
	if err == nil {
		p.metrics.VideoIngested("existing")
		p.logger.Info("video already indexed", "path", req.Path, "video_id", existing.ID)
		return &Result{Video: existing}, nil
	}
	if !models.IsNotFound(err) {
		p.metrics.VideoIngested("failed")
		return nil, err
	}

	res, err := p.ingestNew(ctx, req)
	if err != nil {
		p.metrics.VideoIngested("failed")
		return nil, err
	}
	if res.Created {
		p.metrics.VideoIngested("created")
	} else {
		p.metrics.VideoIngested("existing")
	}
	return res, nil
}

func (p *Pipeline) ingestNew(ctx context.Context, req Request) (*Result, error) {
	videoID := uuid.New().String()
	indexed, err := p.indexFrames(ctx, req.Path, videoID)
	if err != nil {
		return nil, err
	}

	video := models.NewVideoRecord(req.Path, indexed.mean)
	video.ID = videoID
	title := req.Title
	if title == "" {
		title = filepath.Base(req.Path)
	}
	video.Title = models.StringPtr(title)
	video.ThumbnailPath = p.thumbnail(ctx, req.Path, 0)

	if err := p.videos.Create(ctx, video); err != nil {
		if !errors.Is(err, database.ErrDuplicatePath) {
			p.dropFrames(ctx, indexed.ids)
			return nil, fmt.Errorf("failed to create video record: %w", err)
		}
		// another process registered the path first
		p.dropFrames(ctx, indexed.ids)
		existing, gerr := p.videos.GetByPath(ctx, req.Path)
		if gerr != nil {
			return nil, gerr
		}
		return &Result{Video: existing}, nil
	}

	p.buildIndex(ctx)

	p.logger.Info("video indexed",
		"path", req.Path,
		"video_id", video.ID,
		"frames", indexed.frames,
		"written", indexed.batch.Written,
		"failed", indexed.batch.Failed)

	return &Result{
		Video:   video,
		Created: true,
		Frames:  indexed.frames,
		Written: indexed.batch.Written,
		Failed:  indexed.batch.Failed,
	}, nil
}

type indexedFrames struct {
	frames int
	ids    []string
	mean   []float32
	batch  vectorstore.BatchResult
}

// indexFrames extracts key frames from src, embeds each in order and writes
// them to the index under videoID. Frames that fail to embed are skipped.
func (p *Pipeline) indexFrames(ctx context.Context, src, videoID string) (*indexedFrames, error) {
	frames, err := p.extractor.Extract(ctx, src)
	if err != nil {
		return nil, err
	}

	batcher := vectorstore.NewBatcher(p.index, p.batchSize, p.metrics, p.logger)
	out := &indexedFrames{frames: len(frames)}
	var vectors [][]float32

	for _, f := range frames {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		img, err := f.JPEG()
		if err == nil {
			var vec []float32
			vec, err = p.backend.EmbedImage(ctx, img)
			if err == nil {
				rec := models.FrameRecord{
					ID:        uuid.New().String(),
					Embedding: vec,
					VideoID:   videoID,
					AtSeconds: f.AtSeconds,
				}
				batcher.Add(ctx, rec)
				out.ids = append(out.ids, rec.ID)
				vectors = append(vectors, vec)
				continue
			}
		}
		p.metrics.FrameSkipped()
		p.logger.Warn("skipping frame", "path", src, "frame_index", f.Index, "error", err)
	}
	out.batch = batcher.Flush(ctx)

	if len(vectors) == 0 {
		return nil, fmt.Errorf("%s: %w", src, ErrNoFrames)
	}
	out.mean = embedding.MeanL2(vectors)
	return out, nil
}

// buildIndex lets a lazily indexed store build its ANN index once it holds
// enough frames.
func (p *Pipeline) buildIndex(ctx context.Context) {
	b, ok := p.index.(vectorstore.IndexBuilder)
	if !ok {
		return
	}
	if _, err := b.BuildIndex(ctx); err != nil {
		p.logger.Warn("vector index build failed", "error", err)
	}
}

func (p *Pipeline) dropFrames(ctx context.Context, ids []string) {
	if len(ids) == 0 {
		return
	}
	if _, err := p.index.DeleteByIDs(ctx, ids); err != nil {
		p.logger.Warn("failed to remove orphaned frames", "count", len(ids), "error", err)
	}
}

// thumbnail renders and stores a thumbnail, returning nil when unavailable.
func (p *Pipeline) thumbnail(ctx context.Context, src string, at int) *string {
	if p.thumbnailer == nil || p.objects == nil {
		return nil
	}
	data, err := p.thumbnailer.Thumbnail(ctx, src, at)
	if err != nil {
		p.logger.Warn("thumbnail generation failed", "path", src, "error", err)
		return nil
	}
	name, err := p.objects.SaveBytes(keyframe.ThumbnailName(src, at), data)
	if err != nil {
		p.logger.Warn("thumbnail upload failed", "path", src, "error", err)
		return nil
	}
	return &name
}

// Reindex replaces the frame vectors of an existing video and refreshes its
// record embedding.
func (p *Pipeline) Reindex(ctx context.Context, path string) (*Result, error) {
	unlock := p.locks.Lock(path)
	defer unlock()

	video, err := p.videos.GetByPath(ctx, path)
	if err != nil {
		return nil, err
	}

	old, err := p.index.QueryByVideo(ctx, video.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list frames of %s: %w", path, err)
	}

	// old frames stay searchable until the replacement is in place
	indexed, err := p.indexFrames(ctx, path, video.ID)
	if err != nil {
		return nil, err
	}

	updated, err := p.videos.Modify(ctx, path, func(v *models.VideoRecord) error {
		v.Embedding = pgvector.NewVector(indexed.mean)
		return nil
	})
	if err != nil {
		p.dropFrames(ctx, indexed.ids)
		return nil, err
	}

	if _, err := p.index.DeleteByIDs(ctx, old); err != nil {
		p.logger.Warn("failed to remove replaced frames", "path", path, "count", len(old), "error", err)
	}

	p.logger.Info("video reindexed", "path", path, "video_id", video.ID, "removed", len(old), "frames", indexed.frames)
	return &Result{
		Video:   updated,
		Frames:  indexed.frames,
		Written: indexed.batch.Written,
		Failed:  indexed.batch.Failed,
	}, nil
}

type Outcome struct {
	Path   string
	Result *Result
	Err    error
}

// IngestAll ingests paths with bounded concurrency. Outcomes keep the input
// order; one failure does not stop the others.
func (p *Pipeline) IngestAll(ctx context.Context, paths []string, reindex bool) []Outcome {
	outcomes := make([]Outcome, len(paths))

	var g errgroup.Group
	g.SetLimit(p.concurrency)
	for i, path := range paths {
		g.Go(func() error {
			var (
				res *Result
				err error
			)
			if reindex {
				res, err = p.Reindex(ctx, path)
				if models.IsNotFound(err) {
					res, err = p.Ingest(ctx, Request{Path: path})
				}
			} else {
				res, err = p.Ingest(ctx, Request{Path: path})
			}
			if err != nil {
				p.logger.Error("ingestion failed", "path", path, "error", err)
			}
			outcomes[i] = Outcome{Path: path, Result: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}
