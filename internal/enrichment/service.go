// Package enrichment tags and summarises indexed videos with a
// vision-language model and writes the results back to the video record.
package enrichment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	pgvector "github.com/pgvector/pgvector-go"
	"golang.org/x/sync/errgroup"

	"github.com/kdimtricp/framesearch/internal/config"
	"github.com/kdimtricp/framesearch/internal/embedding"
	"github.com/kdimtricp/framesearch/internal/keyframe"
	"github.com/kdimtricp/framesearch/internal/logger"
	"github.com/kdimtricp/framesearch/internal/metrics"
	"github.com/kdimtricp/framesearch/internal/models"
)

var ErrInvalidAction = errors.New("action_type must be 1 (mining), 2 (summary) or 3 (both)")

type Action int

const (
	ActionMining  Action = 1
	ActionSummary Action = 2
	ActionBoth    Action = 3
)

func ParseAction(n int) (Action, error) {
	switch a := Action(n); a {
	case ActionMining, ActionSummary, ActionBoth:
		return a, nil
	}
	return 0, fmt.Errorf("%w: got %d", ErrInvalidAction, n)
}

func (a Action) mining() bool  { return a == ActionMining || a == ActionBoth }
func (a Action) summary() bool { return a == ActionSummary || a == ActionBoth }

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
	Modify(ctx context.Context, path string, mutate func(*models.VideoRecord) error) (*models.VideoRecord, error)
}

type Options struct {
	MiningModel   string
	SummaryModel  string
	MaxTags       int
	MaxSummaryLen int
	MaxFrames     int
}

func OptionsFromConfig(cfg config.EnrichmentConfig) Options {
	return Options{
		MiningModel:   cfg.MiningModel,
		SummaryModel:  cfg.SummaryModel,
		MaxTags:       cfg.MaxTags,
		MaxSummaryLen: cfg.MaxSummaryLen,
		MaxFrames:     cfg.MaxFrames,
	}
}

type Deps struct {
	Analyzer    Analyzer
	Extractor   FrameExtractor
	Backend     embedding.Backend
	Videos      VideoStore
	Thumbnailer Thumbnailer
	Objects     ObjectStore
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

type Service struct {
	analyzer    Analyzer
	extractor   FrameExtractor
	backend     embedding.Backend
	videos      VideoStore
	thumbnailer Thumbnailer
	objects     ObjectStore
	opts        Options
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

func NewService(deps Deps, opts Options) *Service {
	return &Service{
		analyzer:    deps.Analyzer,
		extractor:   deps.Extractor,
		backend:     deps.Backend,
		videos:      deps.Videos,
		thumbnailer: deps.Thumbnailer,
		objects:     deps.Objects,
		opts:        opts,
		metrics:     deps.Metrics,
		logger:      logger.OrDefault(deps.Logger),
	}
}

// AddResult carries the updated record and whatever analyses ran.
type AddResult struct {
	Video   *models.VideoRecord `json:"video"`
	Items   []MiningItem        `json:"items,omitempty"`
	Summary string              `json:"summary,omitempty"`
}

// Add runs the requested analyses for an indexed video and stores tags and
// summary on its record.
func (s *Service) Add(ctx context.Context, path string, action Action) (*AddResult, error) {
	if _, err := ParseAction(int(action)); err != nil {
		return nil, err
	}
	if _, err := s.videos.GetByPath(ctx, path); err != nil {
		return nil, err
	}

	frames, err := s.frames(ctx, path)
	if err != nil {
		return nil, err
	}

	res := &AddResult{}
	g, gctx := errgroup.WithContext(ctx)
	if action.mining() {
		g.Go(func() error {
			items, err := s.mine(gctx, path, frames)
			res.Items = items
			return err
		})
	}
	if action.summary() {
		g.Go(func() error {
			summary, err := s.summarize(gctx, frames)
			res.Summary = summary
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var summaryVec []float32
	if action.summary() {
		summaryVec, err = s.backend.EmbedText(ctx, res.Summary)
		if err != nil {
			return nil, fmt.Errorf("failed to embed summary of %s: %w", path, err)
		}
	}
	tags := Tags(res.Items, s.opts.MaxTags)

	video, err := s.videos.Modify(ctx, path, func(v *models.VideoRecord) error {
		if action.mining() {
			v.Tags = tags
		}
		if action.summary() {
			vec := pgvector.NewVector(summaryVec)
			v.SummaryText = models.StringPtr(res.Summary)
			v.SummaryEmbedding = &vec
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	res.Video = video

	s.logger.Info("video enriched", "path", path, "action", int(action), "tags", len(tags), "summary_len", len([]rune(res.Summary)))
	return res, nil
}

// Mining analyses path without touching any record.
func (s *Service) Mining(ctx context.Context, path string) ([]MiningItem, error) {
	frames, err := s.frames(ctx, path)
	if err != nil {
		return nil, err
	}
	return s.mine(ctx, path, frames)
}

// Summary analyses path without touching any record.
func (s *Service) Summary(ctx context.Context, path string) (string, error) {
	frames, err := s.frames(ctx, path)
	if err != nil {
		return "", err
	}
	return s.summarize(ctx, frames)
}

func (s *Service) mine(ctx context.Context, path string, frames [][]byte) ([]MiningItem, error) {
	content, err := s.analyzer.Analyze(ctx, s.opts.MiningModel, frames, miningPrompt)
	if err == nil {
		var items []MiningItem
		var dropped int
		items, dropped, err = parseMining(content)
		if err == nil {
			s.metrics.EnrichmentRun("mining", nil)
			if dropped > 0 {
				s.logger.Warn("dropped malformed mining items", "path", path, "dropped", dropped)
			}
			for i := range items {
				items[i].ThumbnailPath = s.thumbnail(ctx, path, items[i].StartSeconds)
			}
			return items, nil
		}
	}
	s.metrics.EnrichmentRun("mining", err)
	return nil, fmt.Errorf("mining %s: %w", path, err)
}

func (s *Service) summarize(ctx context.Context, frames [][]byte) (string, error) {
	content, err := s.analyzer.Analyze(ctx, s.opts.SummaryModel, frames, summaryPrompt)
	if err == nil {
		var summary string
		summary, err = parseSummary(content)
		if err == nil {
			s.metrics.EnrichmentRun("summary", nil)
			return truncateRunes(summary, s.opts.MaxSummaryLen), nil
		}
	}
	s.metrics.EnrichmentRun("summary", err)
	return "", fmt.Errorf("summary: %w", err)
}

// frames returns JPEG key frames of path, evenly thinned to MaxFrames.
func (s *Service) frames(ctx context.Context, path string) ([][]byte, error) {
	kfs, err := s.extractor.Extract(ctx, path)
	if err != nil {
		return nil, err
	}
	kfs = thin(kfs, s.opts.MaxFrames)

	out := make([][]byte, 0, len(kfs))
	for _, f := range kfs {
		data, err := f.JPEG()
		if err != nil {
			return nil, fmt.Errorf("failed to encode frame %d of %s: %w", f.Index, path, err)
		}
		out = append(out, data)
	}
	return out, nil
}

func thin(kfs []keyframe.KeyFrame, limit int) []keyframe.KeyFrame {
	if limit <= 0 || len(kfs) <= limit {
		return kfs
	}
	out := make([]keyframe.KeyFrame, 0, limit)
	for i := 0; i < limit; i++ {
		out = append(out, kfs[i*len(kfs)/limit])
	}
	return out
}

func (s *Service) thumbnail(ctx context.Context, src string, at int) *string {
	if s.thumbnailer == nil || s.objects == nil {
		return nil
	}
	data, err := s.thumbnailer.Thumbnail(ctx, src, at)
	if err != nil {
		s.logger.Warn("thumbnail generation failed", "path", src, "at", at, "error", err)
		return nil
	}
	name, err := s.objects.SaveBytes(keyframe.ThumbnailName(src, at), data)
	if err != nil {
		s.logger.Warn("thumbnail upload failed", "path", src, "at", at, "error", err)
		return nil
	}
	return &name
}
