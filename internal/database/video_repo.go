package database

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	pgvector "github.com/pgvector/pgvector-go"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/kdimtricp/framesearch/internal/embedding"
	"github.com/kdimtricp/framesearch/internal/models"
)

// ErrDuplicatePath is returned by Create when the path already has a record.
var ErrDuplicatePath = errors.New("video path already registered")

var updateColumns = []string{
	"path", "embedding", "summary_embedding", "thumbnail_path",
	"title", "summary_txt", "tags", "version",
}

// VideoRepository is the only writer of VideoRecord rows.
type VideoRepository struct {
	db *DB

	mu          sync.Mutex
	lastCreated time.Time
}

func NewVideoRepository(db *DB) *VideoRepository {
	return &VideoRepository{db: db}
}

// nextCreatedAt keeps insertion timestamps strictly increasing so listing
// order matches insertion order.
func (r *VideoRepository) nextCreatedAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC().Truncate(time.Microsecond)
	if !now.After(r.lastCreated) {
		now = r.lastCreated.Add(time.Microsecond)
	}
	r.lastCreated = now
	return now
}

func (r *VideoRepository) GetByPath(ctx context.Context, path string) (*models.VideoRecord, error) {
	var video models.VideoRecord
	err := r.db.GORM().WithContext(ctx).First(&video, "path = ?", path).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &models.NotFoundError{Path: path}
		}
		return nil, errors.Wrapf(err, "failed to get video by path %s", path)
	}
	return &video, nil
}

func (r *VideoRepository) GetByID(ctx context.Context, id string) (*models.VideoRecord, error) {
	var video models.VideoRecord
	err := r.db.GORM().WithContext(ctx).First(&video, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &models.NotFoundError{Path: id}
		}
		return nil, errors.Wrapf(err, "failed to get video %s", id)
	}
	return &video, nil
}

// GetByIDs returns the records that exist, keyed by id.
func (r *VideoRepository) GetByIDs(ctx context.Context, ids []string) (map[string]*models.VideoRecord, error) {
	out := make(map[string]*models.VideoRecord, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var videos []*models.VideoRecord
	if err := r.db.GORM().WithContext(ctx).Where("id IN ?", ids).Find(&videos).Error; err != nil {
		return nil, errors.Wrap(err, "failed to get videos")
	}
	for _, v := range videos {
		out[v.ID] = v
	}
	return out, nil
}

// Create inserts a new record with version 1. Callers check GetByPath first;
// the unique index still rejects a concurrent duplicate with ErrDuplicatePath.
func (r *VideoRepository) Create(ctx context.Context, video *models.VideoRecord) error {
	if video.Path == "" {
		return errors.New("video path is required")
	}
	video.Version = 1
	video.CreatedAt = r.nextCreatedAt()

	err := r.db.GORM().WithContext(ctx).Create(video).Error
	if err != nil {
		if isUniqueViolation(err) {
			return errors.Wrap(ErrDuplicatePath, video.Path)
		}
		return errors.Wrap(err, "failed to insert video")
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "SQLSTATE 23505")
}

// Update writes every mutable column if the stored version still equals
// video.Version, then bumps video.Version. A lost race returns
// models.ErrVersionConflict and leaves video unchanged.
func (r *VideoRepository) Update(ctx context.Context, video *models.VideoRecord) error {
	next := video.Clone()
	next.Version = video.Version + 1

	res := r.db.GORM().WithContext(ctx).
		Model(next).
		Where("version = ?", video.Version).
		Select(updateColumns).
		Updates(next)
	if res.Error != nil {
		return errors.Wrapf(res.Error, "failed to update video %s", video.ID)
	}
	if res.RowsAffected == 0 {
		return models.ErrVersionConflict
	}
	video.Version = next.Version
	return nil
}

const maxUpdateAttempts = 3

// Modify re-reads the record at path, applies mutate and writes it back with
// compare-and-swap. On a version conflict the whole cycle is repeated, up to
// three attempts in total.
func (r *VideoRepository) Modify(ctx context.Context, path string, mutate func(*models.VideoRecord) error) (*models.VideoRecord, error) {
	for attempt := 1; ; attempt++ {
		video, err := r.GetByPath(ctx, path)
		if err != nil {
			return nil, err
		}
		if err := mutate(video); err != nil {
			return nil, err
		}
		err = r.Update(ctx, video)
		if err == nil {
			return video, nil
		}
		if !errors.Is(err, models.ErrVersionConflict) || attempt >= maxUpdateAttempts {
			return nil, err
		}
		r.db.logger.Debug("retrying video update after conflict", "path", path, "attempt", attempt)
	}
}

// List returns records in insertion order.
func (r *VideoRepository) List(ctx context.Context, offset, limit int) ([]*models.VideoRecord, error) {
	videos := []*models.VideoRecord{}
	err := r.db.GORM().WithContext(ctx).
		Order("created_at ASC").Order("id ASC").
		Offset(offset).Limit(limit).
		Find(&videos).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list videos")
	}
	return videos, nil
}

func (r *VideoRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.GORM().WithContext(ctx).Model(&models.VideoRecord{}).Count(&n).Error; err != nil {
		return 0, errors.Wrap(err, "failed to count videos")
	}
	return n, nil
}

// SearchSummary ranks records that have a summary embedding by inner product
// with vec, best first.
func (r *VideoRepository) SearchSummary(ctx context.Context, vec []float32, offset, limit int) ([]models.ScoredVideo, error) {
	if r.db.dbType == "postgres" {
		return r.searchSummaryPostgres(ctx, vec, offset, limit)
	}
	return r.searchSummaryScan(ctx, vec, offset, limit)
}

type scoredRow struct {
	models.VideoRecord `gorm:"embedded"`
	Distance           float64 `gorm:"column:distance"`
}

func (r *VideoRepository) searchSummaryPostgres(ctx context.Context, vec []float32, offset, limit int) ([]models.ScoredVideo, error) {
	var rows []scoredRow
	err := r.db.GORM().WithContext(ctx).Raw(`
		SELECT *, (summary_embedding <#> ?) AS distance
		FROM videos
		WHERE summary_embedding IS NOT NULL
		ORDER BY distance, id
		LIMIT ? OFFSET ?`,
		pgvector.NewVector(vec), limit, offset).
		Scan(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to search summaries")
	}

	out := make([]models.ScoredVideo, 0, len(rows))
	for i := range rows {
		v := rows[i].VideoRecord
		out = append(out, models.ScoredVideo{Video: &v, Score: float32(-rows[i].Distance)})
	}
	return out, nil
}

func (r *VideoRepository) searchSummaryScan(ctx context.Context, vec []float32, offset, limit int) ([]models.ScoredVideo, error) {
	var videos []*models.VideoRecord
	err := r.db.GORM().WithContext(ctx).
		Where("summary_embedding IS NOT NULL").
		Order("id ASC").
		Find(&videos).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to load summaries")
	}

	scored := make([]models.ScoredVideo, 0, len(videos))
	for _, v := range videos {
		se := v.SummaryEmbedding.Slice()
		if len(se) != len(vec) {
			continue
		}
		scored = append(scored, models.ScoredVideo{Video: v, Score: embedding.Dot(vec, se)})
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })

	if offset >= len(scored) {
		return []models.ScoredVideo{}, nil
	}
	scored = scored[offset:]
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}
