package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// VideoRecord is the per-video metadata row. Path is the natural key; a path
// maps to at most one record.
type VideoRecord struct {
	ID               string           `gorm:"column:id;primaryKey" json:"video_id"`
	Path             string           `gorm:"column:path;uniqueIndex" json:"path"`
	Embedding        pgvector.Vector  `gorm:"column:embedding" json:"-"`
	SummaryEmbedding *pgvector.Vector `gorm:"column:summary_embedding" json:"-"`
	ThumbnailPath    *string          `gorm:"column:thumbnail_path" json:"thumbnail_path"`
	Title            *string          `gorm:"column:title" json:"title"`
	SummaryText      *string          `gorm:"column:summary_txt" json:"summary_text"`
	Tags             []string         `gorm:"column:tags;serializer:json" json:"tags"`
	Version          int64            `gorm:"column:version" json:"version"`
	CreatedAt        time.Time        `gorm:"column:created_at" json:"created_at"`
}

func (VideoRecord) TableName() string {
	return "videos"
}

func NewVideoRecord(path string, embedding []float32) *VideoRecord {
	return &VideoRecord{
		ID:        uuid.New().String(),
		Path:      path,
		Embedding: pgvector.NewVector(embedding),
	}
}

// Clone returns a deep copy so callers can mutate it without touching a
// record shared with another goroutine.
func (v *VideoRecord) Clone() *VideoRecord {
	if v == nil {
		return nil
	}
	c := *v
	c.Embedding = pgvector.NewVector(append([]float32(nil), v.Embedding.Slice()...))
	if v.SummaryEmbedding != nil {
		se := pgvector.NewVector(append([]float32(nil), v.SummaryEmbedding.Slice()...))
		c.SummaryEmbedding = &se
	}
	c.ThumbnailPath = cloneString(v.ThumbnailPath)
	c.Title = cloneString(v.Title)
	c.SummaryText = cloneString(v.SummaryText)
	if v.Tags != nil {
		c.Tags = append([]string{}, v.Tags...)
	}
	return &c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	out := *s
	return &out
}

// StringPtr returns nil for an empty string.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
