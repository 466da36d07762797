package models

// FrameRecord is one sampled frame in the frame index. Immutable once written.
type FrameRecord struct {
	ID        string
	Embedding []float32
	VideoID   string
	AtSeconds int32
}

// SearchHit is a ranked match from the frame index. Score is higher-is-better
// for every metric: inner product as-is, L2 as negated distance.
type SearchHit struct {
	ID        string
	Score     float32
	VideoID   string
	AtSeconds int32
	Embedding []float32
}

// SearchResult is a user-facing row. It never carries embedding vectors.
type SearchResult struct {
	VideoID       string   `json:"video_id"`
	Path          string   `json:"path"`
	Title         *string  `json:"title"`
	ThumbnailPath *string  `json:"thumbnail_path"`
	SummaryText   *string  `json:"summary_text"`
	Tags          []string `json:"tags"`
	Score         float32  `json:"score"`
	Timestamp     int32    `json:"timestamp"`
}

// NewSearchResult projects a record into a result row, dropping embeddings.
func NewSearchResult(v *VideoRecord, score float32, timestamp int32) SearchResult {
	tags := v.Tags
	if tags == nil {
		tags = []string{}
	}
	return SearchResult{
		VideoID:       v.ID,
		Path:          v.Path,
		Title:         v.Title,
		ThumbnailPath: v.ThumbnailPath,
		SummaryText:   v.SummaryText,
		Tags:          tags,
		Score:         score,
		Timestamp:     timestamp,
	}
}

// ScoredVideo pairs a record with its similarity score.
type ScoredVideo struct {
	Video *VideoRecord
	Score float32
}
