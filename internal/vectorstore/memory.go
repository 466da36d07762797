package vectorstore

import (
	"context"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/kdimtricp/framesearch/internal/models"
)

// Memory is an in-process Index for single-node deployments and tests.
type Memory struct {
	collection string
	metric     Metric
	dims       int

	mu      sync.RWMutex
	records map[string]models.FrameRecord
	order   []string

	loaded atomic.Int64
}

func NewMemory(collection string, metric Metric, dims int) *Memory {
	return &Memory{
		collection: collection,
		metric:     metric,
		dims:       dims,
		records:    make(map[string]models.FrameRecord),
	}
}

func (m *Memory) Collection() string { return m.collection }

// Loaded reports how many operations currently hold the partition.
func (m *Memory) Loaded() int64 { return m.loaded.Load() }

func (m *Memory) partition(fn func() error) error {
	m.loaded.Add(1)
	defer m.loaded.Add(-1)
	return fn()
}

func (m *Memory) InsertBatch(ctx context.Context, records []models.FrameRecord) error {
	if err := validateRecords(records, m.dims); err != nil {
		return &models.StoreWriteError{Collection: m.collection, Count: len(records), Err: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		if _, ok := m.records[r.ID]; !ok {
			m.order = append(m.order, r.ID)
		}
		r.Embedding = append([]float32(nil), r.Embedding...)
		m.records[r.ID] = r
	}
	return nil
}

func (m *Memory) Search(ctx context.Context, req SearchRequest) ([]models.SearchHit, error) {
	if err := req.validate(m.dims); err != nil {
		return nil, &models.StoreReadError{Op: "search", Err: err}
	}
	var hits []models.SearchHit
	err := m.partition(func() error {
		m.mu.RLock()
		defer m.mu.RUnlock()
		for _, id := range m.order {
			r := m.records[id]
			if req.VideoID != "" && r.VideoID != req.VideoID {
				continue
			}
			hit := models.SearchHit{
				ID:        r.ID,
				Score:     score(distance(m.metric, req.Vector, r.Embedding)),
				VideoID:   r.VideoID,
				AtSeconds: r.AtSeconds,
			}
			if req.WithEmbedding {
				hit.Embedding = append([]float32(nil), r.Embedding...)
			}
			hits = append(hits, hit)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if req.Offset >= len(hits) {
		return []models.SearchHit{}, nil
	}
	hits = hits[req.Offset:]
	if len(hits) > req.Limit {
		hits = hits[:req.Limit]
	}
	return hits, nil
}

func distance(metric Metric, a, b []float32) float64 {
	var sum float64
	if metric == MetricL2 {
		for i := range a {
			d := float64(a[i]) - float64(b[i])
			sum += d * d
		}
		return math.Sqrt(sum)
	}
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return -sum
}

func (m *Memory) QueryByIDs(ctx context.Context, ids []string) ([]models.FrameRecord, error) {
	var out []models.FrameRecord
	err := m.partition(func() error {
		m.mu.RLock()
		defer m.mu.RUnlock()
		for _, id := range ids {
			if r, ok := m.records[id]; ok {
				r.Embedding = append([]float32(nil), r.Embedding...)
				out = append(out, r)
			}
		}
		return nil
	})
	return out, err
}

func (m *Memory) QueryByVideo(ctx context.Context, videoID string) ([]string, error) {
	var ids []string
	err := m.partition(func() error {
		m.mu.RLock()
		defer m.mu.RUnlock()
		for _, id := range m.order {
			if m.records[id].VideoID == videoID {
				ids = append(ids, id)
			}
		}
		return nil
	})
	return ids, err
}

func (m *Memory) DeleteByIDs(ctx context.Context, ids []string) (int64, error) {
	var n int64
	err := m.partition(func() error {
		m.mu.Lock()
		defer m.mu.Unlock()
		drop := make(map[string]bool, len(ids))
		for _, id := range ids {
			if _, ok := m.records[id]; ok {
				drop[id] = true
				delete(m.records, id)
				n++
			}
		}
		if n == 0 {
			return nil
		}
		kept := m.order[:0]
		for _, id := range m.order {
			if !drop[id] {
				kept = append(kept, id)
			}
		}
		m.order = kept
		return nil
	})
	return n, err
}

func (m *Memory) Count(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.records)), nil
}

func (m *Memory) Close() {}
