package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/kdimtricp/framesearch/internal/models"
)

const (
	multimodalBackendName = "multimodal"
	multimodalEmbedPath   = "/services/embeddings/multimodal-embedding/multimodal-embedding"
)

type MultimodalConfig struct {
	BaseURL    string
	APIKey     string
	Model      string
	Dimensions int
	Timeout    time.Duration
	RatePerSec float64
}

// Multimodal is a client for a hosted multimodal embedding API
// (DashScope multimodal-embedding wire format).
type Multimodal struct {
	baseURL    string
	apiKey     string
	model      string
	dims       int
	httpClient *http.Client
	limiter    *rate.Limiter
}

func NewMultimodal(cfg MultimodalConfig) (*Multimodal, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("multimodal embedding API key is required")
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("multimodal embedding base URL is required")
	}
	model := cfg.Model
	if model == "" {
		model = "multimodal-embedding-v1"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	limit := rate.Inf
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
	}
	return &Multimodal{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      model,
		dims:       cfg.Dimensions,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(limit, 1),
	}, nil
}

type multimodalRequest struct {
	Model string          `json:"model"`
	Input multimodalInput `json:"input"`
}

type multimodalInput struct {
	Contents []map[string]string `json:"contents"`
}

type multimodalResponse struct {
	Output struct {
		Embeddings []struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
			Type      string    `json:"type"`
		} `json:"embeddings"`
	} `json:"output"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
}

func (m *Multimodal) Name() string    { return multimodalBackendName }
func (m *Multimodal) Dimensions() int { return m.dims }

func (m *Multimodal) EmbedImage(ctx context.Context, img []byte) ([]float32, error) {
	if err := validateImage(multimodalBackendName, img); err != nil {
		return nil, err
	}
	return m.embed(ctx, ModalityImage, dataURI(img))
}

func (m *Multimodal) EmbedText(ctx context.Context, text string) ([]float32, error) {
	if err := validateText(multimodalBackendName, text); err != nil {
		return nil, err
	}
	return m.embed(ctx, ModalityText, text)
}

func (m *Multimodal) EmbedPair(ctx context.Context, img []byte, text string) ([]float32, []float32, error) {
	return embedPair(ctx, m, img, text)
}

func (m *Multimodal) embed(ctx context.Context, modality, value string) ([]float32, error) {
	fail := func(err error) ([]float32, error) {
		return nil, &models.EmbeddingError{Backend: multimodalBackendName, Modality: modality, Err: err}
	}

	if err := m.limiter.Wait(ctx); err != nil {
		return fail(err)
	}

	body, err := json.Marshal(multimodalRequest{
		Model: m.model,
		Input: multimodalInput{Contents: []map[string]string{{modality: value}}},
	})
	if err != nil {
		return fail(fmt.Errorf("failed to marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+multimodalEmbedPath, bytes.NewReader(body))
	if err != nil {
		return fail(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+m.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fail(fmt.Errorf("failed to make request: %w", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fail(fmt.Errorf("failed to read response: %w", err))
	}

	var out multimodalResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return fail(fmt.Errorf("failed to unmarshal response (status %d): %w", resp.StatusCode, err))
	}
	if resp.StatusCode != http.StatusOK {
		return fail(fmt.Errorf("API error %d: %s %s", resp.StatusCode, out.Code, out.Message))
	}
	if len(out.Output.Embeddings) == 0 {
		return fail(fmt.Errorf("no embeddings in response %s", out.RequestID))
	}
	return finish(multimodalBackendName, modality, out.Output.Embeddings[0].Embedding, m.dims)
}
