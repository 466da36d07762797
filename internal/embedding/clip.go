package embedding

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/kdimtricp/framesearch/internal/models"
)

const clipBackendName = "clip"

type CLIPConfig struct {
	BaseURL    string
	Model      string
	Dimensions int
	Timeout    time.Duration
}

// CLIP talks to a CLIP bi-encoder served on the local host behind an
// OpenAI-compatible /embeddings route. Images are sent as data URIs in the
// input list; the server runs text and vision towers into one 512-d space.
type CLIP struct {
	client *openai.Client
	model  string
	dims   int
}

func NewCLIP(cfg CLIPConfig) (*CLIP, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("clip base URL is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("clip model is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	dims := cfg.Dimensions
	if dims <= 0 {
		dims = 512
	}
	// The local server does not check the key.
	oc := openai.DefaultConfig("local")
	oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	oc.HTTPClient = &http.Client{Timeout: timeout}

	return &CLIP{
		client: openai.NewClientWithConfig(oc),
		model:  cfg.Model,
		dims:   dims,
	}, nil
}

func (c *CLIP) Name() string    { return clipBackendName }
func (c *CLIP) Dimensions() int { return c.dims }

func (c *CLIP) EmbedImage(ctx context.Context, img []byte) ([]float32, error) {
	if err := validateImage(clipBackendName, img); err != nil {
		return nil, err
	}
	return c.embed(ctx, ModalityImage, dataURI(img))
}

func (c *CLIP) EmbedText(ctx context.Context, text string) ([]float32, error) {
	if err := validateText(clipBackendName, text); err != nil {
		return nil, err
	}
	return c.embed(ctx, ModalityText, text)
}

func (c *CLIP) EmbedPair(ctx context.Context, img []byte, text string) ([]float32, []float32, error) {
	return embedPair(ctx, c, img, text)
}

func (c *CLIP) embed(ctx context.Context, modality, input string) ([]float32, error) {
	resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{input},
		Model: openai.EmbeddingModel(c.model),
	})
	if err != nil {
		return nil, &models.EmbeddingError{Backend: clipBackendName, Modality: modality, Err: err}
	}
	if len(resp.Data) != 1 {
		return nil, &models.EmbeddingError{
			Backend:  clipBackendName,
			Modality: modality,
			Err:      fmt.Errorf("expected 1 embedding, got %d", len(resp.Data)),
		}
	}
	return finish(clipBackendName, modality, resp.Data[0].Embedding, c.dims)
}
