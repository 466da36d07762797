package embedding

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"net/http"
	"strings"

	"github.com/kdimtricp/framesearch/internal/models"
)

const (
	ModalityImage = "image"
	ModalityText  = "text"
)

var (
	errEmptyText  = errors.New("text input is empty")
	errEmptyImage = errors.New("image input is empty")
	errZeroVector = errors.New("backend returned a zero vector")
)

// Backend turns images and text into vectors of one shared space. Vectors are
// L2-normalised so inner product behaves like cosine similarity.
type Backend interface {
	Name() string
	Dimensions() int
	EmbedImage(ctx context.Context, img []byte) ([]float32, error)
	EmbedText(ctx context.Context, text string) ([]float32, error)
	EmbedPair(ctx context.Context, img []byte, text string) ([]float32, []float32, error)
}

// embedPair embeds both inputs with b, failing if either fails.
func embedPair(ctx context.Context, b Backend, img []byte, text string) ([]float32, []float32, error) {
	imgVec, err := b.EmbedImage(ctx, img)
	if err != nil {
		return nil, nil, err
	}
	txtVec, err := b.EmbedText(ctx, text)
	if err != nil {
		return nil, nil, err
	}
	return imgVec, txtVec, nil
}

func validateText(backend, text string) error {
	if strings.TrimSpace(text) == "" {
		return &models.EmbeddingError{Backend: backend, Modality: ModalityText, Err: errEmptyText}
	}
	return nil
}

// validateImage rejects empty or undecodable payloads before they reach the
// network.
func validateImage(backend string, img []byte) error {
	if len(img) == 0 {
		return &models.EmbeddingError{Backend: backend, Modality: ModalityImage, Err: errEmptyImage}
	}
	if _, _, err := image.DecodeConfig(bytes.NewReader(img)); err != nil {
		return &models.EmbeddingError{Backend: backend, Modality: ModalityImage, Err: fmt.Errorf("corrupt image: %w", err)}
	}
	return nil
}

// finish converts a raw backend vector into a unit vector of the expected size.
func finish(backend, modality string, raw []float32, dims int) ([]float32, error) {
	if dims > 0 && len(raw) != dims {
		return nil, &models.EmbeddingError{
			Backend:  backend,
			Modality: modality,
			Err:      fmt.Errorf("expected %d dimensions, got %d", dims, len(raw)),
		}
	}
	vec := append([]float32(nil), raw...)
	if !L2NormalizeInPlace(vec) {
		return nil, &models.EmbeddingError{Backend: backend, Modality: modality, Err: errZeroVector}
	}
	return vec, nil
}

func dataURI(img []byte) string {
	return fmt.Sprintf("data:%s;base64,%s", http.DetectContentType(img), base64.StdEncoding.EncodeToString(img))
}
