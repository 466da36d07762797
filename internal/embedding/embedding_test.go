package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kdimtricp/framesearch/internal/models"
)

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for x := 0; x < 4; x++ {
		for y := 0; y < 4; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 60), G: 10, B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func norm(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

func TestL2NormalizeInPlace(t *testing.T) {
	v := []float32{3, 4}
	require.True(t, L2NormalizeInPlace(v))
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)

	zero := []float32{0, 0}
	assert.False(t, L2NormalizeInPlace(zero))
	assert.False(t, L2NormalizeInPlace(nil))
}

func TestMeanL2(t *testing.T) {
	out := MeanL2([][]float32{{1, 0}, {0, 1}})
	require.Len(t, out, 2)
	assert.InDelta(t, 1.0, norm(out), 1e-6)
	assert.InDelta(t, out[0], out[1], 1e-6)

	assert.Nil(t, MeanL2(nil))
	assert.Nil(t, MeanL2([][]float32{{1, 0}, {1}}))
	assert.Nil(t, MeanL2([][]float32{{1, 0}, {-1, 0}}))
}

// openAIEmbeddingServer mimics the OpenAI /embeddings route.
func openAIEmbeddingServer(t *testing.T, vec []float32, seen *[]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/embeddings"))
		var req struct {
			Input []string `json:"input"`
			Model string   `json:"model"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		*seen = append(*seen, req.Input...)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"model":  req.Model,
			"data": []map[string]any{
				{"object": "embedding", "index": 0, "embedding": vec},
			},
		})
	}))
}

func TestCLIP_EmbedTextAndImage(t *testing.T) {
	var seen []string
	srv := openAIEmbeddingServer(t, []float32{3, 4, 0}, &seen)
	defer srv.Close()

	c, err := NewCLIP(CLIPConfig{BaseURL: srv.URL + "/v1", Model: "ViT-L-14-336", Dimensions: 3})
	require.NoError(t, err)

	txt, err := c.EmbedText(context.Background(), "a red car")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, norm(txt), 1e-6)

	img, txt2, err := c.EmbedPair(context.Background(), pngBytes(t), "a red car")
	require.NoError(t, err)
	assert.Equal(t, txt, txt2)
	assert.InDelta(t, 1.0, norm(img), 1e-6)

	require.Len(t, seen, 3)
	assert.True(t, strings.HasPrefix(seen[1], "data:image/png;base64,"))
}

func TestCLIP_Errors(t *testing.T) {
	var seen []string
	srv := openAIEmbeddingServer(t, []float32{1, 2}, &seen)
	defer srv.Close()

	c, err := NewCLIP(CLIPConfig{BaseURL: srv.URL + "/v1", Model: "m", Dimensions: 3})
	require.NoError(t, err)

	tests := []struct {
		name string
		call func() error
	}{
		{"empty text", func() error { _, err := c.EmbedText(context.Background(), "  "); return err }},
		{"empty image", func() error { _, err := c.EmbedImage(context.Background(), nil); return err }},
		{"corrupt image", func() error { _, err := c.EmbedImage(context.Background(), []byte("not an image")); return err }},
		{"dimension mismatch", func() error { _, err := c.EmbedText(context.Background(), "hello"); return err }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			var ee *models.EmbeddingError
			require.True(t, errors.As(err, &ee), "expected EmbeddingError, got %v", err)
		})
	}
	assert.Len(t, seen, 1, "only the dimension mismatch case should reach the server")
}

func TestMultimodal_EmbedText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, multimodalEmbedPath, r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var req multimodalRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if assert.Len(t, req.Input.Contents, 1) {
			assert.Equal(t, "highway", req.Input.Contents[0]["text"])
		}

		w.Write([]byte(`{"output":{"embeddings":[{"index":0,"embedding":[0,5,0,0],"type":"text"}]},"request_id":"r1"}`))
	}))
	defer srv.Close()

	m, err := NewMultimodal(MultimodalConfig{BaseURL: srv.URL, APIKey: "secret", Dimensions: 4})
	require.NoError(t, err)

	vec, err := m.EmbedText(context.Background(), "highway")
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1, 0, 0}, vec)
}

func TestMultimodal_APIErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"non 2xx", http.StatusTooManyRequests, `{"code":"Throttling","message":"slow down"}`},
		{"malformed payload", http.StatusOK, `{"output":`},
		{"no embeddings", http.StatusOK, `{"output":{"embeddings":[]}}`},
		{"zero vector", http.StatusOK, `{"output":{"embeddings":[{"embedding":[0,0]}]}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			m, err := NewMultimodal(MultimodalConfig{BaseURL: srv.URL, APIKey: "k"})
			require.NoError(t, err)

			vec, err := m.EmbedText(context.Background(), "q")
			assert.Nil(t, vec)
			var ee *models.EmbeddingError
			require.True(t, errors.As(err, &ee), "expected EmbeddingError, got %v", err)
			assert.Equal(t, ModalityText, ee.Modality)
		})
	}
}

func TestMultimodal_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	m, err := NewMultimodal(MultimodalConfig{BaseURL: url, APIKey: "k"})
	require.NoError(t, err)

	_, err = m.EmbedImage(context.Background(), pngBytes(t))
	var ee *models.EmbeddingError
	assert.True(t, errors.As(err, &ee))
}
