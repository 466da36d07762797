package retrieval

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/disintegration/imaging"
)

const maxQueryImageBytes = 20 << 20

// ImageLoader fetches a query image from an http(s) URL or a local path and
// normalises it to an upright JPEG.
type ImageLoader struct {
	client *http.Client
}

func NewImageLoader(timeout time.Duration) *ImageLoader {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ImageLoader{client: &http.Client{Timeout: timeout}}
}

func (l *ImageLoader) Load(ctx context.Context, ref string) ([]byte, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, fmt.Errorf("empty image reference")
	}

	var (
		raw []byte
		err error
	)
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		raw, err = l.fetch(ctx, ref)
	} else {
		raw, err = os.ReadFile(ref)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load image %s: %w", ref, err)
	}
	return Normalize(raw)
}

func (l *ImageLoader) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxQueryImageBytes))
}

// Normalize decodes any supported image, applies EXIF orientation and
// re-encodes it as JPEG.
func Normalize(raw []byte) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(raw), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(95)); err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}
	return buf.Bytes(), nil
}
