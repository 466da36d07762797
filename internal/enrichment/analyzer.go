package enrichment

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// Analyzer sends video frames and an instruction to a vision-language model
// and returns the model's JSON reply verbatim.
type Analyzer interface {
	Analyze(ctx context.Context, model string, frames [][]byte, prompt string) (string, error)
}

type OpenAIAnalyzer struct {
	client *openai.Client
}

func NewOpenAIAnalyzer(baseURL, apiKey string, timeout time.Duration) (*OpenAIAnalyzer, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("enrichment base url is required")
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = baseURL
	cfg.HTTPClient = &http.Client{Timeout: timeout}
	return &OpenAIAnalyzer{client: openai.NewClientWithConfig(cfg)}, nil
}

func (a *OpenAIAnalyzer) Analyze(ctx context.Context, model string, frames [][]byte, prompt string) (string, error) {
	if len(frames) == 0 {
		return "", fmt.Errorf("no frames to analyze")
	}

	parts := make([]openai.ChatMessagePart, 0, len(frames)+1)
	for _, f := range frames {
		parts = append(parts, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{
				URL:    "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(f),
				Detail: openai.ImageURLDetailLow,
			},
		})
	}
	parts = append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: prompt})

	resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, MultiContent: parts},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return "", fmt.Errorf("analysis API error (status %d): %s", apiErr.HTTPStatusCode, apiErr.Message)
		}
		return "", fmt.Errorf("failed to call analysis model: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no response from analysis model")
	}
	return resp.Choices[0].Message.Content, nil
}
