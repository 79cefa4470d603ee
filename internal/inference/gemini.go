package inference

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// GeminiBackend serves text models through Google Gemini.
type GeminiBackend struct {
	client *genai.Client
}

// NewGeminiBackend creates a Gemini backend.
func NewGeminiBackend(ctx context.Context, apiKey string) (*GeminiBackend, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("API key is required")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return &GeminiBackend{client: client}, nil
}

// GenerateText generates content with the named model.
func (b *GeminiBackend) GenerateText(ctx context.Context, model string, req TextRequest) (string, error) {
	m := b.client.GenerativeModel(model)
	if req.Temperature > 0 {
		m.SetTemperature(req.Temperature)
	}
	if req.MaxTokens > 0 {
		m.SetMaxOutputTokens(int32(req.MaxTokens))
	}
	if req.System != "" {
		m.SystemInstruction = genai.NewUserContent(genai.Text(req.System))
	}
	if req.JSON {
		m.ResponseMIMEType = "application/json"
	}

	resp, err := m.GenerateContent(ctx, genai.Text(req.Prompt))
	if err != nil {
		return "", geminiError(err)
	}
	return extractTextFromResponse(resp)
}

// ModelStatus fetches model metadata.
func (b *GeminiBackend) ModelStatus(ctx context.Context, model string) ModelStatus {
	if _, err := b.client.GenerativeModel(model).Info(ctx); err != nil {
		var ge *googleapi.Error
		if errors.As(err, &ge) && ge.Code != http.StatusNotFound {
			return StatusUnknown
		}
		return StatusUnavailable
	}
	return StatusAvailable
}

// Close releases resources held by the client.
func (b *GeminiBackend) Close() error {
	if b.client != nil {
		return b.client.Close()
	}
	return nil
}

// extractTextFromResponse joins the text parts of the first candidate.
func extractTextFromResponse(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", &ProviderError{Kind: ProviderModelError, Service: "gemini", Message: "no candidates in response"}
	}

	candidate := resp.Candidates[0]
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return "", &ProviderError{Kind: ProviderModelError, Service: "gemini", Message: "no content in response"}
	}

	var parts []string
	for _, part := range candidate.Content.Parts {
		if text, ok := part.(genai.Text); ok {
			parts = append(parts, string(text))
		}
	}
	if len(parts) == 0 {
		return "", &ProviderError{Kind: ProviderModelError, Service: "gemini", Message: "no text parts in response"}
	}
	return strings.Join(parts, ""), nil
}

func geminiError(err error) error {
	var ge *googleapi.Error
	if errors.As(err, &ge) {
		return &ProviderError{
			Kind:       kindFromStatus(ge.Code),
			Service:    "gemini",
			StatusCode: ge.Code,
			Message:    ge.Message,
			Cause:      err,
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ProviderError{Kind: ProviderTimeout, Service: "gemini", Cause: err}
	}
	return &ProviderError{Kind: ProviderModelError, Service: "gemini", Cause: err}
}
