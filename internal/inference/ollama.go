package inference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"
)

// OllamaBackend serves text models from a local Ollama server.
type OllamaBackend struct {
	client *api.Client
}

// NewOllamaBackend creates a backend for the server at baseURL
// (e.g. http://localhost:11434).
func NewOllamaBackend(baseURL string, httpClient *http.Client) (*OllamaBackend, error) {
	baseURL = strings.TrimSuffix(strings.TrimSuffix(baseURL, "/"), "/v1")
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Ollama base URL %q: %w", baseURL, err)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &OllamaBackend{client: api.NewClient(parsed, httpClient)}, nil
}

// GenerateText runs a non-streaming chat request.
func (b *OllamaBackend) GenerateText(ctx context.Context, model string, req TextRequest) (string, error) {
	var messages []api.Message
	if req.System != "" {
		messages = append(messages, api.Message{Role: "system", Content: req.System})
	}
	messages = append(messages, api.Message{Role: "user", Content: req.Prompt})

	stream := false
	options := map[string]any{}
	if req.Temperature > 0 {
		options["temperature"] = req.Temperature
	}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}
	chatReq := &api.ChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   &stream,
		Options:  options,
	}
	if req.JSON {
		chatReq.Format = json.RawMessage(`"json"`)
	}

	var content strings.Builder
	err := b.client.Chat(ctx, chatReq, func(r api.ChatResponse) error {
		content.WriteString(r.Message.Content)
		return nil
	})
	if err != nil {
		return "", ollamaError(err)
	}
	return content.String(), nil
}

// ModelStatus reports whether the model is pulled on the server.
func (b *OllamaBackend) ModelStatus(ctx context.Context, model string) ModelStatus {
	if _, err := b.client.Show(ctx, &api.ShowRequest{Model: model}); err != nil {
		var se api.StatusError
		if errors.As(err, &se) && se.StatusCode != http.StatusNotFound {
			return StatusUnknown
		}
		return StatusUnavailable
	}
	return StatusAvailable
}

func ollamaError(err error) error {
	var se api.StatusError
	if errors.As(err, &se) {
		return &ProviderError{
			Kind:       kindFromStatus(se.StatusCode),
			Service:    "ollama",
			StatusCode: se.StatusCode,
			Message:    se.ErrorMessage,
			Cause:      err,
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ProviderError{Kind: ProviderTimeout, Service: "ollama", Cause: err}
	}
	return &ProviderError{Kind: ProviderUnavailable, Service: "ollama", Cause: err}
}
