package inference

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"

	"github.com/pkoukk/tiktoken-go"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAIConfig configures an OpenAI-compatible backend.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	// MaxPromptTokens truncates prompts longer than this many tokens. Zero
	// disables truncation.
	MaxPromptTokens int
	ImageSize       string
	HTTPClient      *http.Client
}

// OpenAIBackend serves chat completions, Whisper transcription and image
// generation through an OpenAI-compatible API.
type OpenAIBackend struct {
	client          *openai.Client
	maxPromptTokens int
	imageSize       string
}

// NewOpenAIBackend creates a backend from cfg.
func NewOpenAIBackend(cfg OpenAIConfig) *OpenAIBackend {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if cfg.HTTPClient != nil {
		clientCfg.HTTPClient = cfg.HTTPClient
	}
	size := cfg.ImageSize
	if size == "" {
		size = openai.CreateImageSize1024x1024
	}
	return &OpenAIBackend{
		client:          openai.NewClientWithConfig(clientCfg),
		maxPromptTokens: cfg.MaxPromptTokens,
		imageSize:       size,
	}
}

// GenerateText runs a chat completion.
func (b *OpenAIBackend) GenerateText(ctx context.Context, model string, req TextRequest) (string, error) {
	var messages []openai.ChatCompletionMessage
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: b.fitPrompt(model, req.Prompt),
	})

	chatReq := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if req.JSON {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}

	resp, err := b.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return "", openAIError(err)
	}
	if len(resp.Choices) == 0 {
		return "", &ProviderError{Kind: ProviderModelError, Service: "openai", Message: "no choices in response"}
	}
	return resp.Choices[0].Message.Content, nil
}

// Transcribe runs a Whisper transcription.
func (b *OpenAIBackend) Transcribe(ctx context.Context, model string, audio Audio) (string, error) {
	name := audio.Filename
	if name == "" {
		name = "audio.wav"
	}
	resp, err := b.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    model,
		FilePath: name,
		Reader:   bytes.NewReader(audio.Data),
	})
	if err != nil {
		return "", openAIError(err)
	}
	return resp.Text, nil
}

// GenerateImage creates one image and returns its decoded bytes.
func (b *OpenAIBackend) GenerateImage(ctx context.Context, model string, req ImageRequest) ([]byte, error) {
	resp, err := b.client.CreateImage(ctx, openai.ImageRequest{
		Prompt:         req.Prompt,
		Model:          model,
		N:              1,
		Size:           b.imageSize,
		ResponseFormat: openai.CreateImageResponseFormatB64JSON,
	})
	if err != nil {
		return nil, openAIError(err)
	}
	if len(resp.Data) == 0 || resp.Data[0].B64JSON == "" {
		return nil, &ProviderError{Kind: ProviderModelError, Service: "openai", Message: "no image data in response"}
	}
	data, err := base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
	if err != nil {
		return nil, &ProviderError{Kind: ProviderModelError, Service: "openai", Message: "invalid image encoding", Cause: err}
	}
	return data, nil
}

// ModelStatus looks the model up in the models endpoint.
func (b *OpenAIBackend) ModelStatus(ctx context.Context, model string) ModelStatus {
	if _, err := b.client.GetModel(ctx, model); err != nil {
		var pe *ProviderError
		if errors.As(openAIError(err), &pe) && pe.StatusCode != 0 && pe.StatusCode != http.StatusNotFound {
			return StatusUnknown
		}
		return StatusUnavailable
	}
	return StatusAvailable
}

// fitPrompt truncates prompt to the configured token budget.
func (b *OpenAIBackend) fitPrompt(model, prompt string) string {
	if b.maxPromptTokens <= 0 {
		return prompt
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return prompt
		}
	}
	tokens := enc.Encode(prompt, nil, nil)
	if len(tokens) <= b.maxPromptTokens {
		return prompt
	}
	return enc.Decode(tokens[:b.maxPromptTokens])
}

func openAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &ProviderError{
			Kind:       kindFromStatus(apiErr.HTTPStatusCode),
			Service:    "openai",
			StatusCode: apiErr.HTTPStatusCode,
			Message:    apiErr.Message,
			Cause:      err,
		}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &ProviderError{
			Kind:       kindFromStatus(reqErr.HTTPStatusCode),
			Service:    "openai",
			StatusCode: reqErr.HTTPStatusCode,
			Cause:      err,
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ProviderError{Kind: ProviderTimeout, Service: "openai", Cause: err}
	}
	return &ProviderError{Kind: ProviderUnavailable, Service: "openai", Message: fmt.Sprintf("request failed: %v", err)}
}
