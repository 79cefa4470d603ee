package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultHuggingFaceURL is the hosted inference API.
const DefaultHuggingFaceURL = "https://api-inference.huggingface.co"

const maxErrorBody = 512

// HuggingFaceBackend calls the Hugging Face inference API. It serves text,
// image and transcription models.
type HuggingFaceBackend struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewHuggingFaceBackend creates a backend. An empty baseURL uses the hosted
// API; a nil httpClient uses a client with a two minute timeout.
func NewHuggingFaceBackend(baseURL, token string, httpClient *http.Client) *HuggingFaceBackend {
	if baseURL == "" {
		baseURL = DefaultHuggingFaceURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 2 * time.Minute}
	}
	return &HuggingFaceBackend{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		http:    httpClient,
	}
}

type hfTextPayload struct {
	Inputs     string           `json:"inputs"`
	Parameters hfTextParameters `json:"parameters"`
}

type hfTextParameters struct {
	MaxNewTokens   int     `json:"max_new_tokens,omitempty"`
	Temperature    float32 `json:"temperature,omitempty"`
	ReturnFullText bool    `json:"return_full_text"`
	DoSample       bool    `json:"do_sample"`
}

type hfImagePayload struct {
	Inputs     string            `json:"inputs"`
	Parameters hfImageParameters `json:"parameters"`
}

type hfImageParameters struct {
	NegativePrompt    string  `json:"negative_prompt,omitempty"`
	Width             int     `json:"width,omitempty"`
	Height            int     `json:"height,omitempty"`
	NumInferenceSteps int     `json:"num_inference_steps"`
	GuidanceScale     float64 `json:"guidance_scale"`
}

// GenerateText runs a text-generation model.
func (b *HuggingFaceBackend) GenerateText(ctx context.Context, model string, req TextRequest) (string, error) {
	prompt := req.Prompt
	if req.System != "" {
		prompt = req.System + "\n\n" + prompt
	}
	temperature := req.Temperature
	if temperature == 0 {
		temperature = 0.8
	}
	body, err := json.Marshal(hfTextPayload{
		Inputs: prompt,
		Parameters: hfTextParameters{
			MaxNewTokens:   req.MaxTokens,
			Temperature:    temperature,
			ReturnFullText: false,
			DoSample:       true,
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode request: %w", err)
	}

	data, _, err := b.post(ctx, model, "application/json", body)
	if err != nil {
		return "", err
	}

	var results []struct {
		GeneratedText string `json:"generated_text"`
	}
	if err := json.Unmarshal(data, &results); err != nil || len(results) == 0 {
		return "", &ProviderError{Kind: ProviderModelError, Service: "huggingface", Message: "unexpected response format", Cause: err}
	}
	return results[0].GeneratedText, nil
}

// GenerateImage runs a diffusion model and returns the image bytes.
func (b *HuggingFaceBackend) GenerateImage(ctx context.Context, model string, req ImageRequest) ([]byte, error) {
	body, err := json.Marshal(hfImagePayload{
		Inputs: req.Prompt,
		Parameters: hfImageParameters{
			NegativePrompt:    req.NegativePrompt,
			Width:             req.Width,
			Height:            req.Height,
			NumInferenceSteps: 20,
			GuidanceScale:     7.5,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	data, contentType, err := b.post(ctx, model, "application/json", body)
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(contentType, "image/") {
		return nil, &ProviderError{
			Kind:    ProviderModelError,
			Service: "huggingface",
			Message: "expected image response, got " + contentType,
		}
	}
	return data, nil
}

// Transcribe runs a speech recognition model on raw audio bytes.
func (b *HuggingFaceBackend) Transcribe(ctx context.Context, model string, audio Audio) (string, error) {
	contentType := audio.MIMEType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	data, _, err := b.post(ctx, model, contentType, audio.Data)
	if err != nil {
		return "", err
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", &ProviderError{Kind: ProviderModelError, Service: "huggingface", Message: "unexpected response format", Cause: err}
	}
	return result.Text, nil
}

// ModelStatus asks the status endpoint whether model is loaded. A loading
// model reports Unknown; a missing one or an unreachable API reports
// Unavailable.
func (b *HuggingFaceBackend) ModelStatus(ctx context.Context, model string) ModelStatus {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/status/"+modelPath(model), nil)
	if err != nil {
		return StatusUnavailable
	}
	b.authorize(req)

	resp, err := b.http.Do(req)
	if err != nil {
		return StatusUnavailable
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var s struct {
			Loaded *bool  `json:"loaded"`
			State  string `json:"state"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&s); err == nil && s.Loaded != nil && !*s.Loaded {
			return StatusUnknown
		}
		return StatusAvailable
	case http.StatusServiceUnavailable:
		return StatusUnknown
	case http.StatusNotFound, http.StatusGone:
		return StatusUnavailable
	default:
		return StatusUnknown
	}
}

func (b *HuggingFaceBackend) post(ctx context.Context, model, contentType string, body []byte) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/models/"+modelPath(model), bytes.NewReader(body))
	if err != nil {
		return nil, "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	b.authorize(req)

	resp, err := b.http.Do(req)
	if err != nil {
		kind := ProviderUnavailable
		if errors.Is(err, context.DeadlineExceeded) {
			kind = ProviderTimeout
		}
		return nil, "", &ProviderError{Kind: kind, Service: "huggingface", Cause: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", &ProviderError{Kind: ProviderUnavailable, Service: "huggingface", Message: "failed to read response", Cause: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, "", &ProviderError{
			Kind:       kindFromStatus(resp.StatusCode),
			Service:    "huggingface",
			StatusCode: resp.StatusCode,
			Message:    truncateRunes(strings.TrimSpace(string(data)), maxErrorBody),
		}
	}
	return data, resp.Header.Get("Content-Type"), nil
}

func (b *HuggingFaceBackend) authorize(req *http.Request) {
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}
}

// modelPath escapes each segment of an "org/name" model id.
func modelPath(model string) string {
	parts := strings.Split(model, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

// kindFromStatus maps an HTTP status code to the provider error contract.
func kindFromStatus(code int) ProviderKind {
	switch {
	case code == http.StatusTooManyRequests:
		return ProviderRateLimited
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return ProviderTimeout
	case code == http.StatusBadRequest || code == http.StatusRequestEntityTooLarge ||
		code == http.StatusUnprocessableEntity || code == http.StatusUnsupportedMediaType:
		return ProviderInvalidInput
	case code == http.StatusServiceUnavailable || code == http.StatusNotFound ||
		code == http.StatusUnauthorized || code == http.StatusForbidden || code == http.StatusBadGateway:
		return ProviderUnavailable
	default:
		return ProviderModelError
	}
}
