package inference

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/generative-ai-go/genai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/story-illustrator/internal/retry"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"inference error", &Error{Kind: KindTimeout}, KindTimeout},
		{"wrapped inference error", fmt.Errorf("stage: %w", &Error{Kind: KindInvalidInput}), KindInvalidInput},
		{"provider rate limited", &ProviderError{Kind: ProviderRateLimited}, KindRateLimitExceeded},
		{"provider timeout", &ProviderError{Kind: ProviderTimeout}, KindTimeout},
		{"provider invalid input", &ProviderError{Kind: ProviderInvalidInput}, KindInvalidInput},
		{"provider unavailable", &ProviderError{Kind: ProviderUnavailable}, KindTransient},
		{"provider model error", &ProviderError{Kind: ProviderModelError}, KindTransient},
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"plain", errors.New("boom"), KindTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestClassify(t *testing.T) {
	assert.Equal(t, retry.RateLimited, Classify(&Error{Kind: KindRateLimitExceeded}))
	assert.Equal(t, retry.Terminal, Classify(&Error{Kind: KindInvalidInput}))
	assert.Equal(t, retry.Transient, Classify(&Error{Kind: KindTimeout}))
	assert.Equal(t, retry.Transient, Classify(&Error{Kind: KindTransient}))
}

func TestError_Message(t *testing.T) {
	err := &Error{Kind: KindTimeout, Model: "huggingface:a", Message: "slow", Cause: errors.New("deadline")}
	assert.Equal(t, "timeout (huggingface:a): slow: deadline", err.Error())

	pe := &ProviderError{Kind: ProviderRateLimited, Service: "openai", StatusCode: 429, Message: "slow down"}
	assert.Equal(t, "openai rate_limited (status 429): slow down", pe.Error())
}

func TestParseModelRef(t *testing.T) {
	m, err := ParseModelRef("HuggingFace:runwayml/stable-diffusion-v1-5")
	require.NoError(t, err)
	assert.Equal(t, "huggingface", m.Service)
	assert.Equal(t, "runwayml/stable-diffusion-v1-5", m.Name)
	assert.Equal(t, "huggingface:runwayml/stable-diffusion-v1-5", m.String())

	m, err = ParseModelRef("ollama:llama3:8b")
	require.NoError(t, err)
	assert.Equal(t, "llama3:8b", m.Name)

	for _, bad := range []string{"", "noservice", ":model", "service:"} {
		_, err := ParseModelRef(bad)
		assert.Error(t, err, bad)
	}

	_, err = ParseModelRefs([]string{"openai:whisper-1", "bad"})
	assert.Error(t, err)
}

func TestDefaultChainsParse(t *testing.T) {
	for _, chain := range [][]string{DefaultImageModels, DefaultTextModels, DefaultTranscriptionModels} {
		refs, err := ParseModelRefs(chain)
		require.NoError(t, err)
		assert.NotEmpty(t, refs)
	}
}

func TestExtractTextFromResponse(t *testing.T) {
	resp := &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []genai.Part{genai.Text("STORY: "), genai.Text("a tale")}},
		}},
	}
	text, err := extractTextFromResponse(resp)
	require.NoError(t, err)
	assert.Equal(t, "STORY: a tale", text)

	_, err = extractTextFromResponse(&genai.GenerateContentResponse{})
	assert.Equal(t, KindTransient, KindOf(err))
}
