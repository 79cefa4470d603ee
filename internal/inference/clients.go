package inference

import (
	"context"
	"strings"
)

// Capability names, also used as health service keys.
const (
	CapabilityTranscriber    = "transcriber"
	CapabilityTextGenerator  = "text_generator"
	CapabilityImageGenerator = "image_generator"
)

// Transcriber turns audio into text over an ordered model chain.
type Transcriber struct {
	*client[TranscriptionBackend]
}

// NewTranscriber resolves models against backends once, at construction.
func NewTranscriber(models []ModelRef, backends map[string]TranscriptionBackend, opts Options) (*Transcriber, error) {
	c, err := newClient(CapabilityTranscriber, models, backends, opts)
	if err != nil {
		return nil, err
	}
	return &Transcriber{c}, nil
}

// Transcribe returns the transcript and how it was obtained.
func (t *Transcriber) Transcribe(ctx context.Context, audio Audio) (string, Outcome, error) {
	if len(audio.Data) == 0 {
		return "", Outcome{}, &Error{Kind: KindInvalidInput, Message: "empty audio"}
	}
	return run(ctx, t.client, audio.ModelHint, func(ctx context.Context, b TranscriptionBackend, model string) (string, error) {
		text, err := b.Transcribe(ctx, model, audio)
		if err != nil {
			return "", err
		}
		text = strings.TrimSpace(text)
		if text == "" {
			return "", &ProviderError{Kind: ProviderModelError, Service: "transcription", Message: "empty transcript"}
		}
		return text, nil
	})
}

// TextGenerator generates text over an ordered model chain.
type TextGenerator struct {
	*client[TextBackend]
}

// NewTextGenerator resolves models against backends once, at construction.
func NewTextGenerator(models []ModelRef, backends map[string]TextBackend, opts Options) (*TextGenerator, error) {
	c, err := newClient(CapabilityTextGenerator, models, backends, opts)
	if err != nil {
		return nil, err
	}
	return &TextGenerator{c}, nil
}

// Generate returns the generated text and how it was obtained.
func (g *TextGenerator) Generate(ctx context.Context, req TextRequest) (string, Outcome, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return "", Outcome{}, &Error{Kind: KindInvalidInput, Message: "empty prompt"}
	}
	return run(ctx, g.client, req.ModelHint, func(ctx context.Context, b TextBackend, model string) (string, error) {
		text, err := b.GenerateText(ctx, model, req)
		if err != nil {
			return "", err
		}
		if req.JSON {
			text = CleanJSONBlock(text)
		}
		if strings.TrimSpace(text) == "" {
			return "", &ProviderError{Kind: ProviderModelError, Service: "text", Message: "empty completion"}
		}
		if req.Check != nil {
			if err := req.Check(text); err != nil {
				return "", &ProviderError{Kind: ProviderModelError, Service: "text", Message: "output rejected", Cause: err}
			}
		}
		return text, nil
	})
}

// ImageGenerator generates encoded images over an ordered model chain.
type ImageGenerator struct {
	*client[ImageBackend]
}

// NewImageGenerator resolves models against backends once, at construction.
func NewImageGenerator(models []ModelRef, backends map[string]ImageBackend, opts Options) (*ImageGenerator, error) {
	c, err := newClient(CapabilityImageGenerator, models, backends, opts)
	if err != nil {
		return nil, err
	}
	return &ImageGenerator{c}, nil
}

// Generate returns the encoded image bytes and how they were obtained.
func (g *ImageGenerator) Generate(ctx context.Context, req ImageRequest) ([]byte, Outcome, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, Outcome{}, &Error{Kind: KindInvalidInput, Message: "empty prompt"}
	}
	return run(ctx, g.client, req.ModelHint, func(ctx context.Context, b ImageBackend, model string) ([]byte, error) {
		data, err := b.GenerateImage(ctx, model, req)
		if err != nil {
			return nil, err
		}
		if len(data) == 0 {
			return nil, &ProviderError{Kind: ProviderModelError, Service: "image", Message: "empty image"}
		}
		return data, nil
	})
}
