package inference

import "context"

// TextRequest is the input of a text generation call.
type TextRequest struct {
	Prompt      string
	System      string
	MaxTokens   int
	Temperature float32
	// JSON asks the provider for a JSON object response where supported.
	JSON bool
	// ModelHint, when it names a configured model, moves that model to the
	// front of the chain for this call.
	ModelHint string
	// Check, when set, rejects unusable output. A rejection counts as a
	// model error, so the attempt is retried and then falls back.
	Check func(text string) error `json:"-"`
}

// ImageRequest is the input of an image generation call.
type ImageRequest struct {
	Prompt         string
	NegativePrompt string
	Width          int
	Height         int
	ModelHint      string
}

// Audio is the input of a transcription call.
type Audio struct {
	Data      []byte
	Filename  string
	MIMEType  string
	ModelHint string
}

// TextBackend generates text with a named model.
type TextBackend interface {
	GenerateText(ctx context.Context, model string, req TextRequest) (string, error)
}

// ImageBackend generates an encoded image with a named model.
type ImageBackend interface {
	GenerateImage(ctx context.Context, model string, req ImageRequest) ([]byte, error)
}

// TranscriptionBackend turns speech into text with a named model.
type TranscriptionBackend interface {
	Transcribe(ctx context.Context, model string, audio Audio) (string, error)
}

// StatusProber is implemented by backends that can report model readiness.
type StatusProber interface {
	ModelStatus(ctx context.Context, model string) ModelStatus
}

// Limiter gates outbound calls per backing service.
type Limiter interface {
	TryAcquire(ctx context.Context, service string) bool
}

// Capability is the read-only view of a client used by health checks.
type Capability interface {
	Name() string
	Models() []ModelRef
	CheckModelStatus(ctx context.Context, model ModelRef) ModelStatus
}
