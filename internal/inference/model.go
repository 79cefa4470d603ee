package inference

import (
	"fmt"
	"strings"
)

// ModelRef names one model on one backing service.
type ModelRef struct {
	Service string
	Name    string
}

// ParseModelRef parses "service:model". The model part may itself contain
// colons or slashes.
func ParseModelRef(s string) (ModelRef, error) {
	service, name, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || service == "" || name == "" {
		return ModelRef{}, fmt.Errorf("invalid model reference %q: want service:model", s)
	}
	return ModelRef{Service: strings.ToLower(service), Name: name}, nil
}

// ParseModelRefs parses an ordered model list.
func ParseModelRefs(refs []string) ([]ModelRef, error) {
	out := make([]ModelRef, 0, len(refs))
	for _, r := range refs {
		m, err := ParseModelRef(r)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (m ModelRef) String() string {
	return m.Service + ":" + m.Name
}

// ModelStatus is the result of a status probe.
type ModelStatus string

const (
	StatusAvailable   ModelStatus = "available"
	StatusUnavailable ModelStatus = "unavailable"
	StatusUnknown     ModelStatus = "unknown"
)

// Default model chains.
var (
	DefaultImageModels = []string{
		"huggingface:runwayml/stable-diffusion-v1-5",
		"huggingface:CompVis/stable-diffusion-v1-4",
		"huggingface:stabilityai/stable-diffusion-2-1",
	}
	DefaultTextModels = []string{
		"huggingface:microsoft/DialoGPT-medium",
		"ollama:gpt2",
	}
	DefaultTranscriptionModels = []string{
		"openai:whisper-1",
		"huggingface:openai/whisper-large-v3",
	}
)
