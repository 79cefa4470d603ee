package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"

	"github.com/pelletier/go-toml/v2"

	"github.com/jonathan/story-illustrator/internal/inference"
)

// Models lists the fallback chain of each capability, most preferred first,
// and optional hourly budgets per backing service.
type Models struct {
	Transcriber    []string       `toml:"transcriber"`
	TextGenerator  []string       `toml:"text_generator"`
	ImageGenerator []string       `toml:"image_generator"`
	Budgets        map[string]int `toml:"budgets"`
}

// DefaultModels returns the built-in chains.
func DefaultModels() Models {
	return Models{
		Transcriber:    slices.Clone(inference.DefaultTranscriptionModels),
		TextGenerator:  slices.Clone(inference.DefaultTextModels),
		ImageGenerator: slices.Clone(inference.DefaultImageModels),
	}
}

// LoadModels reads a models file. A missing file returns DefaultModels;
// chains the file leaves out are filled from the defaults.
func LoadModels(path string) (*Models, error) {
	defaults := DefaultModels()
	if path == "" {
		return &defaults, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &defaults, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read models file %s: %w", path, err)
	}

	var m Models
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse models file %s: %w", path, err)
	}

	merged := m.MergeWithDefaults(defaults)
	if err := merged.Validate(); err != nil {
		return nil, err
	}
	return &merged, nil
}

// MergeWithDefaults returns a copy with empty chains taken from defaults.
// Budgets are merged per service.
func (m *Models) MergeWithDefaults(defaults Models) Models {
	result := *m

	if len(result.Transcriber) == 0 {
		result.Transcriber = defaults.Transcriber
	}
	if len(result.TextGenerator) == 0 {
		result.TextGenerator = defaults.TextGenerator
	}
	if len(result.ImageGenerator) == 0 {
		result.ImageGenerator = defaults.ImageGenerator
	}

	budgets := make(map[string]int, len(defaults.Budgets)+len(m.Budgets))
	for svc, n := range defaults.Budgets {
		budgets[svc] = n
	}
	for svc, n := range m.Budgets {
		budgets[svc] = n
	}
	result.Budgets = budgets
	return result
}

// Validate checks every chain parses and every budget is positive.
func (m *Models) Validate() error {
	chains := []struct {
		name   string
		models []string
	}{
		{inference.CapabilityTranscriber, m.Transcriber},
		{inference.CapabilityTextGenerator, m.TextGenerator},
		{inference.CapabilityImageGenerator, m.ImageGenerator},
	}
	for _, c := range chains {
		if len(c.models) == 0 {
			return fmt.Errorf("config error: %s chain is empty", c.name)
		}
		if _, err := inference.ParseModelRefs(c.models); err != nil {
			return fmt.Errorf("config error: %s chain: %w", c.name, err)
		}
	}
	for svc, n := range m.Budgets {
		if n < 1 {
			return fmt.Errorf("config error: budget for %s must be at least 1, got: %d", svc, n)
		}
	}
	return nil
}

// Refs parses the chains. It panics on chains that did not pass Validate.
func (m *Models) Refs() (transcriber, text, image []inference.ModelRef) {
	must := func(names []string) []inference.ModelRef {
		refs, err := inference.ParseModelRefs(names)
		if err != nil {
			panic(err)
		}
		return refs
	}
	return must(m.Transcriber), must(m.TextGenerator), must(m.ImageGenerator)
}

// Services returns the backing service names the chains use, in first-seen
// order.
func (m *Models) Services() []string {
	seen := map[string]bool{}
	var out []string
	t, x, i := m.Refs()
	for _, refs := range [][]inference.ModelRef{t, x, i} {
		for _, r := range refs {
			if !seen[r.Service] {
				seen[r.Service] = true
				out = append(out, r.Service)
			}
		}
	}
	return out
}
