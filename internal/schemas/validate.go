// Package schemas validates structured model output against JSON schemas
// embedded in the binary.
package schemas

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed character.schema.json
var characterSchema string

// ValidationError lists every schema violation of a document.
type ValidationError struct {
	Errors []FieldError
}

// FieldError is a single violation at a field path.
type FieldError struct {
	Field   string
	Message string
}

func (ve *ValidationError) Error() string {
	var sb strings.Builder
	sb.WriteString("validation failed:\n")
	for i, err := range ve.Errors {
		sb.WriteString(fmt.Sprintf("  %d. %s: %s\n", i+1, err.Field, err.Message))
	}
	return sb.String()
}

// SchemaLoadError means the schema or the document could not be parsed.
type SchemaLoadError struct {
	Path    string
	Message string
	Cause   error
}

func (e *SchemaLoadError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("failed to load schema %s: %s: %v", e.Path, e.Message, e.Cause)
	}
	return fmt.Sprintf("failed to load schema %s: %s", e.Path, e.Message)
}

func (e *SchemaLoadError) Unwrap() error {
	return e.Cause
}

// ValidateJSONString validates JSON content against schema content.
func ValidateJSONString(schemaContent, jsonContent string) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(schemaContent),
		gojsonschema.NewStringLoader(jsonContent),
	)
	if err != nil {
		return &SchemaLoadError{
			Path:    "(string schema)",
			Message: "schema validation failed during load",
			Cause:   err,
		}
	}
	if result.Valid() {
		return nil
	}

	validationErr := &ValidationError{
		Errors: make([]FieldError, 0, len(result.Errors())),
	}
	for _, desc := range result.Errors() {
		field := desc.Field()
		if field == "" {
			field = "(root)"
		}
		validationErr.Errors = append(validationErr.Errors, FieldError{
			Field:   field,
			Message: desc.Description(),
		})
	}
	return validationErr
}

// Character is the structured description produced by the character stage.
type Character struct {
	Name         string `json:"name"`
	Appearance   string `json:"appearance"`
	Personality  string `json:"personality,omitempty"`
	Role         string `json:"role,omitempty"`
	VisualPrompt string `json:"visual_prompt,omitempty"`
}

// ValidateCharacter validates content against the character schema and
// decodes it.
func ValidateCharacter(content string) (*Character, error) {
	if err := ValidateJSONString(characterSchema, content); err != nil {
		return nil, err
	}
	var c Character
	if err := json.Unmarshal([]byte(content), &c); err != nil {
		return nil, fmt.Errorf("failed to decode character: %w", err)
	}
	return &c, nil
}

// Text renders the character as the prose stored on the story.
func (c *Character) Text() string {
	var parts []string
	add := func(label, v string) {
		if v = strings.TrimSpace(v); v != "" {
			parts = append(parts, label+v)
		}
	}
	add("", c.Name+".")
	add("", c.Appearance)
	add("Personality: ", c.Personality)
	add("Role: ", c.Role)
	return strings.Join(parts, " ")
}

// ImagePrompt returns the most visual description available.
func (c *Character) ImagePrompt() string {
	if p := strings.TrimSpace(c.VisualPrompt); p != "" {
		return p
	}
	return strings.TrimSpace(c.Name + ", " + c.Appearance)
}
