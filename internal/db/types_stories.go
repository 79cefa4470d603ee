package db

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Story status values. Only the pipeline moves a story between them.
const (
	StatusPending  = "pending"
	StatusPartial  = "partial"
	StatusComplete = "complete"
	StatusFailed   = "failed"
)

// Pipeline states recorded on a story while it runs.
const (
	StatePending             = "pending"
	StateTranscribing        = "transcribing"
	StateGeneratingStory     = "generating_story"
	StateGeneratingCharacter = "generating_character"
	StateGeneratingImages    = "generating_images"
	StateComposing           = "composing"
)

// Stage names used in generation logs and generation parameters.
const (
	StageTranscribe      = "transcribe"
	StageStory           = "story"
	StageCharacter       = "character"
	StageCharacterImage  = "character_image"
	StageBackgroundImage = "background_image"
	StageCompose         = "compose"
)

// Stages lists every stage in pipeline order.
var Stages = []string{
	StageTranscribe,
	StageStory,
	StageCharacter,
	StageCharacterImage,
	StageBackgroundImage,
	StageCompose,
}

var (
	// ErrNotFound is returned by deletes of a missing story.
	ErrNotFound = errors.New("story not found")
	// ErrMissingInput rejects a story with neither prompt nor audio.
	ErrMissingInput = errors.New("story requires a user prompt or audio input")
)

// IsTerminal reports whether status is final.
func IsTerminal(status string) bool {
	return status == StatusComplete || status == StatusPartial || status == StatusFailed
}

// StageParameters records which model produced a stage's output.
type StageParameters struct {
	ModelUsed    string `json:"model_used"`
	FallbackUsed bool   `json:"fallback_used"`
	AttemptCount int    `json:"attempt_count"`
}

// Story is one generation request and its result.
type Story struct {
	ID                   uuid.UUID                  `json:"id"`
	UserPrompt           *string                    `json:"user_prompt"`
	AudioInput           *string                    `json:"audio_input"`
	TranscribedText      *string                    `json:"transcribed_text"`
	StoryText            *string                    `json:"story_text"`
	CharacterDescription *string                    `json:"character_description"`
	CharacterImage       *string                    `json:"character_image"`
	BackgroundImage      *string                    `json:"background_image"`
	ComposedImage        *string                    `json:"composed_image"`
	GenerationParameters map[string]StageParameters `json:"generation_parameters"`
	ProcessingTime       *float64                   `json:"processing_time"`
	Status               string                     `json:"status"`
	State                string                     `json:"state"`
	ErrorMessage         *string                    `json:"error,omitempty"`
	IdempotencyKey       *string                    `json:"idempotency_key,omitempty"`
	StartedAt            *time.Time                 `json:"started_at,omitempty"`
	CreatedAt            time.Time                  `json:"created_at"`
	UpdatedAt            time.Time                  `json:"updated_at"`
	Logs                 []GenerationLog            `json:"logs"`
}

// Validate checks the creation invariant.
func (s *Story) Validate() error {
	if isBlank(s.UserPrompt) && isBlank(s.AudioInput) {
		return ErrMissingInput
	}
	return nil
}

// GenerationLog is one attempt of one stage.
type GenerationLog struct {
	ID            int64     `json:"id"`
	StoryID       uuid.UUID `json:"story_id"`
	Stage         string    `json:"stage"`
	AttemptNumber int       `json:"attempt_number"`
	ModelUsed     string    `json:"model_used"`
	ServiceUsed   string    `json:"service_used"`
	Succeeded     bool      `json:"succeeded"`
	ErrorKind     *string   `json:"error_kind"`
	ErrorMessage  *string   `json:"error_message,omitempty"`
	DurationMs    int64     `json:"duration_ms"`
	StartedAt     time.Time `json:"started_at"`
	CompletedAt   time.Time `json:"completed_at"`
	CreatedAt     time.Time `json:"created_at"`
}

// Duration returns the attempt duration.
func (l GenerationLog) Duration() time.Duration {
	return time.Duration(l.DurationMs) * time.Millisecond
}

// StageUpdate carries the output of one pipeline stage. Nil fields are left
// unchanged; a field that is already set is never overwritten.
type StageUpdate struct {
	State                string
	TranscribedText      *string
	StoryText            *string
	CharacterDescription *string
	CharacterImage       *string
	BackgroundImage      *string
	ComposedImage        *string
	Parameters           map[string]StageParameters
}

// StoryPreview is the subset of a story shown in listings.
type StoryPreview struct {
	ID             uuid.UUID `json:"id"`
	UserPrompt     *string   `json:"user_prompt"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	ProcessingTime *float64  `json:"processing_time"`
	ComposedImage  *string   `json:"composed_image"`
}

// ListOptions paginates story listings.
type ListOptions struct {
	Limit  int
	Offset int
}

// Normalized returns options with defaults applied.
func (o ListOptions) Normalized() ListOptions {
	if o.Limit <= 0 {
		o.Limit = 20
	}
	if o.Limit > 100 {
		o.Limit = 100
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}

// StoryPage is one page of story previews.
type StoryPage struct {
	Stories []StoryPreview `json:"stories"`
	Total   int            `json:"total"`
	Limit   int            `json:"limit"`
	Offset  int            `json:"offset"`
}

func isBlank(s *string) bool {
	return s == nil || strings.TrimSpace(*s) == ""
}

// StringPtr returns a pointer to s, or nil when s is empty.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
