package types

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
)

// MaxAudioBytes is the largest accepted audio upload.
const MaxAudioBytes = 10 << 20

// MaxPromptLength bounds the text prompt in characters.
const MaxPromptLength = 2000

// audioTypes maps accepted audio extensions to their MIME types.
var audioTypes = map[string]string{
	".wav":  "audio/wav",
	".mp3":  "audio/mpeg",
	".m4a":  "audio/mp4",
	".ogg":  "audio/ogg",
	".flac": "audio/flac",
}

// SupportedAudioFormats lists the accepted audio extensions.
func SupportedAudioFormats() []string {
	return []string{".wav", ".mp3", ".m4a", ".ogg", ".flac"}
}

// AudioMIMEType returns the MIME type for filename's extension, or "" when
// the format is not supported.
func AudioMIMEType(filename string) string {
	return audioTypes[strings.ToLower(filepath.Ext(filename))]
}

// AudioUpload is an uploaded speech file.
type AudioUpload struct {
	Filename string `validate:"required,audioext"`
	Data     []byte `validate:"required,max=10485760"`
}

// GenerateRequest is an inbound story generation request. At least one of
// UserPrompt and Audio must be present.
type GenerateRequest struct {
	UserPrompt     string       `json:"user_prompt" validate:"max=2000"`
	Audio          *AudioUpload `json:"-" validate:"omitempty"`
	IdempotencyKey string       `json:"idempotency_key,omitempty" validate:"omitempty,max=128,printascii"`
}

// ErrNoInput is returned when a request carries neither prompt nor audio.
var ErrNoInput = errors.New("either user_prompt or audio_file is required")

// FieldError describes the first invalid field of a request.
type FieldError struct {
	Field   string
	Message string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("audioext", func(fl validator.FieldLevel) bool {
		return AudioMIMEType(fl.Field().String()) != ""
	})
	return v
}

// Normalize trims the prompt and drops an empty audio upload.
func (r *GenerateRequest) Normalize() {
	r.UserPrompt = strings.TrimSpace(r.UserPrompt)
	r.IdempotencyKey = strings.TrimSpace(r.IdempotencyKey)
	if r.Audio != nil && r.Audio.Filename == "" && len(r.Audio.Data) == 0 {
		r.Audio = nil
	}
}

// HasAudio reports whether the request carries audio.
func (r *GenerateRequest) HasAudio() bool {
	return r.Audio != nil && len(r.Audio.Data) > 0
}

// Validate normalizes and validates the request. It returns ErrNoInput or
// a *FieldError.
func (r *GenerateRequest) Validate() error {
	r.Normalize()
	if r.UserPrompt == "" && r.Audio == nil {
		return ErrNoInput
	}
	err := validate.Struct(r)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}
	return fieldError(verrs[0])
}

func fieldError(fe validator.FieldError) *FieldError {
	field := fe.Field()
	switch fe.StructNamespace() {
	case "GenerateRequest.Audio.Filename", "GenerateRequest.Audio.Data":
		field = "audio_file"
	case "GenerateRequest.UserPrompt":
		field = "user_prompt"
	case "GenerateRequest.IdempotencyKey":
		field = "idempotency_key"
	}

	var msg string
	switch fe.Tag() {
	case "audioext":
		msg = fmt.Sprintf("unsupported audio format %q (supported: %s)",
			filepath.Ext(fe.Value().(string)), strings.Join(SupportedAudioFormats(), ", "))
	case "max":
		if field == "audio_file" {
			msg = "file too large (max 10MB)"
		} else {
			msg = "must be at most " + fe.Param() + " characters"
		}
	case "required":
		msg = "is required"
	default:
		msg = "failed " + fe.Tag() + " validation"
	}
	return &FieldError{Field: field, Message: msg}
}
