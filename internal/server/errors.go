package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/jonathan/story-illustrator/internal/db"
	"github.com/jonathan/story-illustrator/internal/inference"
	"github.com/jonathan/story-illustrator/internal/pipeline"
	"github.com/jonathan/story-illustrator/internal/types"
)

// ErrValidation indicates request validation failure
type ErrValidation struct {
	Field   string
	Message string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("validation error: %s - %s", e.Field, e.Message)
}

// ErrNotFound indicates a missing story
type ErrNotFound struct {
	ID string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("story not found: %s", e.ID)
}

// HTTPStatus returns the appropriate HTTP status code for an error
func HTTPStatus(err error) int {
	var (
		validation *ErrValidation
		notFound   *ErrNotFound
		field      *types.FieldError
	)
	switch {
	case errors.As(err, &validation), errors.As(err, &field), errors.Is(err, types.ErrNoInput):
		return http.StatusBadRequest
	case errors.As(err, &notFound), errors.Is(err, db.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, pipeline.ErrAlreadyClaimed):
		return http.StatusConflict
	case pipeline.IsStorageError(err):
		return http.StatusServiceUnavailable
	}

	switch inference.KindOf(err) {
	case inference.KindInvalidInput:
		return http.StatusBadRequest
	case inference.KindRateLimitExceeded:
		return http.StatusTooManyRequests
	case inference.KindTimeout:
		return http.StatusGatewayTimeout
	case inference.KindAllModelsExhausted:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// errorBody is the JSON error payload. Field is set for validation errors.
type errorBody struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func bodyFor(err error) errorBody {
	var (
		validation *ErrValidation
		field      *types.FieldError
	)
	switch {
	case errors.As(err, &field):
		return errorBody{Error: field.Message, Field: field.Field}
	case errors.As(err, &validation):
		return errorBody{Error: validation.Message, Field: validation.Field}
	case errors.Is(err, types.ErrNoInput):
		return errorBody{Error: types.ErrNoInput.Error()}
	case pipeline.IsStorageError(err):
		return errorBody{Error: "storage unavailable"}
	}
	return errorBody{Error: err.Error()}
}
