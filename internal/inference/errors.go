// Package inference provides the capability clients (Transcriber,
// TextGenerator, ImageGenerator) that run an ordered chain of models behind
// the rate limiter and the retry executor, plus the provider backends they
// call.
package inference

import (
	"context"
	"errors"
	"fmt"

	"github.com/jonathan/story-illustrator/internal/retry"
)

// Kind is the pipeline-facing error taxonomy.
type Kind string

const (
	KindRateLimitExceeded  Kind = "rate_limit_exceeded"
	KindTimeout            Kind = "timeout"
	KindTransient          Kind = "transient_service_error"
	KindAllModelsExhausted Kind = "all_models_exhausted"
	KindInvalidInput       Kind = "invalid_input"
	KindStorageFailure     Kind = "storage_failure"
)

// Error is a classified inference failure.
type Error struct {
	Kind    Kind
	Model   string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Model != "" {
		msg += " (" + e.Model + ")"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// ProviderKind is the failure contract at the provider boundary.
type ProviderKind string

const (
	ProviderUnavailable  ProviderKind = "unavailable"
	ProviderRateLimited  ProviderKind = "rate_limited"
	ProviderTimeout      ProviderKind = "timeout"
	ProviderInvalidInput ProviderKind = "invalid_input"
	ProviderModelError   ProviderKind = "model_error"
)

// ProviderError is returned by backends.
type ProviderError struct {
	Kind       ProviderKind
	Service    string
	StatusCode int
	Message    string
	Cause      error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s %s", e.Service, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// KindOf returns the Kind carried by err. Provider errors are mapped into
// the pipeline taxonomy; anything unclassified is transient.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Kind
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return kindFromProvider(pe.Kind)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindTransient
}

func kindFromProvider(k ProviderKind) Kind {
	switch k {
	case ProviderRateLimited:
		return KindRateLimitExceeded
	case ProviderTimeout:
		return KindTimeout
	case ProviderInvalidInput:
		return KindInvalidInput
	default:
		return KindTransient
	}
}

// Classify maps an error to its retry class.
func Classify(err error) retry.Class {
	switch KindOf(err) {
	case KindRateLimitExceeded:
		return retry.RateLimited
	case KindInvalidInput, KindAllModelsExhausted, KindStorageFailure:
		return retry.Terminal
	default:
		return retry.Transient
	}
}

// IsExhausted reports whether err is an AllModelsExhausted failure.
func IsExhausted(err error) bool {
	return KindOf(err) == KindAllModelsExhausted
}
