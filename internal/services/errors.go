package services

import "errors"

var (
	// ErrEmbeddingUnavailable means no vector could be obtained for a text.
	// Callers switch to lexical-only retrieval.
	ErrEmbeddingUnavailable = errors.New("embedding provider unavailable")

	// ErrNotFound is returned when a user-scoped record does not exist
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput is returned for requests that fail validation
	ErrInvalidInput = errors.New("invalid input")

	// ErrGenerationFailed wraps chat-completion failures on the answer path
	ErrGenerationFailed = errors.New("answer generation failed")
)
