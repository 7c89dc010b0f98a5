package domain

import (
	"context"
	"errors"
)

// Sentinel errors for the assistant domain. Use errors.Is() to check these.
var (
	// ErrInvalidEvent indicates a malformed inbound message (schema mismatch).
	// Never retried; routed directly to the dead-letter topic.
	ErrInvalidEvent = errors.New("invalid inbound event")

	// ErrConcurrencyConflict indicates an optimistic-concurrency failure on
	// append: another writer already advanced the aggregate stream.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrAlreadyProcessed indicates an outcome event for the same
	// (source, causationId) pair is already committed. Not a failure; the
	// inbound message is acknowledged without reprocessing.
	ErrAlreadyProcessed = errors.New("event already processed")

	// ErrDuplicateEvent indicates an event with the same id is already stored.
	ErrDuplicateEvent = errors.New("duplicate event id")

	// ErrEventNotFound indicates no stored event matched the lookup.
	ErrEventNotFound = errors.New("event not found")

	// ErrGenerationFailed indicates the reply generation call failed after
	// exhausting its bounded retries.
	ErrGenerationFailed = errors.New("generation failed")

	// ErrFatal indicates dead-letter delivery itself failed after retries.
	// Processing for the partition halts; the operator must intervene.
	ErrFatal = errors.New("fatal pipeline error")
)

// FailureKind is the errorType annotation written on dead-letter copies.
type FailureKind string

const (
	FailureValidation  FailureKind = "ValidationError"
	FailureTransient   FailureKind = "TransientError"
	FailureConcurrency FailureKind = "ConcurrencyConflict"
	FailureGeneration  FailureKind = "GenerationError"
)

// Classify maps an error to the dead-letter FailureKind. Anything not
// recognized is treated as transient, the conservative default for retries
// that already exhausted.
func Classify(err error) FailureKind {
	switch {
	case errors.Is(err, ErrInvalidEvent):
		return FailureValidation
	case errors.Is(err, ErrConcurrencyConflict):
		return FailureConcurrency
	case errors.Is(err, ErrGenerationFailed):
		return FailureGeneration
	case errors.Is(err, context.DeadlineExceeded):
		return FailureTransient
	default:
		return FailureTransient
	}
}
