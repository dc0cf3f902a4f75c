package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when an entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrorInfo holds structured failure information for an Artifact.
type ErrorInfo struct {
	FailedStep string `json:"failed_step"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable"`
	FailedAt   string `json:"failed_at"`
}

// ToJSON serializes ErrorInfo to a JSON string.
func (e ErrorInfo) ToJSON() string {
	b, _ := json.Marshal(e)
	return string(b)
}

// NewErrorInfo builds an ErrorInfo for err at step.
func NewErrorInfo(step string, err error) ErrorInfo {
	return ErrorInfo{
		FailedStep: step,
		Message:    err.Error(),
		Retryable:  IsRetryable(err),
		FailedAt:   time.Now().UTC().Format(time.RFC3339),
	}
}

// ValidationError reports bad input. Nothing has been written when it is returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// Invalid is shorthand for a *ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// StateTransitionError reports an illegal lifecycle transition.
type StateTransitionError struct {
	ArtifactID string
	From       Status
	Event      Event
}

func (e *StateTransitionError) Error() string {
	if e.ArtifactID == "" {
		return fmt.Sprintf("illegal transition %q from status %q", e.Event, e.From)
	}
	return fmt.Sprintf("artifact %s: illegal transition %q from status %q", e.ArtifactID, e.Event, e.From)
}

// Provider error kinds.
const (
	ProviderAuth        = "auth"
	ProviderRateLimit   = "rate_limit"
	ProviderUnavailable = "unavailable"
	ProviderMalformed   = "malformed"
)

// ProviderError is a failure of the generation capability.
type ProviderError struct {
	Provider string
	Kind     string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s (%s): %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// TimeoutError reports a generation call that exceeded its deadline.
type TimeoutError struct {
	Role  string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("generation for role %s timed out after %s", e.Role, e.After)
}

// ChannelError is a failure of the external messaging channel.
type ChannelError struct {
	Channel   string
	Retryable bool
	Err       error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("channel %s: %v", e.Channel, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

// ConflictError reports a lost race on a resource. Losers of a claim treat it as a no-op.
type ConflictError struct {
	Resource string
	ID       string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s: concurrent modification", e.Resource, e.ID)
}

// IsConflict reports whether err is a *ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// IsRetryable reports whether err is transient: the caller may re-invoke the
// operation and expect a different result.
func IsRetryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind != ProviderAuth
	}
	var te *TimeoutError
	if errors.As(err, &te) {
		return true
	}
	var ce *ChannelError
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return false
}
