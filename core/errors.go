package core

import (
	"errors"
	"fmt"
)

// Error taxonomy. Every error surfaced by a component wraps one of these.
var (
	// ErrValidation is returned for malformed requests (empty target, non-positive timeout, bad parameters)
	ErrValidation = errors.New("validation error")
	// ErrToolNotInstalled is returned when a tool is unknown or its binary is missing
	ErrToolNotInstalled = errors.New("tool not installed")
	// ErrParse is returned when a parser cannot extract a structured result
	ErrParse = errors.New("parse error")
	// ErrTimeout marks an execution stopped by its watchdog
	ErrTimeout = errors.New("execution timed out")
	// ErrCancelled marks an execution stopped on request
	ErrCancelled = errors.New("execution cancelled")
	// ErrInvalidTransition is returned for lifecycle transitions outside the allowed tables
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrNotFound is returned when an identifier does not resolve
	ErrNotFound = errors.New("not found")
)

// ValidationError describes which field of a request was rejected
type ValidationError struct {
	Field  string
	Reason string
}

// NewValidationError creates a ValidationError for a field
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation error: %s", e.Reason)
	}
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Reason)
}

// Unwrap allows errors.Is(err, ErrValidation)
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// ParseError describes a parser failure
type ParseError struct {
	Parser string
	Reason string
}

// NewParseError creates a ParseError for the named parser
func NewParseError(parser, reason string) *ParseError {
	return &ParseError{Parser: parser, Reason: reason}
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error (%s): %s", e.Parser, e.Reason)
}

// Unwrap allows errors.Is(err, ErrParse)
func (e *ParseError) Unwrap() error {
	return ErrParse
}

// ToolNotInstalledError names the tool that failed resolution
type ToolNotInstalledError struct {
	ToolID string
	Path   string
}

func (e *ToolNotInstalledError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("tool not installed: %s", e.ToolID)
	}
	return fmt.Sprintf("tool not installed: %s (expected at %s)", e.ToolID, e.Path)
}

// Unwrap allows errors.Is(err, ErrToolNotInstalled)
func (e *ToolNotInstalledError) Unwrap() error {
	return ErrToolNotInstalled
}

// TransitionError describes a rejected lifecycle transition
type TransitionError struct {
	From    string
	To      string
	Allowed []string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s → %s (allowed: %v)", e.From, e.To, e.Allowed)
}

// Unwrap allows errors.Is(err, ErrInvalidTransition)
func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}
