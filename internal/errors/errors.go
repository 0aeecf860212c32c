// Package errors provides the consolidated error definitions for airwatch.
//
// This file provides:
//   - Sentinel errors for the warehouse error taxonomy
//   - Typed errors carrying record and view context
//   - Error category checking functions
//   - Error wrapping utilities
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// Sentinel errors
// ============================================================================

var (
	// Ingestion errors
	ErrMalformedRecord = errors.New("malformed record")
	ErrSchemaDrift     = errors.New("schema drift")

	// ErrResolutionConflict marks two readings that tie on every ordering key.
	// It is counted and logged by the resolver, never returned to callers.
	ErrResolutionConflict = errors.New("resolution conflict")

	// Refresh errors
	ErrRefreshFailed = errors.New("refresh failed")

	// Extraction errors
	ErrExtractionFailed = errors.New("extraction failed")
	ErrSourceNotFound   = errors.New("source file not found")
	ErrCircuitOpen      = errors.New("source circuit breaker open")

	// Validation errors
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingField  = errors.New("missing required field")
	ErrInvalidMonth  = errors.New("invalid month")

	// State errors
	ErrNotRunning     = errors.New("service not running")
	ErrAlreadyRunning = errors.New("service already running")
	ErrClosed         = errors.New("closed")

	// Query errors
	ErrUnknownView = errors.New("unknown view")
	ErrReadOnly    = errors.New("statement is not read-only")
	ErrDatabase    = errors.New("database error")
)

// ============================================================================
// Helper functions for error checking
// ============================================================================

// New is a convenience wrapper for errors.New
var New = errors.New

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// Join is a convenience wrapper for errors.Join
var Join = errors.Join

// IsMalformed returns true if err reports a malformed reading.
func IsMalformed(err error) bool {
	return errors.Is(err, ErrMalformedRecord)
}

// IsRefreshFailure returns true if err reports a failed derived-view refresh.
func IsRefreshFailure(err error) bool {
	return errors.Is(err, ErrRefreshFailed)
}

// IsValidation returns true if err is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingField) ||
		errors.Is(err, ErrInvalidMonth) ||
		errors.Is(err, ErrMalformedRecord)
}

// IsRetriable returns true if the error is potentially retriable.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrRefreshFailed) ||
		errors.Is(err, ErrCircuitOpen) ||
		errors.Is(err, ErrDatabase)
}

// ============================================================================
// Typed errors
// ============================================================================

// MalformedRecordError describes one reading rejected at append time.
type MalformedRecordError struct {
	// Index is the position of the reading in its batch.
	Index int
	// Fields lists the missing or invalid fields.
	Fields []string
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("reading %d: invalid %s", e.Index, strings.Join(e.Fields, ", "))
}

func (e *MalformedRecordError) Unwrap() error {
	return ErrMalformedRecord
}

// DriftWarning reports a reading whose location or parameter is unknown to
// the configured catalog. The reading is still stored.
type DriftWarning struct {
	Index      int
	LocationID string
	Parameter  string
	// UnknownLocation and UnknownParameter tell which side drifted.
	UnknownLocation  bool
	UnknownParameter bool
}

func (w *DriftWarning) Error() string {
	switch {
	case w.UnknownLocation && w.UnknownParameter:
		return fmt.Sprintf("reading %d: unknown location %q and parameter %q", w.Index, w.LocationID, w.Parameter)
	case w.UnknownLocation:
		return fmt.Sprintf("reading %d: unknown location %q", w.Index, w.LocationID)
	default:
		return fmt.Sprintf("reading %d: unknown parameter %q", w.Index, w.Parameter)
	}
}

func (w *DriftWarning) Unwrap() error {
	return ErrSchemaDrift
}

// RefreshError reports a derived view that could not be refreshed.
// The view's previous content remains valid and queryable.
type RefreshError struct {
	View string
	Err  error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("refresh %s: %v", e.View, e.Err)
}

// Unwrap exposes both the refresh sentinel and the cause.
func (e *RefreshError) Unwrap() []error {
	return []error{ErrRefreshFailed, e.Err}
}

// SourceError reports a failure reading one upstream archive file.
type SourceError struct {
	Path string
	Err  error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("source %s: %v", e.Path, e.Err)
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

// ============================================================================
// Error wrapping utilities
// ============================================================================

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// NewValidation creates a validation error with context.
func NewValidation(field, reason string) error {
	return fmt.Errorf("invalid %s: %s: %w", field, reason, ErrInvalidConfig)
}

// NewMissingField creates a missing field error.
func NewMissingField(field string) error {
	return fmt.Errorf("%s: %w", field, ErrMissingField)
}

// NewRefreshError wraps cause as a refresh failure of view.
func NewRefreshError(view string, cause error) error {
	if cause == nil {
		return nil
	}
	return &RefreshError{View: view, Err: cause}
}

// ============================================================================
// Validation Errors Collection
// ============================================================================

// ValidationErrors collects multiple validation errors.
type ValidationErrors struct {
	Errors []error
}

// NewValidationErrors creates a new ValidationErrors collector.
func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{}
}

// Add adds an error to the collection.
func (v *ValidationErrors) Add(err error) {
	if err != nil {
		v.Errors = append(v.Errors, err)
	}
}

// AddField adds a field validation error.
func (v *ValidationErrors) AddField(field, reason string) {
	v.Errors = append(v.Errors, NewValidation(field, reason))
}

// AddMissing adds a missing field error.
func (v *ValidationErrors) AddMissing(field string) {
	v.Errors = append(v.Errors, NewMissingField(field))
}

// AddPositiveDuration adds an error when d is not positive.
func (v *ValidationErrors) AddPositiveDuration(field string, d time.Duration) {
	if d <= 0 {
		v.AddField(field, "must be positive")
	}
}

// HasErrors returns true if there are any errors.
func (v *ValidationErrors) HasErrors() bool {
	return len(v.Errors) > 0
}

// Error implements the error interface.
func (v *ValidationErrors) Error() string {
	if len(v.Errors) == 0 {
		return ""
	}
	if len(v.Errors) == 1 {
		return v.Errors[0].Error()
	}

	msg := fmt.Sprintf("validation failed with %d errors:", len(v.Errors))
	for _, err := range v.Errors {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Err returns nil if no errors, otherwise returns the ValidationErrors.
func (v *ValidationErrors) Err() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v
}

// Unwrap returns the collected errors for errors.Is/As support.
func (v *ValidationErrors) Unwrap() []error {
	return v.Errors
}
