// Package errors holds the sentinel errors of the bootstrap and helpers to
// wrap and classify them. It re-exports the stdlib helpers so callers need a
// single import.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// DurationParser / RetentionCompiler
	ErrInvalidDuration = errors.New("invalid duration")

	// ComponentResolver and registry
	ErrUnresolvedNamespace = errors.New("unresolved namespace")
	ErrUnresolvedSymbol    = errors.New("unresolved symbol")
	ErrAlreadyRegistered   = errors.New("already registered")
	ErrInvalidComponent    = errors.New("factory returned no component")

	// Process startup
	ErrConfigLoad    = errors.New("config load failed")
	ErrArgumentParse = errors.New("argument parse failed")

	// Section and option validation
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingField  = errors.New("missing required field")

	// SystemGraphBuilder
	ErrCyclicDependency  = errors.New("cyclic dependency")
	ErrUnknownDependency = errors.New("unknown dependency")
	ErrDuplicateSlot     = errors.New("duplicate slot")

	// LifecycleOrchestrator
	ErrInvalidState      = errors.New("invalid state")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrNotRunning        = errors.New("not running")

	// Components at runtime
	ErrNotFound       = errors.New("not found")
	ErrInvalidPattern = errors.New("invalid pattern")
)

var (
	Is   = errors.Is
	As   = errors.As
	Join = errors.Join
	New  = errors.New
)

func isAny(err error, targets ...error) bool {
	for _, t := range targets {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}

// IsResolution reports whether a factory name could not be located.
func IsResolution(err error) bool {
	return isAny(err, ErrUnresolvedNamespace, ErrUnresolvedSymbol)
}

// IsValidation reports whether err rejects a configuration value.
func IsValidation(err error) bool {
	return isAny(err, ErrInvalidDuration, ErrInvalidConfig, ErrMissingField)
}

// IsGraphError reports whether the dependency graph is malformed.
func IsGraphError(err error) bool {
	return isAny(err, ErrCyclicDependency, ErrUnknownDependency, ErrDuplicateSlot)
}

// IsFatal reports whether err aborts startup. Every construction failure
// does; there is no degraded mode.
func IsFatal(err error) bool {
	return IsResolution(err) || IsValidation(err) || IsGraphError(err) ||
		isAny(err, ErrConfigLoad, ErrArgumentParse, ErrInvalidComponent)
}

// Wrap prefixes err with message. A nil err stays nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf is Wrap with a formatted message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// NewInvalidDuration rejects a duration string.
func NewInvalidDuration(value, reason string) error {
	return fmt.Errorf("%q: %s: %w", value, reason, ErrInvalidDuration)
}

func NewNotFound(kind, id string) error {
	return fmt.Errorf("%s %q: %w", kind, id, ErrNotFound)
}

// NewValidation rejects a configuration field.
func NewValidation(field, reason string) error {
	return fmt.Errorf("invalid %s: %s: %w", field, reason, ErrInvalidConfig)
}

func NewMissingField(field string) error {
	return fmt.Errorf("%s: %w", field, ErrMissingField)
}

// NewInvalidValue rejects a configuration field, quoting the value.
func NewInvalidValue(field string, value any, reason string) error {
	return fmt.Errorf("invalid %s %v: %s: %w", field, value, reason, ErrInvalidConfig)
}

// ValidationErrors accumulates section validation failures so a document
// reports all of them at once.
type ValidationErrors struct {
	Errors []error
}

func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{}
}

// Add records err unless it is nil.
func (v *ValidationErrors) Add(err error) {
	if err != nil {
		v.Errors = append(v.Errors, err)
	}
}

func (v *ValidationErrors) Error() string {
	if len(v.Errors) == 1 {
		return v.Errors[0].Error()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d validation errors:", len(v.Errors))
	for _, err := range v.Errors {
		b.WriteString("\n  - ")
		b.WriteString(err.Error())
	}
	return b.String()
}

// Err returns v, or nil when nothing was recorded.
func (v *ValidationErrors) Err() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v
}

func (v *ValidationErrors) Unwrap() []error {
	return v.Errors
}
