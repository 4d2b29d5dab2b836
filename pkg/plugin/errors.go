package plugin

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownProvider matches every UnknownProviderError.
	ErrUnknownProvider = errors.New("unknown provider")
	// ErrMissingDependency matches every MissingDependencyError.
	ErrMissingDependency = errors.New("provider dependency not available")
	// ErrWrongKind means a factory returned a value of the wrong interface.
	ErrWrongKind = errors.New("provider does not implement its kind")
)

// UnknownProviderError reports a (kind, name) pair with no registered factory.
type UnknownProviderError struct {
	Kind Kind
	Name string
}

func (e *UnknownProviderError) Error() string {
	return fmt.Sprintf("unknown %s provider %q", e.Kind, e.Name)
}

func (e *UnknownProviderError) Unwrap() error { return ErrUnknownProvider }

// MissingDependencyError reports a registered provider whose capability is
// not compiled in or not installed. Hint tells the operator how to fix it.
type MissingDependencyError struct {
	Kind Kind
	Name string
	Hint string
	Err  error
}

func (e *MissingDependencyError) Error() string {
	msg := fmt.Sprintf("%s provider %q is not available", e.Kind, e.Name)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Hint != "" {
		msg += " (" + e.Hint + ")"
	}
	return msg
}

func (e *MissingDependencyError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrMissingDependency}
	}
	return []error{ErrMissingDependency, e.Err}
}

// Unavailable returns an Available check that always fails with reason.
func Unavailable(reason string) func() error {
	err := errors.New(reason)
	return func() error { return err }
}
