package config

import (
	"errors"
	"strings"
)

// ErrConfig is matched by every configuration failure.
var ErrConfig = errors.New("config error")

// Error describes a configuration failure. Path is the source file (empty for
// in-memory documents) and Field the dotted location inside the document.
type Error struct {
	Path  string
	Field string
	Err   error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("config")
	if e.Path != "" {
		b.WriteString(": ")
		b.WriteString(e.Path)
	}
	if e.Field != "" {
		b.WriteString(": ")
		b.WriteString(e.Field)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrConfig}
	}
	return []error{ErrConfig, e.Err}
}
