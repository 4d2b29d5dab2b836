package sdk

import (
	"errors"
	"fmt"
)

var (
	// ErrPipelineRuntime marks a conversation that ended because the runtime failed.
	ErrPipelineRuntime = errors.New("pipeline runtime failed")

	// ErrUnknownAgent is returned when a connection names an agent that is not loaded.
	ErrUnknownAgent = errors.New("unknown agent")
)

// PipelineRuntimeError wraps a runtime failure or a recovered panic with the
// session it ended.
type PipelineRuntimeError struct {
	SessionID string
	Err       error
}

func (e *PipelineRuntimeError) Error() string {
	return fmt.Sprintf("session %s: %v: %v", e.SessionID, ErrPipelineRuntime, e.Err)
}

func (e *PipelineRuntimeError) Unwrap() []error {
	return []error{ErrPipelineRuntime, e.Err}
}

// UnknownAgentError names the agent that was requested.
type UnknownAgentError struct {
	Name string
}

func (e *UnknownAgentError) Error() string {
	return fmt.Sprintf("%s: %q", ErrUnknownAgent, e.Name)
}

func (e *UnknownAgentError) Unwrap() error { return ErrUnknownAgent }
