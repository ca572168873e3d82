// Package tools is the counselor assistant's tool registry and executor.
//
// This file defines the typed errors a tool call can fail with. Both
// report their own [failure.Category] so the agent loop can classify
// them without knowing this package.
package tools

import (
	"fmt"
	"strings"

	"github.com/nugget/counselor-agent/internal/failure"
)

// UnknownToolError is returned when a tool call names a tool that is not
// registered. The call fails; the turn does not.
type UnknownToolError struct {
	ToolName string
}

// Error implements the error interface.
func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("tool %q is not available", e.ToolName)
}

// FailureCategory classifies an unknown tool as a validation problem:
// the model asked for something it was never offered.
func (e *UnknownToolError) FailureCategory() failure.Category { return failure.ToolValidation }

// ValidationError is returned when tool arguments fail to decode or
// fail their validation rules.
type ValidationError struct {
	ToolName string
	// Fields holds one message per offending field. Empty when the
	// arguments could not be decoded at all.
	Fields []string
	Err    error
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if len(e.Fields) > 0 {
		return fmt.Sprintf("invalid arguments for %s: %s", e.ToolName, strings.Join(e.Fields, "; "))
	}
	if e.Err != nil {
		return fmt.Sprintf("invalid arguments for %s: %v", e.ToolName, e.Err)
	}
	return fmt.Sprintf("invalid arguments for %s", e.ToolName)
}

// Unwrap returns the decode or validation error.
func (e *ValidationError) Unwrap() error { return e.Err }

// FailureCategory implements the failure self-report contract.
func (e *ValidationError) FailureCategory() failure.Category { return failure.ToolValidation }
