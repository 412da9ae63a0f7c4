// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"errors"
	"fmt"
)

// =============================================================================
// EXIT CODES
// =============================================================================

const (
	// ExitSuccess indicates successful execution
	ExitSuccess = 0
	// ExitGeneralError indicates a general/unknown error
	ExitGeneralError = 1
	// ExitUsageError indicates invalid command usage or arguments
	ExitUsageError = 2
	// ExitConfigError indicates a configuration file or settings error
	ExitConfigError = 3
	// ExitIntegrityError indicates an audit chain failed verification
	ExitIntegrityError = 4
	// ExitNotFoundError indicates an operator or resource was not found
	ExitNotFoundError = 7
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// CommandError is a command failure with the exit code it should produce.
type CommandError struct {
	Command string
	Message string
	Code    int
	Err     error
}

func (e *CommandError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Command, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Command, e.Message)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// NewUsageError reports invalid arguments.
func NewUsageError(command, message string) *CommandError {
	return &CommandError{Command: command, Message: message, Code: ExitUsageError}
}

// NewConfigError reports a configuration problem.
func NewConfigError(command string, err error) *CommandError {
	return &CommandError{Command: command, Message: "configuration error", Code: ExitConfigError, Err: err}
}

// NewNotFoundError reports a missing operator or resource.
func NewNotFoundError(command, what, id string) *CommandError {
	return &CommandError{Command: command, Message: fmt.Sprintf("%s %q not found", what, id), Code: ExitNotFoundError}
}

// NewIntegrityError reports a broken audit chain.
func NewIntegrityError(command string, seq uint64, reason string) *CommandError {
	return &CommandError{
		Command: command,
		Message: fmt.Sprintf("chain broken at seq %d: %s", seq, reason),
		Code:    ExitIntegrityError,
	}
}

// ExitCode returns the process exit code for err.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var ce *CommandError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ExitGeneralError
}
