package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
)

const (
	invalidArgument    = foundry.ExitInvalidArgument
	serviceUnavailable = foundry.ExitExternalServiceUnavailable
)

// ExitCodeError carries the process exit code for a failed command.
type ExitCodeError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitCodeError) Error() string {
	return fmt.Sprintf("%s: %v (exit code %d)", e.Message, e.Err, e.Code)
}

func (e *ExitCodeError) Unwrap() error {
	return e.Err
}

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return &ExitCodeError{Code: code, Message: message, Err: err}
}

// ExitCode maps a command error to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ece *ExitCodeError
	if errors.As(err, &ece) {
		return ece.Code
	}
	return 1
}

func configExitCode(err error) int {
	var pathErr *os.PathError
	if errors.As(err, &pathErr) && errors.Is(err, os.ErrNotExist) {
		return foundry.ExitFileNotFound
	}
	return invalidArgument
}
