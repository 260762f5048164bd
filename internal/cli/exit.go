package cli

import (
	"errors"
	"fmt"
	"io"
)

// ExitError signals a non-zero exit code without printing an error message.
type ExitError struct{ Code int }

func (e *ExitError) Error() string { return fmt.Sprintf("exit status %d", e.Code) }

// Exit codes.
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitUsage   = 2
	// ExitPolicy reports a completed run matched by --fail-if.
	ExitPolicy = 3
)

// ExitCode maps the error returned by a command to a process exit code,
// printing errors that were not reported yet to stderr.
func ExitCode(err error, stderr io.Writer) int {
	if err == nil {
		return ExitOK
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	fmt.Fprintln(stderr, err)
	return ExitFailure
}
