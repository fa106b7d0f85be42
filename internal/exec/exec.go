package exec

import (
	"fmt"
	"os/exec"
	"strings"
)

// Exec is a custom replacement for cmd.Run() and cmd.Output() that returns
// the command's combined standard output and error streams and, on failure,
// an *ExitError that captures enough context to be meaningfully logged or
// surfaced to a user.
func Exec(cmd *exec.Cmd) ([]byte, error) {
	output, err := cmd.CombinedOutput()
	if err != nil {
		exitCode := -1
		if cmd.ProcessState != nil {
			exitCode = cmd.ProcessState.ExitCode()
		}
		err = &ExitError{
			Command:  strings.Join(cmd.Args, " "),
			Output:   output,
			ExitCode: exitCode,
		}
	}
	return output, err
}

// ExitError is an error implementation that conveys a failed command's
// command line, combined output, and exit code.
type ExitError struct {
	Command  string
	Output   []byte
	ExitCode int
}

// Error implements the error interface.
func (e *ExitError) Error() string {
	return fmt.Sprintf(
		"error executing cmd [%s]: %s",
		e.Command,
		strings.TrimSpace(string(e.Output)),
	)
}
