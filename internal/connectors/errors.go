package connectors

import (
	"errors"
	"fmt"
)

// Sentinel errors for remote execution.
var (
	ErrAuth              = errors.New("authentication failed")
	ErrNetwork           = errors.New("network error")
	ErrConnectionLost    = errors.New("connection lost")
	ErrElevationRequired = errors.New("elevated credential required")
	ErrTransfer          = errors.New("file transfer failed")
	ErrPortBind          = errors.New("port bind failed")
	ErrTimeout           = errors.New("command timed out")
	ErrClosed            = errors.New("executor closed")
)

// ExitError reports a command that completed with a non-zero exit status.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

// ExitCode extracts the exit status from err. ok is false when err is not an exit failure.
func ExitCode(err error) (code int, ok bool) {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code, true
	}
	return 0, false
}
