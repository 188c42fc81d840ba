package runner

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the terminal failure modes of Execute.
var (
	// ErrSpawn indicates the worker binary could not be started.
	ErrSpawn = errors.New("failed to spawn process")
	// ErrOutputTooLarge indicates combined stdout+stderr exceeded the cap.
	ErrOutputTooLarge = errors.New("process output exceeded limit")
	// ErrHardTimeout indicates the wall-clock budget elapsed.
	ErrHardTimeout = errors.New("process hard timeout")
	// ErrIdleTimeout indicates no output was observed for the idle budget
	// after at least one byte had been seen.
	ErrIdleTimeout = errors.New("process idle timeout")
	// ErrSafety indicates the process exited but no exit event was observed
	// within hard+margin; the slot was force-released.
	ErrSafety = errors.New("process exit event never observed")
)

// ExecError is returned by Execute on any failure path. It carries the
// partial stdout/stderr captured before the failure so callers can salvage
// output from timed-out invocations.
type ExecError struct {
	Reason  error
	Stdout  string
	Stderr  string
	Elapsed time.Duration
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("%v after %s (stdout %dB, stderr %dB)",
		e.Reason, e.Elapsed.Round(time.Millisecond), len(e.Stdout), len(e.Stderr))
}

func (e *ExecError) Unwrap() error {
	return e.Reason
}

// PartialOutput extracts the captured stdout/stderr from an Execute error.
// Returns empty strings when err does not carry an ExecError.
func PartialOutput(err error) (stdout, stderr string) {
	var execErr *ExecError
	if errors.As(err, &execErr) {
		return execErr.Stdout, execErr.Stderr
	}
	return "", ""
}
