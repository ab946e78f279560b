package pool

import (
	"errors"
	"fmt"
)

// ErrSaturation is returned when no idle slot exists. The allocator does not
// wait: saturation is reported immediately.
var ErrSaturation = errors.New("no available workers")

// ErrDeadline is returned when the sandbox reports the execution deadline
// elapsed, or when the transport timed out after the deadline had passed.
var ErrDeadline = errors.New("execution timed out")

// SandboxError reports a sandbox that became unreachable or returned a
// response the driver could not make sense of.
type SandboxError struct {
	Worker string
	Err    error
}

func (e *SandboxError) Error() string {
	return fmt.Sprintf("sandbox %s: %v", e.Worker, e.Err)
}

func (e *SandboxError) Unwrap() error { return e.Err }
