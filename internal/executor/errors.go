package executor

import (
	"errors"
	"fmt"
)

// ErrCancelled is returned when a plan is cancelled before its first step
var ErrCancelled = errors.New("rollback cancelled before it started")

// ExecutionFailure reports the step of a rollback that failed.
// Inconsistent is set when an earlier step already changed the container.
type ExecutionFailure struct {
	ContainerID  string
	Name         string
	TargetImage  string
	State        State
	Inconsistent bool
	Err          error
}

func (e *ExecutionFailure) Error() string {
	return fmt.Sprintf("rollback of %s to %s failed while %s: %v", e.Name, e.TargetImage, e.State, e.Err)
}

func (e *ExecutionFailure) Unwrap() error {
	return e.Err
}

// AsExecutionFailure extracts an ExecutionFailure from err's chain
func AsExecutionFailure(err error) (*ExecutionFailure, bool) {
	var failure *ExecutionFailure
	if errors.As(err, &failure) {
		return failure, true
	}
	return nil, false
}
