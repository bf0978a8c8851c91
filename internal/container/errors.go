package container

import (
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
)

// Engine operation names carried by EngineError
const (
	OpListContainers   = "list containers"
	OpInspectContainer = "inspect container"
	OpStopContainer    = "stop container"
	OpRemoveContainer  = "remove container"
	OpCreateContainer  = "create container"
	OpStartContainer   = "start container"
	OpListImages       = "list images"
	OpInspectImage     = "inspect image"
	OpContainerLogs    = "container logs"
)

// EngineError is returned for any failed call to the container engine.
// ID is the container ID, container name or image ID the call targeted, if any.
type EngineError struct {
	Op  string
	ID  string
	Err error
}

func newEngineError(op, id string, err error) *EngineError {
	return &EngineError{Op: op, ID: id, Err: err}
}

func (e *EngineError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("failed to %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("failed to %s %s: %v", e.Op, e.ID, e.Err)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err means the engine has no such container or image
func IsNotFound(err error) bool {
	return errdefs.IsNotFound(err)
}

// AsEngineError extracts an EngineError from err's chain
func AsEngineError(err error) (*EngineError, bool) {
	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		return engineErr, true
	}
	return nil, false
}
