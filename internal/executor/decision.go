package executor

import (
	"context"

	"go.uber.org/zap"

	"github.com/penguintechinc/rollbackd/pkg/types"
)

// UnknownRestartCount is reported when the restart counter cannot be read.
// It never exceeds a valid threshold, so an unreadable container is treated as healthy.
const UnknownRestartCount = -1

// ShouldRollback reports whether a container restarted more often than threshold allows
func ShouldRollback(restartCount, threshold int) bool {
	return restartCount > threshold
}

// ContainerInspector reads live container state from the engine
type ContainerInspector interface {
	InspectContainer(ctx context.Context, containerID string) (types.ContainerSnapshot, error)
}

// RestartDetector reads the engine's restart counter for a container
type RestartDetector struct {
	engine   ContainerInspector
	logger   *zap.Logger
	onFailed func()
}

// NewRestartDetector creates a detector. onFailed, if set, runs on every failed lookup.
func NewRestartDetector(engine ContainerInspector, logger *zap.Logger, onFailed func()) *RestartDetector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RestartDetector{engine: engine, logger: logger, onFailed: onFailed}
}

// RestartCount returns the container's restart count, or UnknownRestartCount if it cannot be inspected
func (d *RestartDetector) RestartCount(ctx context.Context, containerID string) int {
	snap, err := d.engine.InspectContainer(ctx, containerID)
	if err != nil {
		d.logger.Warn("failed to read restart count",
			zap.String("id", types.ShortID(containerID)),
			zap.Error(err))
		if d.onFailed != nil {
			d.onFailed()
		}
		return UnknownRestartCount
	}
	return snap.RestartCount
}
