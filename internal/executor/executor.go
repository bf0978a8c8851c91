package executor

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/penguintechinc/rollbackd/pkg/types"
)

// State is a step of the container swap
type State string

const (
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateRemoving State = "removing"
	StateRemoved  State = "removed"
	StateCreating State = "creating"
	StateStarted  State = "started"
	StateFailed   State = "failed"
)

// Plan swaps a container for a new one on an older image of the same repository
type Plan struct {
	Container      types.ContainerSnapshot
	TargetImageTag string
}

// NewPlan validates and builds a rollback plan
func NewPlan(c types.ContainerSnapshot, targetImageTag string) (Plan, error) {
	if c.ID == "" || c.Name == "" {
		return Plan{}, errors.New("rollback plan needs a container ID and name")
	}
	if targetImageTag == "" {
		return Plan{}, fmt.Errorf("rollback plan for %s has no target image", c.Name)
	}
	return Plan{Container: c, TargetImageTag: targetImageTag}, nil
}

// Engine is the part of the container engine that mutates containers
type Engine interface {
	StopContainer(ctx context.Context, containerID string) error
	RemoveContainer(ctx context.Context, containerID string) error
	CreateContainer(ctx context.Context, imageRef, name string) (string, error)
	StartContainer(ctx context.Context, containerID string) error
}

// LogTailer fetches recent container output
type LogTailer interface {
	TailLogs(ctx context.Context, containerID string, lines int) ([]string, error)
}

// Options configures an Executor
type Options struct {
	// LogTail is how many lines of the crashed container's output to log before the swap
	LogTail int
	// OnTransition is called every time a plan enters a new state
	OnTransition func(plan Plan, state State)
}

// Executor runs rollback plans one step at a time
type Executor struct {
	engine       Engine
	logs         LogTailer
	logTail      int
	onTransition func(Plan, State)
	logger       *zap.Logger
}

// NewExecutor creates an executor. Crash output is collected when engine also implements LogTailer.
func NewExecutor(engine Engine, logger *zap.Logger, opts Options) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Executor{
		engine:       engine,
		logTail:      opts.LogTail,
		onTransition: opts.OnTransition,
		logger:       logger,
	}
	if tailer, ok := engine.(LogTailer); ok {
		e.logs = tailer
	}
	return e
}

// Execute stops and removes the plan's container, then creates and starts a
// container with the same name on the target image. It returns the new
// container's ID.
//
// ctx is only consulted before the first step. Once the swap has started it
// runs to completion or failure, each engine call bounded by the engine's own
// timeout, so a shutdown cannot strand the container between remove and create.
func (e *Executor) Execute(ctx context.Context, plan Plan) (string, error) {
	c := plan.Container
	log := e.logger.With(
		zap.String("container", c.Name),
		zap.String("id", types.ShortID(c.ID)),
		zap.String("target", plan.TargetImageTag))

	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	ctx = context.WithoutCancel(ctx)

	e.transition(plan, StateRunning)
	e.logCrashOutput(ctx, log, c.ID)

	log.Info("rolling back container to previous image", zap.Int("restarts", c.RestartCount))

	e.transition(plan, StateStopping)
	if err := e.engine.StopContainer(ctx, c.ID); err != nil {
		return "", e.fail(log, plan, StateStopping, false, err)
	}
	e.transition(plan, StateStopped)
	log.Info("stopped container")

	e.transition(plan, StateRemoving)
	if err := e.engine.RemoveContainer(ctx, c.ID); err != nil {
		// Left stopped; the restart count survives so the next cycle retries.
		return "", e.fail(log, plan, StateRemoving, true, err)
	}
	e.transition(plan, StateRemoved)
	log.Info("removed container")

	e.transition(plan, StateCreating)
	newID, err := e.engine.CreateContainer(ctx, plan.TargetImageTag, c.Name)
	if err != nil {
		return "", e.fail(log, plan, StateCreating, true, err)
	}
	if err := e.engine.StartContainer(ctx, newID); err != nil {
		// A created but never started container would keep the name with a
		// zero restart count and hide the failure from later cycles.
		if rmErr := e.engine.RemoveContainer(ctx, newID); rmErr != nil {
			log.Warn("failed to remove replacement that did not start",
				zap.String("new_id", types.ShortID(newID)), zap.Error(rmErr))
			return newID, e.fail(log, plan, StateCreating, true, err)
		}
		return "", e.fail(log, plan, StateCreating, true, err)
	}
	e.transition(plan, StateStarted)

	log.Info("switched container to previous image", zap.String("new_id", types.ShortID(newID)))
	return newID, nil
}

func (e *Executor) transition(plan Plan, state State) {
	if e.onTransition != nil {
		e.onTransition(plan, state)
	}
}

func (e *Executor) fail(log *zap.Logger, plan Plan, state State, inconsistent bool, err error) error {
	e.transition(plan, StateFailed)

	failure := &ExecutionFailure{
		ContainerID:  plan.Container.ID,
		Name:         plan.Container.Name,
		TargetImage:  plan.TargetImageTag,
		State:        state,
		Inconsistent: inconsistent,
		Err:          err,
	}

	switch state {
	case StateCreating:
		log.Error("container was removed but its replacement is not running", zap.Error(err))
	case StateRemoving:
		log.Error("container stopped but not removed, will retry next cycle", zap.Error(err))
	default:
		log.Error("rollback aborted", zap.String("state", string(state)), zap.Error(err))
	}
	return failure
}

func (e *Executor) logCrashOutput(ctx context.Context, log *zap.Logger, containerID string) {
	if e.logs == nil || e.logTail <= 0 {
		return
	}
	lines, err := e.logs.TailLogs(ctx, containerID, e.logTail)
	if err != nil {
		log.Debug("failed to collect crash output", zap.Error(err))
		return
	}
	if len(lines) > 0 {
		log.Warn("crash-looping container output", zap.Strings("output", lines))
	}
}
