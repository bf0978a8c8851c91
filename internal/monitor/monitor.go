// Package monitor drives the poll loop: every cycle it lists the host's
// containers, checks each one's restart counter, and rolls crash-looping
// containers back to the previous image of their repository.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/penguintechinc/rollbackd/internal/executor"
	"github.com/penguintechinc/rollbackd/internal/history"
	"github.com/penguintechinc/rollbackd/internal/messaging"
	"github.com/penguintechinc/rollbackd/internal/metrics"
	"github.com/penguintechinc/rollbackd/pkg/types"
)

const (
	// DefaultInterval is the pause between two cycles
	DefaultInterval = 5 * time.Second
	// DefaultThreshold is the restart count a container may reach before it is rolled back
	DefaultThreshold = 1

	publishTimeout = 5 * time.Second
	unknownTag     = "<unknown>"
	untaggedTag    = "<none>"
)

// Engine is the read side of the container engine the loop needs
type Engine interface {
	ListContainers(ctx context.Context) ([]types.ContainerSnapshot, error)
	InspectImage(ctx context.Context, imageID string) (types.ImageRecord, error)
}

// RestartCounter reads a container's restart counter
type RestartCounter interface {
	RestartCount(ctx context.Context, containerID string) int
}

// PreviousImageResolver finds the image to roll back to
type PreviousImageResolver interface {
	PreviousTag(ctx context.Context, currentImageID string) (string, error)
}

// PlanExecutor carries out a rollback plan
type PlanExecutor interface {
	Execute(ctx context.Context, plan executor.Plan) (string, error)
}

// Reporter receives the summary of containers left untouched by a cycle
type Reporter interface {
	Report(reports []types.ContainerReport) error
}

// EventPublisher receives a record of every attempted rollback
type EventPublisher interface {
	PublishRollback(ctx context.Context, event messaging.RollbackEvent) (string, error)
}

// Clock abstracts waiting between cycles
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// RealClock implements Clock with the system clock
type RealClock struct{}

func (RealClock) Now() time.Time                         { return time.Now() }
func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Config holds the loop's static settings
type Config struct {
	Interval  time.Duration
	Threshold int
	// DryRun resolves rollback plans without executing them
	DryRun bool
}

// Options holds optional collaborators
type Options struct {
	Reporter  Reporter
	Publisher EventPublisher
	Metrics   *metrics.Metrics
	Clock     Clock
	// OnCycle is called with the result of every cycle Run completes
	OnCycle func(CycleResult)
}

// CycleResult summarizes one pass over the host's containers
type CycleResult struct {
	Started    time.Time
	Containers int
	// Reports lists every container that was not rolled back
	Reports    []types.ContainerReport
	RolledBack []string
	// Skipped lists crash-looping containers with no older image to roll back to
	Skipped []string
	// Planned holds the plans a dry run would have executed
	Planned  []executor.Plan
	Failures []error
	// Err is set when the cycle could not run at all
	Err error
}

// Monitor runs rollback cycles on a fixed interval
type Monitor struct {
	engine    Engine
	detector  RestartCounter
	resolver  PreviousImageResolver
	executor  PlanExecutor
	reporter  Reporter
	publisher EventPublisher
	metrics   *metrics.Metrics
	clock     Clock
	onCycle   func(CycleResult)
	interval  time.Duration
	threshold int
	dryRun    bool
	logger    *zap.Logger
}

// New creates a monitor
func New(
	cfg Config,
	engine Engine,
	detector RestartCounter,
	resolver PreviousImageResolver,
	exec PlanExecutor,
	logger *zap.Logger,
	opts Options,
) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Threshold < 0 {
		cfg.Threshold = DefaultThreshold
	}
	if opts.Clock == nil {
		opts.Clock = RealClock{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	return &Monitor{
		engine:    engine,
		detector:  detector,
		resolver:  resolver,
		executor:  exec,
		reporter:  opts.Reporter,
		publisher: opts.Publisher,
		metrics:   opts.Metrics,
		clock:     opts.Clock,
		onCycle:   opts.OnCycle,
		interval:  cfg.Interval,
		threshold: cfg.Threshold,
		dryRun:    cfg.DryRun,
		logger:    logger,
	}
}

// Run runs a cycle immediately and then once per interval until ctx is cancelled
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("monitor started",
		zap.Duration("interval", m.interval),
		zap.Int("threshold", m.threshold),
		zap.Bool("dry_run", m.dryRun))

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		result := m.RunCycle(ctx)
		if m.onCycle != nil {
			m.onCycle(result)
		}

		select {
		case <-ctx.Done():
			m.logger.Info("monitor stopping")
			return ctx.Err()
		case <-m.clock.After(m.interval):
		}
	}
}

// RunCycle inspects every container once. Failures are collected in the
// result and logged; RunCycle never aborts on a single container.
func (m *Monitor) RunCycle(ctx context.Context) CycleResult {
	result := CycleResult{Started: m.clock.Now()}
	m.metrics.Cycles.Inc()

	containers, err := m.engine.ListContainers(ctx)
	if err != nil {
		m.metrics.CycleFailures.Inc()
		result.Err = fmt.Errorf("failed to list containers: %w", err)
		m.logger.Error("monitor cycle failed", zap.Error(result.Err))
		return result
	}
	result.Containers = len(containers)

	for _, c := range containers {
		if err := ctx.Err(); err != nil {
			result.Err = err
			return result
		}
		m.processContainer(ctx, c, &result)
	}

	if m.reporter != nil {
		if err := m.reporter.Report(result.Reports); err != nil {
			m.logger.Warn("failed to write summary", zap.Error(err))
		}
	}

	m.logger.Debug("monitor cycle complete",
		zap.Int("containers", result.Containers),
		zap.Int("rolled_back", len(result.RolledBack)),
		zap.Int("failures", len(result.Failures)),
		zap.Duration("took", m.clock.Now().Sub(result.Started)))
	return result
}

func (m *Monitor) processContainer(ctx context.Context, c types.ContainerSnapshot, result *CycleResult) {
	m.metrics.ContainersInspected.Inc()
	snap := c.WithRestartCount(m.detector.RestartCount(ctx, c.ID))

	if !executor.ShouldRollback(snap.RestartCount, m.threshold) {
		result.Reports = append(result.Reports, m.describe(ctx, snap))
		return
	}

	log := m.logger.With(
		zap.String("container", snap.Name),
		zap.String("id", types.ShortID(snap.ID)),
		zap.Int("restarts", snap.RestartCount))
	log.Warn("container is crash-looping")

	tag, err := m.resolver.PreviousTag(ctx, snap.ImageID)
	if err != nil {
		if errors.Is(err, history.ErrNoPreviousImage) || errors.Is(err, history.ErrImageNotFound) {
			log.Warn("no previous image to roll back to", zap.Error(err))
			m.metrics.Rollbacks.WithLabelValues(types.OutcomeNoPrevious).Inc()
			result.Skipped = append(result.Skipped, snap.Name)
		} else {
			log.Error("failed to resolve previous image", zap.Error(err))
			result.Failures = append(result.Failures, fmt.Errorf("%s: %w", snap.Name, err))
		}
		result.Reports = append(result.Reports, m.describe(ctx, snap))
		return
	}

	plan, err := executor.NewPlan(snap, tag)
	if err != nil {
		log.Error("invalid rollback plan", zap.Error(err))
		result.Failures = append(result.Failures, err)
		result.Reports = append(result.Reports, m.describe(ctx, snap))
		return
	}

	if m.dryRun {
		log.Info("dry run: would roll back container", zap.String("target", tag))
		m.metrics.Rollbacks.WithLabelValues(types.OutcomeDryRun).Inc()
		result.Planned = append(result.Planned, plan)
		result.Reports = append(result.Reports, m.describe(ctx, snap))
		return
	}

	newID, err := m.executor.Execute(ctx, plan)
	if errors.Is(err, executor.ErrCancelled) {
		return
	}

	event := messaging.RollbackEvent{
		Container:   snap.Name,
		ContainerID: snap.ID,
		FromImageID: snap.ImageID,
		TargetImage: tag,
		NewID:       newID,
		Restarts:    snap.RestartCount,
		Timestamp:   m.clock.Now(),
	}
	if err != nil {
		event.Outcome = types.OutcomeFailed
		event.Error = err.Error()
		if failure, ok := executor.AsExecutionFailure(err); ok {
			event.FailedState = string(failure.State)
			m.metrics.StepFailures.WithLabelValues(string(failure.State)).Inc()
		}
		m.metrics.Rollbacks.WithLabelValues(types.OutcomeFailed).Inc()
		result.Failures = append(result.Failures, err)
	} else {
		event.Outcome = types.OutcomeSucceeded
		m.metrics.Rollbacks.WithLabelValues(types.OutcomeSucceeded).Inc()
		result.RolledBack = append(result.RolledBack, snap.Name)
	}
	m.publish(ctx, event)
}

// describe builds the summary row for a container, looking up its image tag
func (m *Monitor) describe(ctx context.Context, c types.ContainerSnapshot) types.ContainerReport {
	tag := unknownTag
	if img, err := m.engine.InspectImage(ctx, c.ImageID); err != nil {
		m.logger.Debug("failed to inspect container image",
			zap.String("container", c.Name),
			zap.String("image", types.ShortID(c.ImageID)),
			zap.Error(err))
	} else if t := img.PrimaryTag(); t != "" {
		tag = t
	} else {
		tag = untaggedTag
	}

	return types.ContainerReport{
		Name:         c.Name,
		State:        c.State,
		Status:       c.Status,
		ImageRepoTag: tag,
		ImageID:      types.ShortImageID(c.ImageID),
	}
}

func (m *Monitor) publish(ctx context.Context, event messaging.RollbackEvent) {
	if m.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	if _, err := m.publisher.PublishRollback(ctx, event); err != nil {
		m.logger.Warn("failed to publish rollback event",
			zap.String("container", event.Container),
			zap.Error(err))
	}
}
