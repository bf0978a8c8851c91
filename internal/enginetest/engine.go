// Package enginetest provides an in-memory container engine for tests.
package enginetest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/containerd/errdefs"

	"github.com/penguintechinc/rollbackd/internal/container"
	"github.com/penguintechinc/rollbackd/pkg/types"
)

// Container is a container held by the fake engine
type Container struct {
	types.ContainerSnapshot
	Logs []string
}

// Engine is a fake engine whose calls can be made to fail per operation.
// It satisfies every engine interface the monitor packages consume.
type Engine struct {
	mu         sync.Mutex
	containers []*Container
	images     []types.ImageRecord
	failures   map[string]error
	failOnce   map[string]bool
	calls      []string
	created    int
}

// New returns an empty engine
func New() *Engine {
	return &Engine{
		failures: make(map[string]error),
		failOnce: make(map[string]bool),
	}
}

// AddImage registers an image; listing order follows registration order
func (e *Engine) AddImage(id string, created time.Time, tags ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.images = append(e.images, types.ImageRecord{ID: id, RepoTags: tags, CreatedAt: created})
}

// AddContainer registers a running container
func (e *Engine) AddContainer(id, name, imageID string, restarts int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.containers = append(e.containers, &Container{ContainerSnapshot: types.ContainerSnapshot{
		ID:           id,
		Name:         name,
		State:        "running",
		Status:       "Up 3 seconds",
		ImageID:      imageID,
		RestartCount: restarts,
	}})
}

// SetLogs sets the output TailLogs returns for a container
func (e *Engine) SetLogs(id string, lines ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c := e.find(id); c != nil {
		c.Logs = lines
	}
}

// Fail makes every call of op fail with err until Reset is called
func (e *Engine) Fail(op string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures[op] = err
	delete(e.failOnce, op)
}

// FailOnce makes only the next call of op fail with err
func (e *Engine) FailOnce(op string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures[op] = err
	e.failOnce[op] = true
}

// Reset clears all injected failures
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures = make(map[string]error)
	e.failOnce = make(map[string]bool)
}

// Calls returns the mutating calls made so far, e.g. "stop c1"
func (e *Engine) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

// Container returns the current state of the container named name
func (e *Engine) Container(name string) (types.ContainerSnapshot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range e.containers {
		if c.Name == name {
			return c.ContainerSnapshot, true
		}
	}
	return types.ContainerSnapshot{}, false
}

func (e *Engine) find(id string) *Container {
	for _, c := range e.containers {
		if c.ID == id {
			return c
		}
	}
	return nil
}

func (e *Engine) findImage(ref string) (types.ImageRecord, bool) {
	for _, img := range e.images {
		if img.ID == ref {
			return img, true
		}
		for _, tag := range img.RepoTags {
			if tag == ref {
				return img, true
			}
		}
	}
	return types.ImageRecord{}, false
}

// check must be called with the lock held
func (e *Engine) check(op, id string) error {
	err, ok := e.failures[op]
	if !ok {
		return nil
	}
	if e.failOnce[op] {
		delete(e.failures, op)
		delete(e.failOnce, op)
	}
	return &container.EngineError{Op: op, ID: id, Err: err}
}

func notFound(op, id string) error {
	return &container.EngineError{Op: op, ID: id, Err: fmt.Errorf("%w: no such object: %s", errdefs.ErrNotFound, id)}
}

func (e *Engine) ListContainers(ctx context.Context) ([]types.ContainerSnapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.check(container.OpListContainers, ""); err != nil {
		return nil, err
	}
	result := make([]types.ContainerSnapshot, 0, len(e.containers))
	for _, c := range e.containers {
		// Listing does not carry the restart counter.
		result = append(result, c.ContainerSnapshot.WithRestartCount(0))
	}
	return result, nil
}

func (e *Engine) InspectContainer(ctx context.Context, id string) (types.ContainerSnapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.check(container.OpInspectContainer, id); err != nil {
		return types.ContainerSnapshot{}, err
	}
	c := e.find(id)
	if c == nil {
		return types.ContainerSnapshot{}, notFound(container.OpInspectContainer, id)
	}
	return c.ContainerSnapshot, nil
}

func (e *Engine) StopContainer(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, "stop "+id)
	if err := e.check(container.OpStopContainer, id); err != nil {
		return err
	}
	c := e.find(id)
	if c == nil {
		return notFound(container.OpStopContainer, id)
	}
	c.State = "exited"
	c.Status = "Exited (0) 1 second ago"
	return nil
}

func (e *Engine) RemoveContainer(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, "remove "+id)
	if err := e.check(container.OpRemoveContainer, id); err != nil {
		return err
	}
	for i, c := range e.containers {
		if c.ID == id {
			e.containers = append(e.containers[:i], e.containers[i+1:]...)
			return nil
		}
	}
	return notFound(container.OpRemoveContainer, id)
}

func (e *Engine) CreateContainer(ctx context.Context, imageRef, name string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, "create "+name+" "+imageRef)
	if err := e.check(container.OpCreateContainer, name); err != nil {
		return "", err
	}
	img, ok := e.findImage(imageRef)
	if !ok {
		return "", notFound(container.OpCreateContainer, imageRef)
	}
	for _, c := range e.containers {
		if c.Name == name {
			return "", &container.EngineError{Op: container.OpCreateContainer, ID: name, Err: fmt.Errorf("name %q already in use", name)}
		}
	}
	e.created++
	id := fmt.Sprintf("%s-new-%d", name, e.created)
	e.containers = append(e.containers, &Container{ContainerSnapshot: types.ContainerSnapshot{
		ID:      id,
		Name:    name,
		State:   "created",
		Status:  "Created",
		ImageID: img.ID,
	}})
	return id, nil
}

func (e *Engine) StartContainer(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, "start "+id)
	if err := e.check(container.OpStartContainer, id); err != nil {
		return err
	}
	c := e.find(id)
	if c == nil {
		return notFound(container.OpStartContainer, id)
	}
	c.State = "running"
	c.Status = "Up Less than a second"
	return nil
}

func (e *Engine) ListImages(ctx context.Context) ([]types.ImageRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.check(container.OpListImages, ""); err != nil {
		return nil, err
	}
	return append([]types.ImageRecord(nil), e.images...), nil
}

func (e *Engine) InspectImage(ctx context.Context, id string) (types.ImageRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.check(container.OpInspectImage, id); err != nil {
		return types.ImageRecord{}, err
	}
	img, ok := e.findImage(id)
	if !ok {
		return types.ImageRecord{}, notFound(container.OpInspectImage, id)
	}
	return img, nil
}

func (e *Engine) TailLogs(ctx context.Context, id string, lines int) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.check(container.OpContainerLogs, id); err != nil {
		return nil, err
	}
	c := e.find(id)
	if c == nil {
		return nil, notFound(container.OpContainerLogs, id)
	}
	logs := c.Logs
	if len(logs) > lines {
		logs = logs[len(logs)-lines:]
	}
	return append([]string(nil), logs...), nil
}
