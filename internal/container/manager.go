package container

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/penguintechinc/rollbackd/pkg/types"
)

const (
	defaultCallTimeout = 10 * time.Second
	defaultStopTimeout = 10 * time.Second
)

// Options tunes how the manager talks to the Docker daemon
type Options struct {
	// CallTimeout bounds every individual engine call
	CallTimeout time.Duration
	// StopTimeout is the grace period handed to the daemon before it kills a container
	StopTimeout time.Duration
}

// Manager is the Docker-backed container engine used by the monitor
type Manager struct {
	client      client.APIClient
	callTimeout time.Duration
	stopTimeout time.Duration
	logger      *zap.Logger
}

// clientOptions targets host, or the DOCKER_HOST and DOCKER_TLS_* environment when host is empty
func clientOptions(host string) []client.Opt {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if host != "" {
		return append(opts, client.WithHost(host))
	}
	return append(opts, client.FromEnv)
}

// Dial connects to the Docker daemon at host and verifies it answers a ping.
// An empty host is resolved from the environment.
func Dial(ctx context.Context, host string, timeout time.Duration) (*client.Client, error) {
	cli, err := client.NewClientWithOpts(clientOptions(host)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if _, err := cli.Ping(pingCtx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("failed to connect to Docker daemon: %w", err)
	}
	return cli, nil
}

// NewManager creates a manager on top of an existing Docker API client
func NewManager(cli client.APIClient, opts Options, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = defaultStopTimeout
	}
	return &Manager{
		client:      cli,
		callTimeout: opts.CallTimeout,
		stopTimeout: opts.StopTimeout,
		logger:      logger,
	}
}

func (m *Manager) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.callTimeout)
}

// ListContainers lists every container on the host, stopped ones included
func (m *Manager) ListContainers(ctx context.Context) ([]types.ContainerSnapshot, error) {
	ctx, cancel := m.bounded(ctx)
	defer cancel()

	containers, err := m.client.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, newEngineError(OpListContainers, "", err)
	}

	result := make([]types.ContainerSnapshot, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		result = append(result, types.ContainerSnapshot{
			ID:      c.ID,
			Name:    name,
			State:   string(c.State),
			Status:  c.Status,
			ImageID: c.ImageID,
		})
	}

	m.logger.Debug("listed containers", zap.Int("count", len(result)))
	return result, nil
}

// InspectContainer fetches the live state of a container, restart counter included
func (m *Manager) InspectContainer(ctx context.Context, containerID string) (types.ContainerSnapshot, error) {
	ctx, cancel := m.bounded(ctx)
	defer cancel()

	inspect, err := m.client.ContainerInspect(ctx, containerID)
	if err != nil {
		return types.ContainerSnapshot{}, newEngineError(OpInspectContainer, containerID, err)
	}
	if inspect.ContainerJSONBase == nil {
		return types.ContainerSnapshot{}, newEngineError(OpInspectContainer, containerID, fmt.Errorf("empty inspect response"))
	}

	snap := types.ContainerSnapshot{
		ID:           inspect.ID,
		Name:         strings.TrimPrefix(inspect.Name, "/"),
		ImageID:      inspect.Image,
		RestartCount: inspect.RestartCount,
	}
	if inspect.State != nil {
		snap.State = string(inspect.State.Status)
		snap.Status = inspect.State.Error
	}
	return snap, nil
}

// StopContainer stops a container, giving it the configured grace period
func (m *Manager) StopContainer(ctx context.Context, containerID string) error {
	// The call must outlive the daemon's own grace period.
	ctx, cancel := context.WithTimeout(ctx, m.callTimeout+m.stopTimeout)
	defer cancel()

	timeoutSeconds := int(m.stopTimeout.Seconds())
	if err := m.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeoutSeconds}); err != nil {
		return newEngineError(OpStopContainer, containerID, err)
	}

	m.logger.Debug("container stopped", zap.String("id", types.ShortID(containerID)))
	return nil
}

// RemoveContainer removes a stopped container
func (m *Manager) RemoveContainer(ctx context.Context, containerID string) error {
	ctx, cancel := m.bounded(ctx)
	defer cancel()

	if err := m.client.ContainerRemove(ctx, containerID, container.RemoveOptions{}); err != nil {
		return newEngineError(OpRemoveContainer, containerID, err)
	}

	m.logger.Debug("container removed", zap.String("id", types.ShortID(containerID)))
	return nil
}

// CreateContainer creates a container named name running imageRef and returns its ID
func (m *Manager) CreateContainer(ctx context.Context, imageRef, name string) (string, error) {
	ctx, cancel := m.bounded(ctx)
	defer cancel()

	resp, err := m.client.ContainerCreate(ctx, &container.Config{Image: imageRef}, nil, nil, nil, name)
	if err != nil {
		return "", newEngineError(OpCreateContainer, name, err)
	}
	for _, w := range resp.Warnings {
		m.logger.Warn("container create warning", zap.String("name", name), zap.String("warning", w))
	}

	m.logger.Debug("container created",
		zap.String("id", types.ShortID(resp.ID)),
		zap.String("name", name),
		zap.String("image", imageRef))
	return resp.ID, nil
}

// StartContainer starts a created container
func (m *Manager) StartContainer(ctx context.Context, containerID string) error {
	ctx, cancel := m.bounded(ctx)
	defer cancel()

	if err := m.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return newEngineError(OpStartContainer, containerID, err)
	}

	m.logger.Debug("container started", zap.String("id", types.ShortID(containerID)))
	return nil
}

// ListImages lists every image known to the daemon in the daemon's order
func (m *Manager) ListImages(ctx context.Context) ([]types.ImageRecord, error) {
	ctx, cancel := m.bounded(ctx)
	defer cancel()

	images, err := m.client.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return nil, newEngineError(OpListImages, "", err)
	}

	result := make([]types.ImageRecord, 0, len(images))
	for _, img := range images {
		result = append(result, types.ImageRecord{
			ID:        img.ID,
			RepoTags:  img.RepoTags,
			CreatedAt: time.Unix(img.Created, 0),
		})
	}
	return result, nil
}

// InspectImage fetches a single image by ID or reference
func (m *Manager) InspectImage(ctx context.Context, imageID string) (types.ImageRecord, error) {
	ctx, cancel := m.bounded(ctx)
	defer cancel()

	inspect, err := m.client.ImageInspect(ctx, imageID)
	if err != nil {
		return types.ImageRecord{}, newEngineError(OpInspectImage, imageID, err)
	}

	record := types.ImageRecord{
		ID:       inspect.ID,
		RepoTags: inspect.RepoTags,
	}
	if created, err := time.Parse(time.RFC3339Nano, inspect.Created); err == nil {
		record.CreatedAt = created
	}
	return record, nil
}

// Close closes the Docker client connection
func (m *Manager) Close() error {
	if m.client != nil {
		return m.client.Close()
	}
	return nil
}
