package executor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/penguintechinc/rollbackd/internal/container"
	"github.com/penguintechinc/rollbackd/internal/enginetest"
	"github.com/penguintechinc/rollbackd/pkg/types"
)

func newFleet(t *testing.T) *enginetest.Engine {
	t.Helper()
	engine := enginetest.New()
	engine.AddImage("sha256:v3", time.Unix(3, 0), "myapp:v3")
	engine.AddImage("sha256:v2", time.Unix(1, 0), "myapp:v2")
	engine.AddContainer("c1", "web-1", "sha256:v3", 2)
	return engine
}

func webPlan(t *testing.T, engine *enginetest.Engine) Plan {
	t.Helper()
	snap, ok := engine.Container("web-1")
	require.True(t, ok)
	plan, err := NewPlan(snap, "myapp:v2")
	require.NoError(t, err)
	return plan
}

type recorder struct {
	states []State
}

func (r *recorder) record(_ Plan, s State) {
	r.states = append(r.states, s)
}

func TestExecute_SwapsContainer(t *testing.T) {
	engine := newFleet(t)
	rec := &recorder{}
	exec := NewExecutor(engine, zap.NewNop(), Options{OnTransition: rec.record})

	newID, err := exec.Execute(context.Background(), webPlan(t, engine))

	require.NoError(t, err)
	assert.NotEmpty(t, newID)
	assert.Equal(t, []State{
		StateRunning, StateStopping, StateStopped, StateRemoving,
		StateRemoved, StateCreating, StateStarted,
	}, rec.states)
	assert.Equal(t, []string{"stop c1", "remove c1", "create web-1 myapp:v2", "start " + newID}, engine.Calls())

	c, ok := engine.Container("web-1")
	require.True(t, ok)
	assert.Equal(t, newID, c.ID)
	assert.Equal(t, "sha256:v2", c.ImageID)
	assert.Equal(t, "running", c.State)
}

func TestExecute_StopFails(t *testing.T) {
	engine := newFleet(t)
	engine.Fail(container.OpStopContainer, errors.New("permission denied"))
	rec := &recorder{}
	exec := NewExecutor(engine, nil, Options{OnTransition: rec.record})

	_, err := exec.Execute(context.Background(), webPlan(t, engine))

	failure, ok := AsExecutionFailure(err)
	require.True(t, ok)
	assert.Equal(t, StateStopping, failure.State)
	assert.False(t, failure.Inconsistent)
	assert.Equal(t, StateFailed, rec.states[len(rec.states)-1])
	assert.Equal(t, []string{"stop c1"}, engine.Calls())

	c, ok := engine.Container("web-1")
	require.True(t, ok)
	assert.Equal(t, "c1", c.ID)
	assert.Equal(t, "running", c.State)
}

func TestExecute_RemoveFailsLeavesStoppedContainer(t *testing.T) {
	engine := newFleet(t)
	engine.Fail(container.OpRemoveContainer, errors.New("device busy"))
	exec := NewExecutor(engine, nil, Options{})

	_, err := exec.Execute(context.Background(), webPlan(t, engine))

	failure, ok := AsExecutionFailure(err)
	require.True(t, ok)
	assert.Equal(t, StateRemoving, failure.State)
	assert.True(t, failure.Inconsistent)
	engineErr, ok := container.AsEngineError(err)
	require.True(t, ok)
	assert.Equal(t, container.OpRemoveContainer, engineErr.Op)

	c, ok := engine.Container("web-1")
	require.True(t, ok)
	assert.Equal(t, "c1", c.ID)
	assert.Equal(t, "exited", c.State)
	assert.Equal(t, 2, c.RestartCount)
}

func TestExecute_CreateFailsLeavesNoContainer(t *testing.T) {
	engine := newFleet(t)
	engine.Fail(container.OpCreateContainer, errors.New("no space left on device"))
	exec := NewExecutor(engine, nil, Options{})

	_, err := exec.Execute(context.Background(), webPlan(t, engine))

	failure, ok := AsExecutionFailure(err)
	require.True(t, ok)
	assert.Equal(t, StateCreating, failure.State)
	assert.True(t, failure.Inconsistent)
	assert.Contains(t, err.Error(), "web-1")
	assert.Contains(t, err.Error(), "myapp:v2")

	_, ok = engine.Container("web-1")
	assert.False(t, ok)
}

func TestExecute_StartFails(t *testing.T) {
	engine := newFleet(t)
	engine.Fail(container.OpStartContainer, errors.New("port is already allocated"))
	exec := NewExecutor(engine, nil, Options{})

	newID, err := exec.Execute(context.Background(), webPlan(t, engine))

	failure, ok := AsExecutionFailure(err)
	require.True(t, ok)
	assert.Equal(t, StateCreating, failure.State)
	assert.Contains(t, err.Error(), "port is already allocated")
	assert.Empty(t, newID)

	_, ok = engine.Container("web-1")
	assert.False(t, ok, "replacement that failed to start should be removed")

	calls := engine.Calls()
	require.Len(t, calls, 5)
	assert.Equal(t, "remove c1", calls[1])
	assert.True(t, strings.HasPrefix(calls[3], "start "))
	assert.Equal(t, "remove "+strings.TrimPrefix(calls[3], "start "), calls[4])
}

func TestExecute_CancelledBeforeStart(t *testing.T) {
	engine := newFleet(t)
	exec := NewExecutor(engine, nil, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := exec.Execute(ctx, webPlan(t, engine))

	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, engine.Calls())
}

func TestExecute_CancelDuringSwapStillCompletes(t *testing.T) {
	engine := newFleet(t)
	ctx, cancel := context.WithCancel(context.Background())
	exec := NewExecutor(engine, nil, Options{OnTransition: func(_ Plan, s State) {
		if s == StateRemoved {
			cancel()
		}
	}})

	_, err := exec.Execute(ctx, webPlan(t, engine))

	require.NoError(t, err)
	c, ok := engine.Container("web-1")
	require.True(t, ok)
	assert.Equal(t, "running", c.State)
}

func TestExecute_CollectsCrashOutput(t *testing.T) {
	engine := newFleet(t)
	engine.SetLogs("c1", "0", "1", "2", "Error: Simulated crash")

	var tailed []string
	exec := NewExecutor(&tailSpy{Engine: engine, seen: &tailed}, nil, Options{LogTail: 2})

	_, err := exec.Execute(context.Background(), webPlan(t, engine))

	require.NoError(t, err)
	assert.Equal(t, []string{"2", "Error: Simulated crash"}, tailed)
}

func TestExecute_CrashOutputFailureDoesNotBlockSwap(t *testing.T) {
	engine := newFleet(t)
	engine.Fail(container.OpContainerLogs, errors.New("logging driver does not support reading"))
	exec := NewExecutor(engine, nil, Options{LogTail: 20})

	_, err := exec.Execute(context.Background(), webPlan(t, engine))

	require.NoError(t, err)
}

type tailSpy struct {
	*enginetest.Engine
	seen *[]string
}

func (s *tailSpy) TailLogs(ctx context.Context, id string, lines int) ([]string, error) {
	out, err := s.Engine.TailLogs(ctx, id, lines)
	*s.seen = out
	return out, err
}

type mockEngine struct {
	mock.Mock
}

func (m *mockEngine) StopContainer(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockEngine) RemoveContainer(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockEngine) CreateContainer(ctx context.Context, imageRef, name string) (string, error) {
	args := m.Called(ctx, imageRef, name)
	return args.String(0), args.Error(1)
}

func (m *mockEngine) StartContainer(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func TestExecute_CallsEngineInOrder(t *testing.T) {
	engine := new(mockEngine)
	stop := engine.On("StopContainer", mock.Anything, "abc").Return(nil).Once()
	remove := engine.On("RemoveContainer", mock.Anything, "abc").Return(nil).Once().NotBefore(stop)
	create := engine.On("CreateContainer", mock.Anything, "myapp:v2", "web-1").Return("def", nil).Once().NotBefore(remove)
	engine.On("StartContainer", mock.Anything, "def").Return(nil).Once().NotBefore(create)

	plan, err := NewPlan(types.ContainerSnapshot{ID: "abc", Name: "web-1"}, "myapp:v2")
	require.NoError(t, err)

	newID, err := NewExecutor(engine, nil, Options{LogTail: 10}).Execute(context.Background(), plan)

	require.NoError(t, err)
	assert.Equal(t, "def", newID)
	engine.AssertExpectations(t)
}

func TestExecute_StartAndCleanupFail(t *testing.T) {
	engine := new(mockEngine)
	engine.On("StopContainer", mock.Anything, "abc").Return(nil).Once()
	engine.On("RemoveContainer", mock.Anything, "abc").Return(nil).Once()
	engine.On("CreateContainer", mock.Anything, "myapp:v2", "web-1").Return("def", nil).Once()
	start := engine.On("StartContainer", mock.Anything, "def").Return(errors.New("exec format error")).Once()
	engine.On("RemoveContainer", mock.Anything, "def").Return(errors.New("device or resource busy")).Once().NotBefore(start)

	plan, err := NewPlan(types.ContainerSnapshot{ID: "abc", Name: "web-1"}, "myapp:v2")
	require.NoError(t, err)

	newID, err := NewExecutor(engine, nil, Options{}).Execute(context.Background(), plan)

	failure, ok := AsExecutionFailure(err)
	require.True(t, ok)
	assert.Equal(t, StateCreating, failure.State)
	assert.Contains(t, err.Error(), "exec format error")
	assert.Equal(t, "def", newID)
	engine.AssertExpectations(t)
}

func TestNewPlan_Validates(t *testing.T) {
	_, err := NewPlan(types.ContainerSnapshot{ID: "abc", Name: "web-1"}, "")
	assert.Error(t, err)

	_, err = NewPlan(types.ContainerSnapshot{Name: "web-1"}, "myapp:v2")
	assert.Error(t, err)
}
