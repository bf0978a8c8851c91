package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/penguintechinc/rollbackd/pkg/types"
)

type mockStreamWriter struct {
	mock.Mock
}

func (m *mockStreamWriter) XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd {
	args := m.Called(ctx, a)
	return args.Get(0).(*redis.StringCmd)
}

func TestPublishRollback(t *testing.T) {
	writer := new(mockStreamWriter)
	writer.On("XAdd", mock.Anything, mock.MatchedBy(func(a *redis.XAddArgs) bool {
		values, ok := a.Values.(map[string]interface{})
		return ok &&
			a.Stream == "custom:events" &&
			a.MaxLen == 50 &&
			a.Approx &&
			values["container"] == "web-1" &&
			values["target_image"] == "myapp:v2" &&
			values["outcome"] == types.OutcomeSucceeded
	})).Return(redis.NewStringResult("1700000000000-0", nil))

	p := NewPublisher(writer, "custom:events", 50)
	id, err := p.PublishRollback(context.Background(), RollbackEvent{
		Container:   "web-1",
		ContainerID: "c1",
		TargetImage: "myapp:v2",
		Outcome:     types.OutcomeSucceeded,
	})

	require.NoError(t, err)
	assert.Equal(t, "1700000000000-0", id)
	writer.AssertExpectations(t)
}

func TestPublishRollback_RedisError(t *testing.T) {
	writer := new(mockStreamWriter)
	writer.On("XAdd", mock.Anything, mock.Anything).
		Return(redis.NewStringResult("", errors.New("READONLY You can't write against a read only replica")))

	p := NewPublisher(writer, "", 0)
	_, err := p.PublishRollback(context.Background(), RollbackEvent{Container: "web-1"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "READONLY")
}

func TestPublishRollback_RequiresContainer(t *testing.T) {
	writer := new(mockStreamWriter)

	p := NewPublisher(writer, "", 0)
	_, err := p.PublishRollback(context.Background(), RollbackEvent{})

	assert.Error(t, err)
	writer.AssertNotCalled(t, "XAdd", mock.Anything, mock.Anything)
}

func TestNewPublisher_Defaults(t *testing.T) {
	p := NewPublisher(new(mockStreamWriter), "", -1)

	assert.Equal(t, DefaultEventsStream, p.stream)
	assert.Equal(t, int64(DefaultMaxStreamLen), p.maxStreamLen)
}

func TestEventToFields(t *testing.T) {
	ts := time.UnixMilli(1700000000123)

	fields := eventToFields(RollbackEvent{
		Container:   "web-1",
		ContainerID: "c1",
		FromImageID: "sha256:v3",
		TargetImage: "myapp:v2",
		Outcome:     types.OutcomeFailed,
		FailedState: "removing",
		Restarts:    3,
		Error:       "device busy",
		Timestamp:   ts,
	})

	assert.Equal(t, "3", fields["restarts"])
	assert.Equal(t, "1700000000123", fields["timestamp"])
	assert.Equal(t, "removing", fields["failed_state"])
	assert.Equal(t, "device busy", fields["error"])
	assert.NotContains(t, fields, "new_id")
}
