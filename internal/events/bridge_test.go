package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/typevps/engine/internal/statecache"
)

func newTestBridge(t *testing.T) *Bridge {
	t.Helper()
	return NewBridge(nil, zaptest.NewLogger(t))
}

func taskMessage(t *testing.T, change statecache.TaskChange) *redis.Message {
	t.Helper()
	payload, err := json.Marshal(change)
	require.NoError(t, err)
	return &redis.Message{Channel: statecache.ChannelTaskChange, Payload: string(payload)}
}

func powerMessage(t *testing.T, change statecache.PowerStateChange) *redis.Message {
	t.Helper()
	payload, err := json.Marshal(change)
	require.NoError(t, err)
	return &redis.Message{Channel: statecache.ChannelPowerStateChange, Payload: string(payload)}
}

func TestWaitForTaskDone(t *testing.T) {
	b := newTestBridge(t)

	go func() {
		time.Sleep(20 * time.Millisecond)
		b.dispatch(taskMessage(t, statecache.TaskChange{
			TaskID: "task1", OldStatus: "running", NewStatus: "OK",
		}))
	}()

	status, err := b.WaitForTaskDone(context.Background(), "task1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "task1", status.TaskID)
	assert.True(t, status.OK())
}

func TestWaitForTaskDone_IgnoresNonTerminal(t *testing.T) {
	b := newTestBridge(t)

	go func() {
		time.Sleep(10 * time.Millisecond)
		b.dispatch(taskMessage(t, statecache.TaskChange{
			TaskID: "task1", NewStatus: "running",
		}))
		time.Sleep(10 * time.Millisecond)
		b.dispatch(taskMessage(t, statecache.TaskChange{
			TaskID: "task1", OldStatus: "running", NewStatus: "FAILED",
		}))
	}()

	status, err := b.WaitForTaskDone(context.Background(), "task1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "FAILED", status.NewStatus)
	assert.False(t, status.OK())
}

func TestWaitForTaskDone_Timeout(t *testing.T) {
	b := newTestBridge(t)

	_, err := b.WaitForTaskDone(context.Background(), "never", 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestWaitForTaskDone_ContextCancelled(t *testing.T) {
	b := newTestBridge(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := b.WaitForTaskDone(ctx, "never", time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWaitForTaskOK_Failed(t *testing.T) {
	b := newTestBridge(t)

	b.dispatch(taskMessage(t, statecache.TaskChange{
		TaskID: "task1", NewStatus: "FAILED",
	}))

	err := b.WaitForTaskOK(context.Background(), "task1", time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FAILED")
}

func TestReplayWindow(t *testing.T) {
	b := newTestBridge(t)

	// Event lands before anyone is waiting.
	b.dispatch(taskMessage(t, statecache.TaskChange{
		TaskID: "task1", NewStatus: "OK",
	}))

	// A late waiter is served from the replay memory without blocking.
	status, err := b.WaitForTaskDone(context.Background(), "task1", 50*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, status.OK())
}

func TestReplayWindowExpiry(t *testing.T) {
	b := newTestBridge(t)
	b.window = 10 * time.Millisecond

	b.dispatch(taskMessage(t, statecache.TaskChange{
		TaskID: "task1", NewStatus: "OK",
	}))
	time.Sleep(30 * time.Millisecond)

	// Outside the window the event is gone; the waiter blocks and
	// times out.
	_, err := b.WaitForTaskDone(context.Background(), "task1", 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestWaitForPowerStateChange(t *testing.T) {
	b := newTestBridge(t)

	go func() {
		time.Sleep(20 * time.Millisecond)
		b.dispatch(powerMessage(t, statecache.PowerStateChange{
			VMID:          "vm1",
			OldPowerState: statecache.PowerStopped,
			NewPowerState: statecache.PowerRunning,
		}))
	}()

	tr, err := b.WaitForPowerStateChange(context.Background(), "vm1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, statecache.PowerRunning, tr.NewPowerState)
}

func TestDispatchBadPayload(t *testing.T) {
	b := newTestBridge(t)

	// Must not panic or wedge the bridge.
	b.dispatch(&redis.Message{Channel: statecache.ChannelTaskChange, Payload: "not json"})
	b.dispatch(&redis.Message{Channel: "hypervisor:unknown", Payload: "{}"})

	_, err := b.WaitForTaskDone(context.Background(), "task1", 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestWaiterCancelCleansUp(t *testing.T) {
	b := newTestBridge(t)

	_, err := b.WaitForTaskDone(context.Background(), "task1", 10*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)

	b.mu.Lock()
	defer b.mu.Unlock()
	assert.Empty(t, b.taskWaiters, "timed out waiter must deregister")
}
