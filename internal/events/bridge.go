// Package events turns the shared cache's pub/sub delivery into
// process-local, typed, awaitable events.
//
// Events are at-most-once per process and never replayed by the
// transport. To close the race where a waiter registers just after the
// publish, the bridge remembers recent terminal task statuses and
// power transitions for a short window and serves waiters from that
// memory before blocking.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/typevps/engine/internal/hypervisor"
	"github.com/typevps/engine/internal/statecache"
)

// ErrTimeout is returned when a wait primitive exceeds its deadline.
// Callers treat it like any external failure but the message keeps the
// timeout distinguishable in progress logs.
var ErrTimeout = errors.New("events: wait timed out")

// DefaultReplayWindow is how long delivered events stay answerable for
// late-registering waiters.
const DefaultReplayWindow = 30 * time.Second

// TaskStatus is a task transition observed through the bridge.
type TaskStatus struct {
	TaskID    string
	OldStatus string
	NewStatus string
}

// OK reports whether the task finished successfully.
func (t TaskStatus) OK() bool {
	return t.NewStatus == hypervisor.TaskStatusOK
}

// PowerTransition is a VM power state change observed through the
// bridge.
type PowerTransition struct {
	VMID          string
	OldPowerState statecache.PowerStatus
	NewPowerState statecache.PowerStatus
}

type recentEvent[T any] struct {
	event T
	at    time.Time
}

// Bridge subscribes to the cache's wildcard channel pattern and fans
// events out to registered waiters. One Bridge per process; waiters
// only resolve within the process that registered them.
type Bridge struct {
	rdb    *redis.Client
	logger *zap.Logger
	window time.Duration

	mu           sync.Mutex
	taskWaiters  map[string][]chan TaskStatus
	powerWaiters map[string][]chan PowerTransition
	recentTasks  map[string]recentEvent[TaskStatus]
	recentPower  map[string]recentEvent[PowerTransition]
}

// NewBridge creates a Bridge. Run must be called for events to flow.
func NewBridge(rdb *redis.Client, logger *zap.Logger) *Bridge {
	return &Bridge{
		rdb:          rdb,
		logger:       logger,
		window:       DefaultReplayWindow,
		taskWaiters:  make(map[string][]chan TaskStatus),
		powerWaiters: make(map[string][]chan PowerTransition),
		recentTasks:  make(map[string]recentEvent[TaskStatus]),
		recentPower:  make(map[string]recentEvent[PowerTransition]),
	}
}

// Run subscribes and dispatches until the context is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	pubsub := b.rdb.PSubscribe(ctx, statecache.ChannelPattern)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", statecache.ChannelPattern, err)
	}

	b.logger.Info("event bridge subscribed", zap.String("pattern", statecache.ChannelPattern))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("events: subscription channel closed")
			}
			b.dispatch(msg)
		}
	}
}

func (b *Bridge) dispatch(msg *redis.Message) {
	switch msg.Channel {
	case statecache.ChannelPowerStateChange:
		var change statecache.PowerStateChange
		if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
			b.logger.Error("bad power state change payload", zap.Error(err))
			return
		}
		b.deliverPower(PowerTransition{
			VMID:          change.VMID,
			OldPowerState: change.OldPowerState,
			NewPowerState: change.NewPowerState,
		})

	case statecache.ChannelTaskChange:
		var change statecache.TaskChange
		if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
			b.logger.Error("bad task change payload", zap.Error(err))
			return
		}
		b.deliverTask(TaskStatus{
			TaskID:    change.TaskID,
			OldStatus: change.OldStatus,
			NewStatus: change.NewStatus,
		})

	default:
		b.logger.Debug("ignoring message on unknown channel", zap.String("channel", msg.Channel))
	}
}

// deliverTask hands terminal task transitions to waiters and records
// them for the replay window. Non-terminal transitions are ignored;
// waiters only care about completion.
func (b *Bridge) deliverTask(status TaskStatus) {
	if !hypervisor.TaskTerminal(status.NewStatus) {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.recentTasks[status.TaskID] = recentEvent[TaskStatus]{event: status, at: time.Now()}
	b.pruneLocked()

	for _, ch := range b.taskWaiters[status.TaskID] {
		ch <- status
	}
	delete(b.taskWaiters, status.TaskID)
}

func (b *Bridge) deliverPower(tr PowerTransition) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.recentPower[tr.VMID] = recentEvent[PowerTransition]{event: tr, at: time.Now()}
	b.pruneLocked()

	for _, ch := range b.powerWaiters[tr.VMID] {
		ch <- tr
	}
	delete(b.powerWaiters, tr.VMID)
}

// pruneLocked drops replay entries older than the window. Called with
// b.mu held.
func (b *Bridge) pruneLocked() {
	cutoff := time.Now().Add(-b.window)
	for id, ev := range b.recentTasks {
		if ev.at.Before(cutoff) {
			delete(b.recentTasks, id)
		}
	}
	for id, ev := range b.recentPower {
		if ev.at.Before(cutoff) {
			delete(b.recentPower, id)
		}
	}
}

// registerTask registers a one-shot waiter for a task id. If the task
// already completed within the replay window, the channel is primed
// immediately. The cancel func must be called to release the waiter.
func (b *Bridge) registerTask(taskID string) (<-chan TaskStatus, func()) {
	ch := make(chan TaskStatus, 1)

	b.mu.Lock()
	if ev, ok := b.recentTasks[taskID]; ok && time.Since(ev.at) <= b.window {
		ch <- ev.event
	} else {
		b.taskWaiters[taskID] = append(b.taskWaiters[taskID], ch)
	}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		waiters := b.taskWaiters[taskID]
		for i, c := range waiters {
			if c == ch {
				b.taskWaiters[taskID] = append(waiters[:i], waiters[i+1:]...)
				break
			}
		}
		if len(b.taskWaiters[taskID]) == 0 {
			delete(b.taskWaiters, taskID)
		}
	}
	return ch, cancel
}

func (b *Bridge) registerPower(vmID string) (<-chan PowerTransition, func()) {
	ch := make(chan PowerTransition, 1)

	b.mu.Lock()
	if ev, ok := b.recentPower[vmID]; ok && time.Since(ev.at) <= b.window {
		ch <- ev.event
	} else {
		b.powerWaiters[vmID] = append(b.powerWaiters[vmID], ch)
	}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		waiters := b.powerWaiters[vmID]
		for i, c := range waiters {
			if c == ch {
				b.powerWaiters[vmID] = append(waiters[:i], waiters[i+1:]...)
				break
			}
		}
		if len(b.powerWaiters[vmID]) == 0 {
			delete(b.powerWaiters, vmID)
		}
	}
	return ch, cancel
}
