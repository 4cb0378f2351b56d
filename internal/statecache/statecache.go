// Package statecache mirrors hypervisor-observed VM state into the
// shared cache and carries change notifications over its pub/sub
// channels.
//
// One JSON document is kept per VM under vm:<id>:state with a short
// TTL, so readers never see state older than the TTL if the poller
// stops. Events are fire-and-forget: a subscriber that attaches after
// an event was published will never see it.
package statecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Channel names. The pattern subscribed by the event bridge must cover
// every channel published here.
const (
	ChannelPowerStateChange = "hypervisor:vmPowerStateChange"
	ChannelTaskChange       = "hypervisor:taskChange"
	ChannelPattern          = "hypervisor:*"
)

// ErrNotFound is returned when no state document exists for a VM. A
// single miss does not mean the VM is gone; callers distinguish "not
// polled yet" from "confirmed absent" by bounded retry.
var ErrNotFound = errors.New("statecache: vm state not found")

// DefaultTTL is how long a state document survives without a refresh.
// It must exceed the poller's state tick interval with margin.
const DefaultTTL = 10 * time.Second

// PowerStatus is the cached power state of a VM.
type PowerStatus string

const (
	PowerRunning PowerStatus = "running"
	PowerStopped PowerStatus = "stopped"
	PowerUnknown PowerStatus = "unknown"
)

// VMState is the cache document for one VM.
type VMState struct {
	Status            PowerStatus `json:"status"`
	CPUUsagePercent   float64     `json:"cpuUsagePercent"`
	MemoryUsageBytes  int64       `json:"memoryUsageBytes"`
	MemoryMaxBytes    int64       `json:"memoryMaxBytes"`
	UpTimeSeconds     int64       `json:"upTimeSeconds"`
	BandwidthInBytes  int64       `json:"bandwidthInBytes"`
	BandwidthOutBytes int64       `json:"bandwidthOutBytes"`
	BandwidthMaxBytes int64       `json:"bandwidthMaxBytes"`
	Node              string      `json:"node"`
	VMID              int         `json:"vmid"`
}

// PowerStateChange is the payload published on ChannelPowerStateChange.
type PowerStateChange struct {
	VMID          string      `json:"vmId"`
	OldPowerState PowerStatus `json:"oldPowerState"`
	NewPowerState PowerStatus `json:"newPowerState"`
}

// TaskChange is the payload published on ChannelTaskChange.
type TaskChange struct {
	TaskID    string `json:"taskId"`
	OldStatus string `json:"oldStatus"`
	NewStatus string `json:"newStatus"`
}

// Cache wraps the shared key/value store.
type Cache struct {
	rdb *redis.Client
	ttl time.Duration
}

// New creates a Cache using DefaultTTL for state documents.
func New(rdb *redis.Client) *Cache {
	return NewWithTTL(rdb, DefaultTTL)
}

// NewWithTTL creates a Cache with an explicit document TTL.
func NewWithTTL(rdb *redis.Client, ttl time.Duration) *Cache {
	return &Cache{rdb: rdb, ttl: ttl}
}

func stateKey(vmID string) string {
	return fmt.Sprintf("vm:%s:state", vmID)
}

// SetVMState writes the state document for a VM, refreshing its TTL.
func (c *Cache) SetVMState(ctx context.Context, vmID string, state VMState) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal vm state: %w", err)
	}
	if err := c.rdb.Set(ctx, stateKey(vmID), payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("set vm state: %w", err)
	}
	return nil
}

// GetVMState reads the state document for a VM. Returns ErrNotFound if
// the key is absent or expired.
func (c *Cache) GetVMState(ctx context.Context, vmID string) (VMState, error) {
	payload, err := c.rdb.Get(ctx, stateKey(vmID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return VMState{}, ErrNotFound
	}
	if err != nil {
		return VMState{}, fmt.Errorf("get vm state: %w", err)
	}

	var state VMState
	if err := json.Unmarshal(payload, &state); err != nil {
		return VMState{}, fmt.Errorf("unmarshal vm state: %w", err)
	}
	return state, nil
}

// DeleteVMState removes the state document for a VM.
func (c *Cache) DeleteVMState(ctx context.Context, vmID string) error {
	if err := c.rdb.Del(ctx, stateKey(vmID)).Err(); err != nil {
		return fmt.Errorf("delete vm state: %w", err)
	}
	return nil
}

// PublishPowerStateChange announces a VM power transition.
func (c *Cache) PublishPowerStateChange(ctx context.Context, change PowerStateChange) error {
	payload, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("marshal power state change: %w", err)
	}
	if err := c.rdb.Publish(ctx, ChannelPowerStateChange, payload).Err(); err != nil {
		return fmt.Errorf("publish power state change: %w", err)
	}
	return nil
}

// PublishTaskChange announces a hypervisor task status transition.
func (c *Cache) PublishTaskChange(ctx context.Context, change TaskChange) error {
	payload, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("marshal task change: %w", err)
	}
	if err := c.rdb.Publish(ctx, ChannelTaskChange, payload).Err(); err != nil {
		return fmt.Errorf("publish task change: %w", err)
	}
	return nil
}
