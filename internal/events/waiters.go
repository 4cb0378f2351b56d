package events

import (
	"context"
	"fmt"
	"time"

	"github.com/typevps/engine/internal/hypervisor"
)

// Default deadlines for the blocking primitives. Every wait against an
// external system must be bounded.
const (
	DefaultTaskTimeout  = 60 * time.Second
	DefaultPowerTimeout = 120 * time.Second
	DefaultAgentTimeout = 60 * time.Second

	agentPollInterval = time.Second
)

// WaitForTaskDone blocks until the task reaches a terminal status or
// the timeout elapses. Safe to call concurrently for many task ids.
func (b *Bridge) WaitForTaskDone(ctx context.Context, taskID string, timeout time.Duration) (TaskStatus, error) {
	ch, cancel := b.registerTask(taskID)
	defer cancel()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case status := <-ch:
		return status, nil
	case <-timer.C:
		return TaskStatus{}, fmt.Errorf("task %s after %v: %w", taskID, timeout, ErrTimeout)
	case <-ctx.Done():
		return TaskStatus{}, ctx.Err()
	}
}

// WaitForTaskOK waits for the task and converts a FAILED terminal
// status into an error.
func (b *Bridge) WaitForTaskOK(ctx context.Context, taskID string, timeout time.Duration) error {
	status, err := b.WaitForTaskDone(ctx, taskID, timeout)
	if err != nil {
		return err
	}
	if !status.OK() {
		return fmt.Errorf("task %s finished with status %q", taskID, status.NewStatus)
	}
	return nil
}

// WaitForPowerStateChange blocks until the VM publishes a power
// transition or the timeout elapses.
func (b *Bridge) WaitForPowerStateChange(ctx context.Context, vmID string, timeout time.Duration) (PowerTransition, error) {
	ch, cancel := b.registerPower(vmID)
	defer cancel()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case tr := <-ch:
		return tr, nil
	case <-timer.C:
		return PowerTransition{}, fmt.Errorf("power change for vm %s after %v: %w", vmID, timeout, ErrTimeout)
	case <-ctx.Done():
		return PowerTransition{}, ctx.Err()
	}
}

// PowerActionWait issues a power action and waits for both its task
// completion and the resulting power transition. The power waiter is
// registered before the action is issued so a fast transition cannot
// be missed.
func (b *Bridge) PowerActionWait(ctx context.Context, hv hypervisor.Client, ref hypervisor.Ref, vmID string, action hypervisor.PowerAction) error {
	powerCh, cancelPower := b.registerPower(vmID)
	defer cancelPower()

	taskID, err := hv.Power(ctx, ref, action)
	if err != nil {
		return fmt.Errorf("power %s vm %s: %w", action, vmID, err)
	}

	if err := b.WaitForTaskOK(ctx, taskID, DefaultTaskTimeout); err != nil {
		return err
	}

	timer := time.NewTimer(DefaultPowerTimeout)
	defer timer.Stop()

	select {
	case <-powerCh:
		return nil
	case <-timer.C:
		return fmt.Errorf("power change for vm %s after %v: %w", vmID, DefaultPowerTimeout, ErrTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitForAgentOnline polls the guest agent until it answers or the
// timeout elapses. Agent readiness has no push event, so this one is
// poll-based by design.
func WaitForAgentOnline(ctx context.Context, hv hypervisor.Client, ref hypervisor.Ref, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if err := hv.AgentPing(ctx, ref); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("guest agent on %s/%d after %v: %w", ref.Node, ref.VMID, timeout, ErrTimeout)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(agentPollInterval):
		}
	}
}
