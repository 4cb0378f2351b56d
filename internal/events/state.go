package events

import (
	"context"
	"errors"
	"time"

	"github.com/typevps/engine/internal/statecache"
)

// StateReader is the cache read surface the waiters need.
// Satisfied by *statecache.Cache.
type StateReader interface {
	GetVMState(ctx context.Context, vmID string) (statecache.VMState, error)
}

// DefaultStateRetryDelay matches the poller's worst-case notice lag
// with some margin.
const DefaultStateRetryDelay = 6 * time.Second

// GetVMState reads the cached state for a VM. On a miss it sleeps
// retryDelay and retries up to maxRetries times before reporting
// statecache.ErrNotFound. During creation the poller needs up to one
// tick to notice a new VM, so a single negative lookup proves nothing.
func GetVMState(ctx context.Context, r StateReader, vmID string, maxRetries int, retryDelay time.Duration) (statecache.VMState, error) {
	for attempt := 0; ; attempt++ {
		state, err := r.GetVMState(ctx, vmID)
		if err == nil {
			return state, nil
		}
		if !errors.Is(err, statecache.ErrNotFound) {
			return statecache.VMState{}, err
		}
		if attempt >= maxRetries {
			return statecache.VMState{}, statecache.ErrNotFound
		}

		select {
		case <-ctx.Done():
			return statecache.VMState{}, ctx.Err()
		case <-time.After(retryDelay):
		}
	}
}

// WaitForStateRemoved is the symmetric primitive for deletion: it
// retries until the VM's state document is confirmed absent, or gives
// up after maxRetries and returns ErrTimeout.
func WaitForStateRemoved(ctx context.Context, r StateReader, vmID string, maxRetries int, retryDelay time.Duration) error {
	for attempt := 0; ; attempt++ {
		_, err := r.GetVMState(ctx, vmID)
		if errors.Is(err, statecache.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if attempt >= maxRetries {
			return ErrTimeout
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryDelay):
		}
	}
}
