package poller

import (
	"context"
	"sync"

	"github.com/typevps/engine/internal/hypervisor"
	"github.com/typevps/engine/internal/statecache"
)

// fakeHV overrides the listing calls the poller uses; everything else
// panics through the embedded nil interface.
type fakeHV struct {
	hypervisor.Client

	mu          sync.Mutex
	resources   []hypervisor.Resource
	tasks       []hypervisor.Task
	statusFunc  func(ref hypervisor.Ref) (hypervisor.VMStatus, error)
	statusCalls []hypervisor.Ref
}

func (f *fakeHV) Resources(ctx context.Context) ([]hypervisor.Resource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]hypervisor.Resource(nil), f.resources...), nil
}

func (f *fakeHV) Tasks(ctx context.Context) ([]hypervisor.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]hypervisor.Task(nil), f.tasks...), nil
}

func (f *fakeHV) Status(ctx context.Context, ref hypervisor.Ref) (hypervisor.VMStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls = append(f.statusCalls, ref)
	if f.statusFunc != nil {
		return f.statusFunc(ref)
	}
	return hypervisor.VMStatus{}, nil
}

// fakeSink records everything the poller writes and publishes.
type fakeSink struct {
	mu     sync.Mutex
	states map[string]statecache.VMState
	writes []string
	power  []statecache.PowerStateChange
	tasks  []statecache.TaskChange
}

func newFakeSink() *fakeSink {
	return &fakeSink{states: make(map[string]statecache.VMState)}
}

func (f *fakeSink) SetVMState(ctx context.Context, vmID string, state statecache.VMState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[vmID] = state
	f.writes = append(f.writes, vmID)
	return nil
}

func (f *fakeSink) PublishPowerStateChange(ctx context.Context, change statecache.PowerStateChange) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.power = append(f.power, change)
	return nil
}

func (f *fakeSink) PublishTaskChange(ctx context.Context, change statecache.TaskChange) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, change)
	return nil
}
