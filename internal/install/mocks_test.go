package install

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/typevps/engine/internal/hypervisor"
	"github.com/typevps/engine/internal/statecache"
)

// mockHV is a scripted hypervisor client. Every method appends its
// name to calls so tests can assert the exact pipeline step order, and
// errOn injects a failure at any single step.
type mockHV struct {
	mu    sync.Mutex
	calls []string

	resources []hypervisor.Resource
	storage   []hypervisor.StorageFile
	config    map[string]string

	// When set, DownloadURL reports a task but leaves storage untouched.
	downloadNoEffect bool

	errOn map[string]error

	// Captured arguments.
	createRef    hypervisor.Ref
	createParams hypervisor.CreateParams
	deletedRef   hypervisor.Ref
	resizes      []string
	nics         []hypervisor.NIC
	ipconfigs    []hypervisor.IPConfig
	deletedKeys  []string
	ipsets       []string
	ipsetAdds    []string
	fwOptions    hypervisor.FirewallOptions
	fwRules      []hypervisor.FirewallRule
	powerActions []hypervisor.PowerAction
	downloads    []string
	execInputs   []string
	passwordSets [][2]string
}

func newMockHV() *mockHV {
	return &mockHV{
		config: map[string]string{},
		errOn:  map[string]error{},
	}
}

func (m *mockHV) step(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, name)
	return m.errOn[name]
}

func (m *mockHV) Resources(ctx context.Context) ([]hypervisor.Resource, error) {
	if err := m.step("Resources"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]hypervisor.Resource(nil), m.resources...), nil
}

func (m *mockHV) Tasks(ctx context.Context) ([]hypervisor.Task, error) {
	if err := m.step("Tasks"); err != nil {
		return nil, err
	}
	return nil, nil
}

func (m *mockHV) Status(ctx context.Context, ref hypervisor.Ref) (hypervisor.VMStatus, error) {
	if err := m.step("Status"); err != nil {
		return hypervisor.VMStatus{}, err
	}
	return hypervisor.VMStatus{}, nil
}

func (m *mockHV) Config(ctx context.Context, ref hypervisor.Ref) (map[string]string, error) {
	if err := m.step("Config"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.config))
	for k, v := range m.config {
		out[k] = v
	}
	return out, nil
}

func (m *mockHV) SetNetworkConfig(ctx context.Context, ref hypervisor.Ref, nics []hypervisor.NIC, ipconfigs []hypervisor.IPConfig) error {
	if err := m.step("SetNetworkConfig"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nics = nics
	m.ipconfigs = ipconfigs
	return nil
}

func (m *mockHV) DeleteConfigKeys(ctx context.Context, ref hypervisor.Ref, keys []string) error {
	if err := m.step("DeleteConfigKeys"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletedKeys = append(m.deletedKeys, keys...)
	return nil
}

func (m *mockHV) Create(ctx context.Context, ref hypervisor.Ref, params hypervisor.CreateParams) (string, error) {
	if err := m.step("Create"); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createRef = ref
	m.createParams = params
	return "task-create", nil
}

func (m *mockHV) Delete(ctx context.Context, ref hypervisor.Ref) (string, error) {
	if err := m.step("Delete"); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletedRef = ref
	return "task-delete", nil
}

func (m *mockHV) ResizeDisk(ctx context.Context, ref hypervisor.Ref, disk, size string) error {
	if err := m.step("ResizeDisk"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resizes = append(m.resizes, disk+"="+size)
	return nil
}

func (m *mockHV) Power(ctx context.Context, ref hypervisor.Ref, action hypervisor.PowerAction) (string, error) {
	if err := m.step("Power"); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.powerActions = append(m.powerActions, action)
	return "task-power", nil
}

func (m *mockHV) CreateIPSet(ctx context.Context, ref hypervisor.Ref, name string) error {
	if err := m.step("CreateIPSet"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ipsets = append(m.ipsets, name)
	return nil
}

func (m *mockHV) AddToIPSet(ctx context.Context, ref hypervisor.Ref, ipset, cidr string) error {
	if err := m.step("AddToIPSet"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ipsetAdds = append(m.ipsetAdds, ipset+":"+cidr)
	return nil
}

func (m *mockHV) SetFirewallOptions(ctx context.Context, ref hypervisor.Ref, opts hypervisor.FirewallOptions) error {
	if err := m.step("SetFirewallOptions"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fwOptions = opts
	return nil
}

func (m *mockHV) AddFirewallRule(ctx context.Context, ref hypervisor.Ref, rule hypervisor.FirewallRule) error {
	if err := m.step("AddFirewallRule"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fwRules = append(m.fwRules, rule)
	return nil
}

func (m *mockHV) ListStorage(ctx context.Context, node, storage string) ([]hypervisor.StorageFile, error) {
	if err := m.step("ListStorage"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]hypervisor.StorageFile(nil), m.storage...), nil
}

func (m *mockHV) DownloadURL(ctx context.Context, node, storage, fileName, url string) (string, error) {
	if err := m.step("DownloadURL"); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.downloads = append(m.downloads, url)
	if !m.downloadNoEffect {
		m.storage = append(m.storage, hypervisor.StorageFile{
			VolID:    fmt.Sprintf("%s:iso/%s", storage, fileName),
			FileName: fileName,
			Content:  "iso",
		})
	}
	return "task-download", nil
}

func (m *mockHV) AgentPing(ctx context.Context, ref hypervisor.Ref) error {
	return m.step("AgentPing")
}

func (m *mockHV) AgentExec(ctx context.Context, ref hypervisor.Ref, command, input string) error {
	if err := m.step("AgentExec"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.execInputs = append(m.execInputs, input)
	return nil
}

func (m *mockHV) AgentSetPassword(ctx context.Context, ref hypervisor.Ref, username, password string) error {
	if err := m.step("AgentSetPassword"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.passwordSets = append(m.passwordSets, [2]string{username, password})
	return nil
}

var _ hypervisor.Client = (*mockHV)(nil)

// fakeCache scripts GetVMState per call number; the last response
// repeats once the script runs out.
type fakeCache struct {
	mu      sync.Mutex
	calls   int
	results []func() (statecache.VMState, error)
}

func (f *fakeCache) GetVMState(ctx context.Context, vmID string) (statecache.VMState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	if i >= len(f.results) {
		i = len(f.results) - 1
	}
	return f.results[i]()
}

func stateMissing() (statecache.VMState, error) {
	return statecache.VMState{}, statecache.ErrNotFound
}

func statePresent(status statecache.PowerStatus, node string, vmid int) func() (statecache.VMState, error) {
	return func() (statecache.VMState, error) {
		return statecache.VMState{Status: status, Node: node, VMID: vmid}, nil
	}
}

// fakeWaiter resolves task waits immediately. PowerActionWait still
// drives hv.Power so the call shows up in the mock's step order.
type fakeWaiter struct {
	mu        sync.Mutex
	taskWaits []string
	errOnTask map[string]error
}

func (w *fakeWaiter) WaitForTaskOK(ctx context.Context, taskID string, timeout time.Duration) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.taskWaits = append(w.taskWaits, taskID)
	return w.errOnTask[taskID]
}

func (w *fakeWaiter) PowerActionWait(ctx context.Context, hv hypervisor.Client, ref hypervisor.Ref, vmID string, action hypervisor.PowerAction) error {
	taskID, err := hv.Power(ctx, ref, action)
	if err != nil {
		return err
	}
	return w.WaitForTaskOK(ctx, taskID, 0)
}

// fakeSnippets captures uploaded cloud-init documents.
type fakeSnippets struct {
	mu    sync.Mutex
	names []string
	docs  map[string][]byte
}

func newFakeSnippets() *fakeSnippets {
	return &fakeSnippets{docs: make(map[string][]byte)}
}

func (f *fakeSnippets) Put(ctx context.Context, name string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.names = append(f.names, name)
	f.docs[name] = data
	return nil
}
