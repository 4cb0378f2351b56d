package record

import (
	"context"
	"sync"
	"time"
)

// MemStore is an in-memory Store used by tests and local development.
type MemStore struct {
	mu        sync.RWMutex
	vms       map[string]VirtualMachine
	templates map[string]Template
	keys      map[string]SSHKey
	ips       map[string][]IPAddress
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		vms:       make(map[string]VirtualMachine),
		templates: make(map[string]Template),
		keys:      make(map[string]SSHKey),
		ips:       make(map[string][]IPAddress),
	}
}

// PutVM inserts or replaces a VM record.
func (s *MemStore) PutVM(vm VirtualMachine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vms[vm.ID] = vm
}

// PutTemplate inserts or replaces a template.
func (s *MemStore) PutTemplate(t Template) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[t.ID] = t
}

// PutSSHKey inserts or replaces an SSH key.
func (s *MemStore) PutSSHKey(k SSHKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[k.ID] = k
}

// PutAssignedIPs replaces a VM's assigned addresses.
func (s *MemStore) PutAssignedIPs(vmID string, ips []IPAddress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ips[vmID] = append([]IPAddress(nil), ips...)
}

func (s *MemStore) ListActiveVMs(ctx context.Context) ([]VirtualMachine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	var out []VirtualMachine
	for _, vm := range s.vms {
		if !vm.Expired(now) {
			out = append(out, vm)
		}
	}
	return out, nil
}

func (s *MemStore) GetVM(ctx context.Context, vmID string) (VirtualMachine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	vm, ok := s.vms[vmID]
	if !ok {
		return VirtualMachine{}, ErrNotFound
	}
	return vm, nil
}

func (s *MemStore) SetInstallStatus(ctx context.Context, vmID string, status InstallStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	vm, ok := s.vms[vmID]
	if !ok {
		return ErrNotFound
	}
	vm.InstallStatus = status
	s.vms[vmID] = vm
	return nil
}

func (s *MemStore) SetCredentials(ctx context.Context, vmID, username, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	vm, ok := s.vms[vmID]
	if !ok {
		return ErrNotFound
	}
	vm.Username = username
	vm.Password = password
	s.vms[vmID] = vm
	return nil
}

func (s *MemStore) Template(ctx context.Context, templateID string) (Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.templates[templateID]
	if !ok {
		return Template{}, ErrNotFound
	}
	return t, nil
}

func (s *MemStore) SSHKeys(ctx context.Context, ownerID int, keyIDs []string) ([]SSHKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []SSHKey
	for _, id := range keyIDs {
		k, ok := s.keys[id]
		if !ok || k.OwnerID != ownerID {
			continue
		}
		out = append(out, k)
	}
	return out, nil
}

func (s *MemStore) AssignedIPs(ctx context.Context, vmID string) ([]IPAddress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]IPAddress(nil), s.ips[vmID]...), nil
}
