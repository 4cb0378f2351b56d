// Package record defines the contract to the authoritative tenant/VM
// store. The relational backend lives outside this module; the engine
// only reads the roster and reads/writes the install lifecycle fields.
package record

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record: not found")

// InstallStatus is the authoritative VM lifecycle state. The cached
// VMState is a derived, best-effort mirror of hypervisor reality;
// this enum is what operators and the pipeline trust.
type InstallStatus string

const (
	StatusAwaitingConfig InstallStatus = "AWAITING_CONFIG"
	StatusInstalling     InstallStatus = "INSTALLING"
	StatusOK             InstallStatus = "OK"
)

// OSType distinguishes the two post-install paths.
type OSType string

const (
	OSLinux   OSType = "LINUX"
	OSWindows OSType = "WINDOWS"
)

// VirtualMachine is the engine's view of a tenant VM record.
type VirtualMachine struct {
	ID            string
	Name          string
	OwnerID       int
	OwnerName     string
	CPUCores      int
	RAMBytes      int64
	DiskBytes     int64
	BandwidthMax  int64
	PrimaryIPv4   string
	PrimaryIPv6   string
	InstallStatus InstallStatus
	Username      string
	Password      string
	LastAccessed  time.Time
	ExpiresAt     time.Time
}

// Expired reports whether the VM's paid service has lapsed.
func (vm VirtualMachine) Expired(now time.Time) bool {
	return vm.ExpiresAt.IsZero() || now.After(vm.ExpiresAt)
}

// Template is an installable OS image definition.
type Template struct {
	ID       string
	Name     string
	OSType   OSType
	ImageURL string
}

// SSHKey is a tenant-registered public key.
type SSHKey struct {
	ID        string
	OwnerID   int
	PublicKey string
}

// IPAddress is one address assigned to a VM. Subnet is a dotted
// decimal mask (e.g. 255.255.255.0).
type IPAddress struct {
	Address string
	Subnet  string
	Gateway string
}

// Store is the read/write surface the engine needs from the backing
// store. Implementations must be safe for concurrent use.
type Store interface {
	// ListActiveVMs returns every VM whose paid service has not
	// expired. This is the poller's roster source.
	ListActiveVMs(ctx context.Context) ([]VirtualMachine, error)

	// GetVM returns one VM record or ErrNotFound.
	GetVM(ctx context.Context, vmID string) (VirtualMachine, error)

	// SetInstallStatus persists the lifecycle state.
	SetInstallStatus(ctx context.Context, vmID string, status InstallStatus) error

	// SetCredentials persists the chosen OS username and password.
	SetCredentials(ctx context.Context, vmID, username, password string) error

	// Template returns one template or ErrNotFound.
	Template(ctx context.Context, templateID string) (Template, error)

	// SSHKeys resolves keys by id for an owner. Missing ids are simply
	// absent from the result; the caller enforces exact-count matching.
	SSHKeys(ctx context.Context, ownerID int, keyIDs []string) ([]SSHKey, error)

	// AssignedIPs returns the addresses assigned to a VM.
	AssignedIPs(ctx context.Context, vmID string) ([]IPAddress, error)
}
