package hypervisor

import "context"

// Ref addresses a single VM on the cluster: the node it lives on plus
// its hypervisor-native numeric id.
type Ref struct {
	Node string
	VMID int
}

// Resource is one entry of the cluster-wide resource listing. Only
// qemu-type resources are interesting to the engine; the listing is
// already filtered to those by the client.
type Resource struct {
	Name     string
	Node     string
	VMID     int
	Status   string
	CPU      float64 // fraction of one core, 0..ncpu
	Mem      int64
	MaxMem   int64
	Uptime   int64
	NetIn    int64 // cumulative bytes since VM start
	NetOut   int64
	Disk     int64
	MaxDisk  int64
	Template bool
}

// Task is an asynchronous unit of work tracked by the cluster. UPID is
// the opaque task id; Status is empty or "running" while in flight and
// "OK", "FAILED" or an error string once finished.
type Task struct {
	UPID   string
	Node   string
	Type   string
	Status string
}

// Task status values with defined meaning. Anything else terminal is an
// error string from the control plane.
const (
	TaskStatusOK      = "OK"
	TaskStatusFailed  = "FAILED"
	TaskStatusRunning = "running"
)

// TaskTerminal reports whether a task status value is terminal.
func TaskTerminal(status string) bool {
	return status != "" && status != TaskStatusRunning
}

// VMStatus is the live per-VM status reading, tighter than the cluster
// resource listing because it is served by the owning node directly.
type VMStatus struct {
	Status string
	CPU    float64
	Mem    int64
	MaxMem int64
	Uptime int64
}

// StorageFile is one file in a node storage content listing.
type StorageFile struct {
	VolID    string // "<storage>:<content>/<filename>"
	FileName string
	Size     int64
	Content  string
}

// PowerAction is a power state transition request.
type PowerAction string

const (
	PowerStart    PowerAction = "start"
	PowerStop     PowerAction = "stop"
	PowerShutdown PowerAction = "shutdown"
	PowerReboot   PowerAction = "reboot"
	PowerReset    PowerAction = "reset"
	PowerSuspend  PowerAction = "suspend"
)

// CreateParams carries the qemu create call parameters. Values map 1:1
// onto the control plane's create API; OS-specific settings (bios,
// ostype, efidisk) are chosen by the caller.
type CreateParams struct {
	Name        string
	Description string
	Cores       int
	Sockets     int
	MemoryMB    int64
	CPUType     string
	OSType      string
	BIOS        string
	BootDisk    string
	SCSIHW      string
	Net0        string
	OnBoot      bool
	Agent       string
	IDE2        string // cloud-init drive
	CICustom    string // cloud-init snippet reference
	EFIDisk0    string
	VirtIO0     string
}

// FirewallOptions is the per-VM firewall policy configuration.
type FirewallOptions struct {
	Enable    bool
	PolicyIn  string
	PolicyOut string
}

// FirewallRule is a single per-VM firewall rule.
type FirewallRule struct {
	Action string
	Type   string // "in" or "out"
	Source string
	Dest   string
	Enable bool
}

// IPConfig is a per-NIC cloud-init address assignment.
type IPConfig struct {
	IPv4CIDR string
	Gateway  string
}

// NIC describes one virtual network interface to attach.
type NIC struct {
	Model    string
	Bridge   string
	Firewall bool
}

// Client is the full control-plane capability consumed by the engine.
//
// Calls that start asynchronous work return the task id; completion is
// observed through the task listing or the event bridge. All calls
// honor context cancellation.
type Client interface {
	// Resources lists all qemu resources across the cluster.
	Resources(ctx context.Context) ([]Resource, error)

	// Tasks lists recent cluster tasks.
	Tasks(ctx context.Context) ([]Task, error)

	// Status reads the live status of one VM from its node.
	Status(ctx context.Context, ref Ref) (VMStatus, error)

	// Config reads the VM's current config as raw key/value pairs.
	Config(ctx context.Context, ref Ref) (map[string]string, error)

	// SetNetworkConfig replaces NICs and cloud-init IP assignments.
	// NICs and ipconfigs are indexed together (net0/ipconfig0, ...).
	SetNetworkConfig(ctx context.Context, ref Ref, nics []NIC, ipconfigs []IPConfig) error

	// DeleteConfigKeys removes config keys (e.g. stale net devices).
	DeleteConfigKeys(ctx context.Context, ref Ref, keys []string) error

	// Create creates a VM. Returns the creation task id.
	Create(ctx context.Context, ref Ref, params CreateParams) (string, error)

	// Delete destroys a VM. Returns the deletion task id.
	Delete(ctx context.Context, ref Ref) (string, error)

	// ResizeDisk grows a disk to the given size string (e.g. "50G").
	ResizeDisk(ctx context.Context, ref Ref, disk, size string) error

	// Power requests a power action. Returns the task id.
	Power(ctx context.Context, ref Ref, action PowerAction) (string, error)

	// CreateIPSet creates a named firewall ipset on the VM.
	CreateIPSet(ctx context.Context, ref Ref, name string) error

	// AddToIPSet adds a CIDR to a VM ipset.
	AddToIPSet(ctx context.Context, ref Ref, ipset, cidr string) error

	// SetFirewallOptions sets the VM firewall policy.
	SetFirewallOptions(ctx context.Context, ref Ref, opts FirewallOptions) error

	// AddFirewallRule appends a firewall rule to the VM.
	AddFirewallRule(ctx context.Context, ref Ref, rule FirewallRule) error

	// ListStorage lists the content of a node storage.
	ListStorage(ctx context.Context, node, storage string) ([]StorageFile, error)

	// DownloadURL asks the node to download a URL into storage under
	// the given file name. Returns the download task id.
	DownloadURL(ctx context.Context, node, storage, fileName, url string) (string, error)

	// AgentPing probes the guest agent. A nil error means the agent
	// answered; an error means not reachable (yet).
	AgentPing(ctx context.Context, ref Ref) error

	// AgentExec runs a command inside the guest via the agent.
	AgentExec(ctx context.Context, ref Ref, command, input string) error

	// AgentSetPassword sets an OS account password via the agent.
	AgentSetPassword(ctx context.Context, ref Ref, username, password string) error
}
