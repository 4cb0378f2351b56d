// Package install drives the multi-step VM provisioning and
// deprovisioning pipelines.
//
// A pipeline run is logically atomic from the caller's point of view
// but internally a strict ordered sequence of non-transactional side
// effects against the hypervisor. Any step's error aborts the rest; no
// compensating rollback is attempted. The persisted install status is
// the recovery anchor: a run that dies mid-pipeline leaves the VM in
// INSTALLING, and an operator resets it to AWAITING_CONFIG for retry.
package install

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/docker/go-units"
	"go.uber.org/zap"

	"github.com/typevps/engine/internal/events"
	"github.com/typevps/engine/internal/hypervisor"
	"github.com/typevps/engine/internal/livelog"
	"github.com/typevps/engine/internal/naming"
	"github.com/typevps/engine/internal/record"
	"github.com/typevps/engine/internal/snippets"
	"github.com/typevps/engine/internal/statecache"
)

// Config carries the cluster-level constants the pipeline needs.
type Config struct {
	// ImageStorage holds cached base images on each node.
	ImageStorage string

	// VMStorage backs VM disks.
	VMStorage string

	// SnippetStorage is the storage name the hypervisor resolves
	// cloud-init snippet references against.
	SnippetStorage string

	// NetworkBridge is the bridge every tenant NIC attaches to.
	NetworkBridge string

	// StateRetries and StateRetryDelay bound the cache-convergence
	// waits after create and delete.
	StateRetries    int
	StateRetryDelay time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ImageStorage:    "local",
		VMStorage:       "local",
		SnippetStorage:  "cloudinit",
		NetworkBridge:   "vmbr0",
		StateRetries:    10,
		StateRetryDelay: events.DefaultStateRetryDelay,
	}
}

// Task wait bounds for the pipeline's hypervisor calls.
const (
	createTaskTimeout = 5 * time.Minute
	deleteTaskTimeout = 5 * time.Minute
	agentWaitTimeout  = 5 * time.Minute
)

// Waiter is the slice of the event bridge the pipelines block on.
// Satisfied by *events.Bridge.
type Waiter interface {
	WaitForTaskOK(ctx context.Context, taskID string, timeout time.Duration) error
	PowerActionWait(ctx context.Context, hv hypervisor.Client, ref hypervisor.Ref, vmID string, action hypervisor.PowerAction) error
}

var _ Waiter = (*events.Bridge)(nil)

// Installer runs install and delete pipelines.
type Installer struct {
	hv       hypervisor.Client
	cache    events.StateReader
	bridge   Waiter
	records  record.Store
	snippets snippets.Store
	logs     *livelog.Store
	nodes    NodeSelector
	locks    *vmLocks
	logger   *zap.Logger
	cfg      Config
}

// New wires an Installer.
func New(
	hv hypervisor.Client,
	cache events.StateReader,
	bridge Waiter,
	records record.Store,
	snips snippets.Store,
	logs *livelog.Store,
	nodes NodeSelector,
	logger *zap.Logger,
	cfg Config,
) *Installer {
	return &Installer{
		hv:       hv,
		cache:    cache,
		bridge:   bridge,
		records:  records,
		snippets: snips,
		logs:     logs,
		nodes:    nodes,
		locks:    newVMLocks(),
		logger:   logger,
		cfg:      cfg,
	}
}

// Progress returns the progress log for an operation id.
func (in *Installer) Progress(opID string) (livelog.Log, error) {
	return in.logs.Get(opID)
}

// VMState reads the cached state for a VM without retries. Returns
// statecache.ErrNotFound when the VM is unknown to the cache.
func (in *Installer) VMState(ctx context.Context, vmID string) (statecache.VMState, error) {
	return events.GetVMState(ctx, in.cache, vmID, 0, 0)
}

// ForceResetStatus is the operator override that returns a wedged VM
// to AWAITING_CONFIG so the install can be retried.
func (in *Installer) ForceResetStatus(ctx context.Context, vmID string) error {
	return in.records.SetInstallStatus(ctx, vmID, record.StatusAwaitingConfig)
}

// StartInstall validates the request shape, then starts the install
// pipeline detached and returns its operation id. All further errors
// surface through the progress log.
func (in *Installer) StartInstall(ctx context.Context, vmID string, opts Options) (string, error) {
	if err := opts.Validate(); err != nil {
		return "", err
	}
	vm, err := in.records.GetVM(ctx, vmID)
	if err != nil {
		return "", err
	}

	opID := in.logs.Start("installVm", vm.ID, func(log *livelog.Logger) error {
		// The pipeline outlives the request that started it.
		return in.install(context.Background(), vm.ID, opts, log)
	})
	return opID, nil
}

// StartDelete starts the delete pipeline detached and returns its
// operation id.
func (in *Installer) StartDelete(ctx context.Context, vmID string) (string, error) {
	vm, err := in.records.GetVM(ctx, vmID)
	if err != nil {
		return "", err
	}

	opID := in.logs.Start("deleteVm", vm.ID, func(log *livelog.Logger) error {
		return in.delete(context.Background(), vm.ID, log)
	})
	return opID, nil
}

func (in *Installer) install(ctx context.Context, vmID string, opts Options, log *livelog.Logger) error {
	if !in.locks.acquire(vmID) {
		return preconditionf("another operation is already running for vm %s", vmID)
	}
	defer in.locks.release(vmID)

	// Re-read under the lock; the record may have moved since the
	// request was accepted.
	vm, err := in.records.GetVM(ctx, vmID)
	if err != nil {
		return err
	}

	if vm.Expired(time.Now()) {
		return preconditionf("paid service expired at %s", vm.ExpiresAt.Format(time.RFC3339))
	}
	if vm.InstallStatus != record.StatusAwaitingConfig {
		return preconditionf("install status is %s, expected %s", vm.InstallStatus, record.StatusAwaitingConfig)
	}

	log.Log("Fetching template...")
	template, err := in.records.Template(ctx, opts.TemplateID)
	if err != nil {
		if errors.Is(err, record.ErrNotFound) {
			return preconditionf("template %s not found", opts.TemplateID)
		}
		return err
	}

	if _, err := in.VMState(ctx, vm.ID); err == nil {
		return preconditionf("vm %s already exists at the hypervisor", vm.ID)
	} else if !errors.Is(err, statecache.ErrNotFound) {
		return err
	}

	log.Log("Fetching SSH keys...")
	keys, err := in.records.SSHKeys(ctx, vm.OwnerID, opts.SSHKeyIDs)
	if err != nil {
		return err
	}
	if len(keys) != len(opts.SSHKeyIDs) {
		return preconditionf("resolved %d of %d ssh keys", len(keys), len(opts.SSHKeyIDs))
	}

	// Persist intent before the first hypervisor call so a crash
	// mid-pipeline leaves forensic evidence.
	log.Log("Updating VM status...")
	username := opts.Username
	if template.OSType == record.OSWindows {
		username = "Administrator"
	}
	if err := in.records.SetInstallStatus(ctx, vm.ID, record.StatusInstalling); err != nil {
		return err
	}
	if err := in.records.SetCredentials(ctx, vm.ID, username, opts.Password); err != nil {
		return err
	}

	log.Log("Selecting placement node...")
	node, err := in.nodes.SelectNode(ctx, NodeRequest{
		CPUCores:  vm.CPUCores,
		RAMBytes:  vm.RAMBytes,
		DiskBytes: vm.DiskBytes,
	})
	if err != nil {
		return fmt.Errorf("select node: %w", err)
	}

	image, err := in.ensureImage(ctx, node, template.ImageURL, log)
	if err != nil {
		return err
	}

	log.Log("Uploading cloud-init configuration...")
	passwordHash, err := shadowHash(opts.Password)
	if err != nil {
		return err
	}
	publicKeys := make([]string, len(keys))
	for i, k := range keys {
		publicKeys[i] = k.PublicKey
	}
	snippet, err := uploadCloudInit(ctx, in.snippets, cloudInitParams{
		Hostname:         vm.ID,
		Username:         username,
		PasswordHash:     passwordHash,
		SSHKeys:          publicKeys,
		PasswordAuth:     opts.AllowPasswordAuth,
		PasswordlessSudo: opts.PasswordlessSudo,
		LockPassword:     !opts.AllowPasswordAuth,
	})
	if err != nil {
		return err
	}

	log.Log("Creating VM...")
	vmid, err := allocateVMID(ctx, in.hv)
	if err != nil {
		return err
	}
	ref := hypervisor.Ref{Node: node, VMID: vmid}

	createTask, err := in.hv.Create(ctx, ref, in.createParams(vm, template, image, snippet))
	if err != nil {
		return fmt.Errorf("create vm: %w", err)
	}
	if err := in.bridge.WaitForTaskOK(ctx, createTask, createTaskTimeout); err != nil {
		return fmt.Errorf("create vm: %w", err)
	}

	log.Log(fmt.Sprintf("Expanding disk to %s...", units.BytesSize(float64(vm.DiskBytes))))
	diskSize := fmt.Sprintf("%dG", vm.DiskBytes/units.GiB)
	if err := in.hv.ResizeDisk(ctx, ref, "virtio0", diskSize); err != nil {
		return fmt.Errorf("expand disk: %w", err)
	}

	// The poller needs up to one tick to notice the new VM; bridge the
	// gap with a bounded retry before touching config that depends on
	// cached state.
	log.Log("Waiting for VM state to appear...")
	if _, err := events.GetVMState(ctx, in.cache, vm.ID, in.cfg.StateRetries, in.cfg.StateRetryDelay); err != nil {
		return fmt.Errorf("vm state did not converge: %w", err)
	}

	log.Log("Configuring network...")
	ips, err := in.records.AssignedIPs(ctx, vm.ID)
	if err != nil {
		return err
	}
	if err := in.configureNetwork(ctx, ref, ips); err != nil {
		return err
	}

	log.Log("Configuring firewall...")
	if err := in.configureFirewall(ctx, ref, ips); err != nil {
		return err
	}

	log.Log("Starting VM...")
	if err := in.bridge.PowerActionWait(ctx, in.hv, ref, vm.ID, hypervisor.PowerStart); err != nil {
		return err
	}

	log.Log("Waiting for guest agent...")
	if err := events.WaitForAgentOnline(ctx, in.hv, ref, agentWaitTimeout); err != nil {
		return err
	}

	switch template.OSType {
	case record.OSWindows:
		log.Log("Running Windows post-install...")
		if err := in.windowsPostInstall(ctx, ref, vm, ips, username, opts.Password); err != nil {
			return err
		}
	case record.OSLinux:
		log.Log("Setting account password...")
		if err := in.hv.AgentSetPassword(ctx, ref, username, opts.Password); err != nil {
			return fmt.Errorf("set password: %w", err)
		}
	}

	log.Log("Updating VM status...")
	if err := in.records.SetInstallStatus(ctx, vm.ID, record.StatusOK); err != nil {
		return err
	}

	log.Success("VM installed successfully")
	in.logger.Info("vm installed", zap.String("vm", vm.ID), zap.String("node", node), zap.Int("vmid", vmid))
	return nil
}

func (in *Installer) createParams(vm record.VirtualMachine, template record.Template, image hypervisor.StorageFile, snippet string) hypervisor.CreateParams {
	params := hypervisor.CreateParams{
		Name:        naming.EncodeResourceName(vm.OwnerName, vm.OwnerID, vm.ID),
		Description: vmDescription(vm),
		Cores:       vm.CPUCores,
		Sockets:     1,
		MemoryMB:    vm.RAMBytes / units.MiB,
		CPUType:     "host",
		BootDisk:    "scsi0",
		SCSIHW:      "virtio-scsi-single",
		Net0:        "virtio,bridge=" + in.cfg.NetworkBridge,
		OnBoot:      true,
		Agent:       "enabled=1,fstrim_cloned_disks=1",
		IDE2:        fmt.Sprintf("%s:cloudinit,media=cdrom", in.cfg.VMStorage),
		CICustom:    fmt.Sprintf("user=%s:snippets/%s", in.cfg.SnippetStorage, snippet),
		VirtIO0:     fmt.Sprintf("%s:0,format=qcow2,iothread=on,import-from=%s", in.cfg.VMStorage, image.VolID),
	}

	if template.OSType == record.OSWindows {
		params.OSType = "win10"
		params.BIOS = "ovmf"
		params.EFIDisk0 = fmt.Sprintf("%s:1,efitype=4m,pre-enrolled-keys=1,format=qcow2", in.cfg.VMStorage)
	} else {
		params.OSType = "l26"
		params.BIOS = "seabios"
	}
	return params
}

func (in *Installer) delete(ctx context.Context, vmID string, log *livelog.Logger) error {
	if !in.locks.acquire(vmID) {
		return preconditionf("another operation is already running for vm %s", vmID)
	}
	defer in.locks.release(vmID)

	vm, err := in.records.GetVM(ctx, vmID)
	if err != nil {
		return err
	}
	if vm.InstallStatus != record.StatusOK {
		return preconditionf("install status is %s, expected %s", vm.InstallStatus, record.StatusOK)
	}

	state, err := in.VMState(ctx, vm.ID)
	if err != nil {
		if errors.Is(err, statecache.ErrNotFound) {
			return preconditionf("vm %s does not exist at the hypervisor", vm.ID)
		}
		return err
	}
	ref := hypervisor.Ref{Node: state.Node, VMID: state.VMID}

	if state.Status == statecache.PowerRunning {
		log.Log("Stopping VM...")
		if err := in.bridge.PowerActionWait(ctx, in.hv, ref, vm.ID, hypervisor.PowerStop); err != nil {
			return err
		}
	}

	log.Log("Deleting VM...")
	taskID, err := in.hv.Delete(ctx, ref)
	if err != nil {
		return fmt.Errorf("delete vm: %w", err)
	}
	if err := in.bridge.WaitForTaskOK(ctx, taskID, deleteTaskTimeout); err != nil {
		return fmt.Errorf("delete vm: %w", err)
	}

	log.Log("Waiting for VM state to clear...")
	if err := events.WaitForStateRemoved(ctx, in.cache, vm.ID, in.cfg.StateRetries, in.cfg.StateRetryDelay); err != nil {
		return fmt.Errorf("vm state did not clear: %w", err)
	}

	if err := in.records.SetInstallStatus(ctx, vm.ID, record.StatusAwaitingConfig); err != nil {
		return err
	}

	log.Success("VM deleted successfully")
	in.logger.Info("vm deleted", zap.String("vm", vm.ID))
	return nil
}

