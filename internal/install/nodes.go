package install

import (
	"context"
	"fmt"

	"github.com/typevps/engine/internal/hypervisor"
)

// NodeSelector picks the placement node for a new VM.
type NodeSelector interface {
	SelectNode(ctx context.Context, req NodeRequest) (string, error)
}

// NodeRequest describes the resources the VM needs. A load-aware
// selector can weigh these against node capacity.
type NodeRequest struct {
	CPUCores  int
	RAMBytes  int64
	DiskBytes int64
}

// StaticSelector always places on one configured node.
type StaticSelector struct {
	Node string
}

func (s StaticSelector) SelectNode(ctx context.Context, req NodeRequest) (string, error) {
	if s.Node == "" {
		return "", fmt.Errorf("no placement node configured")
	}
	return s.Node, nil
}

// minVMID is the lower bound for allocated hypervisor-native ids; ids
// below it are reserved for infrastructure VMs.
const minVMID = 100

// allocateVMID picks the smallest unused numeric id across the
// cluster.
func allocateVMID(ctx context.Context, hv hypervisor.Client) (int, error) {
	resources, err := hv.Resources(ctx)
	if err != nil {
		return 0, fmt.Errorf("list resources: %w", err)
	}

	taken := make(map[int]struct{}, len(resources))
	for _, res := range resources {
		taken[res.VMID] = struct{}{}
	}

	vmid := minVMID
	for {
		if _, used := taken[vmid]; !used {
			return vmid, nil
		}
		vmid++
	}
}
