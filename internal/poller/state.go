package poller

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/typevps/engine/internal/hypervisor"
	"github.com/typevps/engine/internal/naming"
	"github.com/typevps/engine/internal/statecache"
)

// pollStates mirrors the cluster resource listing into the cache and
// publishes power transitions as they are discovered, one VM at a
// time, so downstream waiters see each transition promptly.
func (p *Poller) pollStates(ctx context.Context) error {
	resources, err := p.hv.Resources(ctx)
	if err != nil {
		return fmt.Errorf("list resources: %w", err)
	}

	for _, res := range resources {
		_, vmID, ok := naming.ParseResourceName(res.Name)
		if !ok {
			continue
		}

		vm, ok := p.roster[vmID]
		if !ok {
			// Not paid-for or unknown. Not an error; the roster is the
			// filter that keeps orphaned VMs out of the cache.
			continue
		}

		usage := p.netUsage[vmID]
		state := statecache.VMState{
			Status:            powerStatus(res.Status),
			CPUUsagePercent:   res.CPU * 100,
			MemoryUsageBytes:  res.Mem,
			MemoryMaxBytes:    res.MaxMem,
			UpTimeSeconds:     res.Uptime,
			BandwidthMaxBytes: vm.BandwidthMax,
			Node:              res.Node,
			VMID:              res.VMID,
		}
		if usage != nil {
			state.BandwidthInBytes = usage.totalInBytes
			state.BandwidthOutBytes = usage.totalOutBytes
		}

		if _, live := p.liveUpdate[vmID]; live {
			status, err := p.hv.Status(ctx, hypervisor.Ref{Node: res.Node, VMID: res.VMID})
			if err != nil {
				return fmt.Errorf("live status for vm %s: %w", vmID, err)
			}
			state.CPUUsagePercent = status.CPU * 100
			state.MemoryUsageBytes = status.Mem
		}

		if err := p.cache.SetVMState(ctx, vmID, state); err != nil {
			return err
		}

		oldStatus := statecache.PowerUnknown
		if old, seen := p.lastStates[vmID]; seen {
			oldStatus = old.Status
		}
		if oldStatus != state.Status {
			p.logger.Info("vm power state changed",
				zap.String("vm", vmID),
				zap.String("old", string(oldStatus)),
				zap.String("new", string(state.Status)))
			if err := p.cache.PublishPowerStateChange(ctx, statecache.PowerStateChange{
				VMID:          vmID,
				OldPowerState: oldStatus,
				NewPowerState: state.Status,
			}); err != nil {
				return err
			}
		}

		p.accountNetwork(vmID, res.NetIn, res.NetOut)
		p.lastStates[vmID] = state
	}

	return nil
}

func powerStatus(raw string) statecache.PowerStatus {
	if raw == "running" {
		return statecache.PowerRunning
	}
	return statecache.PowerStopped
}

// accountNetwork folds raw counters into the cumulative totals.
// Hypervisor counters are monotonic but reset on VM restart; a
// negative delta means a reset happened and that sample contributes
// zero, never a subtraction.
func (p *Poller) accountNetwork(vmID string, netIn, netOut int64) {
	usage := p.netUsage[vmID]
	if usage == nil {
		usage = &netAccumulator{
			lastInBytes:  netIn,
			lastOutBytes: netOut,
		}
		p.netUsage[vmID] = usage
	}

	deltaIn := netIn - usage.lastInBytes
	deltaOut := netOut - usage.lastOutBytes
	if deltaIn >= 0 && deltaOut >= 0 {
		usage.totalInBytes += deltaIn
		usage.totalOutBytes += deltaOut
	}

	usage.lastInBytes = netIn
	usage.lastOutBytes = netOut
}
