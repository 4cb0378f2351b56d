package install

import (
	"context"
	"fmt"
	"strings"

	"github.com/typevps/engine/internal/hypervisor"
	"github.com/typevps/engine/internal/record"
)

// ipsetName is the per-VM firewall allow list. Rules reference it with
// the "+" prefix.
const ipsetName = "allowed-ip-addresses"

// maskBits counts the set bits of a dotted decimal mask.
func maskBits(mask string) int {
	bits := 0
	for _, octet := range strings.Split(mask, ".") {
		var v int
		fmt.Sscanf(octet, "%d", &v)
		for ; v > 0; v >>= 1 {
			bits += v & 1
		}
	}
	return bits
}

// cidrFromMask converts an address plus dotted decimal mask into CIDR
// notation (e.g. 203.0.113.7 + 255.255.255.0 -> 203.0.113.7/24).
func cidrFromMask(address, mask string) string {
	return fmt.Sprintf("%s/%d", address, maskBits(mask))
}

// configureNetwork replaces the VM's NICs with one interface per
// assigned address on the standard bridge and sets the cloud-init IP
// parameters. IPv4 only; IPv6 assignments are accepted upstream but
// not wired here.
func (in *Installer) configureNetwork(ctx context.Context, ref hypervisor.Ref, ips []record.IPAddress) error {
	config, err := in.hv.Config(ctx, ref)
	if err != nil {
		return fmt.Errorf("read vm config: %w", err)
	}

	var stale []string
	for key := range config {
		if strings.HasPrefix(key, "net") {
			stale = append(stale, key)
		}
	}
	if len(stale) > 0 {
		if err := in.hv.DeleteConfigKeys(ctx, ref, stale); err != nil {
			return fmt.Errorf("remove stale nics: %w", err)
		}
	}

	nics := make([]hypervisor.NIC, len(ips))
	ipconfigs := make([]hypervisor.IPConfig, len(ips))
	for i, ip := range ips {
		nics[i] = hypervisor.NIC{
			Model:    "virtio",
			Bridge:   in.cfg.NetworkBridge,
			Firewall: true,
		}
		ipconfigs[i] = hypervisor.IPConfig{
			IPv4CIDR: cidrFromMask(ip.Address, ip.Subnet),
			Gateway:  ip.Gateway,
		}
	}

	if err := in.hv.SetNetworkConfig(ctx, ref, nics, ipconfigs); err != nil {
		return fmt.Errorf("set network config: %w", err)
	}
	return nil
}

// configureFirewall pins the VM to its assigned addresses: default
// DROP both directions, accept inbound destined to the allow list,
// accept outbound sourced from it. Spoofed or unassigned addresses are
// blocked at the hypervisor edge.
func (in *Installer) configureFirewall(ctx context.Context, ref hypervisor.Ref, ips []record.IPAddress) error {
	if err := in.hv.CreateIPSet(ctx, ref, ipsetName); err != nil {
		return fmt.Errorf("create ipset: %w", err)
	}

	for _, ip := range ips {
		if err := in.hv.AddToIPSet(ctx, ref, ipsetName, ip.Address); err != nil {
			return fmt.Errorf("add %s to ipset: %w", ip.Address, err)
		}
	}

	if err := in.hv.SetFirewallOptions(ctx, ref, hypervisor.FirewallOptions{
		Enable:    true,
		PolicyIn:  "DROP",
		PolicyOut: "DROP",
	}); err != nil {
		return fmt.Errorf("set firewall policy: %w", err)
	}

	if err := in.hv.AddFirewallRule(ctx, ref, hypervisor.FirewallRule{
		Action: "ACCEPT",
		Type:   "in",
		Dest:   "+" + ipsetName,
		Enable: true,
	}); err != nil {
		return fmt.Errorf("add inbound rule: %w", err)
	}

	if err := in.hv.AddFirewallRule(ctx, ref, hypervisor.FirewallRule{
		Action: "ACCEPT",
		Type:   "out",
		Source: "+" + ipsetName,
		Enable: true,
	}); err != nil {
		return fmt.Errorf("add outbound rule: %w", err)
	}

	return nil
}

// vmDescription embeds the record metadata in the hypervisor-side VM
// description so admin tooling can recover it without a store lookup.
func vmDescription(vm record.VirtualMachine) string {
	orNull := func(s string) string {
		if s == "" {
			return "NULL"
		}
		return s
	}

	lines := []string{
		"---",
		fmt.Sprintf("* TYPEVPS_VMID=%s", vm.ID),
		fmt.Sprintf("* TYPEVPS_VM_NAME=%s", vm.Name),
		fmt.Sprintf("* TYPEVPS_VM_DISK=%d", vm.DiskBytes),
		fmt.Sprintf("* TYPEVPS_VM_IPV4=%s", orNull(vm.PrimaryIPv4)),
		fmt.Sprintf("* TYPEVPS_VM_IPV6=%s", orNull(vm.PrimaryIPv6)),
		fmt.Sprintf("* TYPEVPS_VM_RAM=%d", vm.RAMBytes),
		fmt.Sprintf("* TYPEVPS_VM_CPU=%d", vm.CPUCores),
		"---",
	}
	return strings.Join(lines, "\n")
}
