package install

import (
	"context"
	"fmt"

	"github.com/typevps/engine/internal/hypervisor"
	"github.com/typevps/engine/internal/record"
)

// windowsDNSServers are pushed to the guest because cloud-init cannot
// configure Windows networking.
var windowsDNSServers = []string{"1.1.1.1", "1.0.0.1"}

// windowsNetworkScript renders the PowerShell that rebinds the primary
// adapter to the static assignment. Executed via the agent exec
// channel after the agent comes online.
func windowsNetworkScript(ip record.IPAddress) string {
	prefixLen := maskBits(ip.Subnet)

	return fmt.Sprintf(`
$defaultInterface = Get-NetAdapter | Where-Object { $_.InterfaceAlias -like "Ethernet*" } | Select-Object -First 1

$ipv4Address = "%s"
$subnetMaskBitLength = "%d"
$defaultGateway = "%s"

Get-NetIPAddress -InterfaceIndex $defaultInterface.ifIndex | Remove-NetIPAddress -Confirm:$false
Remove-NetRoute -InterfaceIndex $defaultInterface.ifIndex -DestinationPrefix "0.0.0.0/0" -Confirm:$false
New-NetIPAddress -InterfaceIndex $defaultInterface.ifIndex -IPAddress $ipv4Address -PrefixLength $subnetMaskBitLength -DefaultGateway $defaultGateway

$dnsServers = '%s', '%s'
$defaultInterface | Set-DnsClientServerAddress -ServerAddresses $dnsServers
`, ip.Address, prefixLen, ip.Gateway, windowsDNSServers[0], windowsDNSServers[1])
}

// windowsPostInstall pushes the network rebind script and sets the OS
// account password through the agent.
func (in *Installer) windowsPostInstall(ctx context.Context, ref hypervisor.Ref, vm record.VirtualMachine, ips []record.IPAddress, username, password string) error {
	primary, ok := primaryIPv4(vm, ips)
	if !ok {
		return fmt.Errorf("vm %s has no primary ipv4 address", vm.ID)
	}

	if err := in.hv.AgentExec(ctx, ref, "powershell.exe -NoExit", windowsNetworkScript(primary)); err != nil {
		return fmt.Errorf("run network script: %w", err)
	}
	if err := in.hv.AgentSetPassword(ctx, ref, username, password); err != nil {
		return fmt.Errorf("set windows password: %w", err)
	}
	return nil
}

// primaryIPv4 finds the assigned address matching the record's primary
// IPv4, falling back to the first assignment.
func primaryIPv4(vm record.VirtualMachine, ips []record.IPAddress) (record.IPAddress, bool) {
	for _, ip := range ips {
		if ip.Address == vm.PrimaryIPv4 {
			return ip, true
		}
	}
	if len(ips) > 0 {
		return ips[0], true
	}
	return record.IPAddress{}, false
}
